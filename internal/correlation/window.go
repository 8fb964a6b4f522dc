package correlation

import (
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/model"
)

// Entry is one normalized event held in a correlation window, tagged with
// the event class assigned upstream.
type Entry struct {
	Event *model.RawEvent
	Class string
}

// keyWindow holds the ordered entries for a single correlation key.
type keyWindow struct {
	mu      sync.RWMutex
	entries []Entry
}

// WindowSet maintains per-key sliding windows bounded by both a time horizon
// and a maximum entry count. Eviction is driven by event timestamps, not the
// wall clock, so evaluation stays deterministic for a fixed event sequence.
type WindowSet struct {
	mu       sync.RWMutex
	keys     map[string]*keyWindow
	maxAge   time.Duration
	maxCount int
}

// NewWindowSet creates a window set with the given horizon and count bound.
func NewWindowSet(maxAge time.Duration, maxCount int) *WindowSet {
	return &WindowSet{
		keys:     make(map[string]*keyWindow),
		maxAge:   maxAge,
		maxCount: maxCount,
	}
}

// Add appends an event to the window for key, evicting expired and overflow
// entries. Events arrive in order within a key, so the newest timestamp
// drives expiry.
func (ws *WindowSet) Add(key string, ev *model.RawEvent, class string) {
	if key == "" || ev == nil {
		return
	}

	ws.mu.Lock()
	kw, exists := ws.keys[key]
	if !exists {
		kw = &keyWindow{}
		ws.keys[key] = kw
	}
	// Take the window lock before releasing the set lock so a concurrent
	// TrimToHorizon cannot drop the key between lookup and append.
	kw.mu.Lock()
	defer kw.mu.Unlock()
	ws.mu.Unlock()

	kw.entries = append(kw.entries, Entry{Event: ev, Class: class})

	cutoff := ev.Timestamp.Add(-ws.maxAge)
	firstLive := 0
	for firstLive < len(kw.entries) && kw.entries[firstLive].Event.Timestamp.Before(cutoff) {
		firstLive++
	}
	if overflow := len(kw.entries) - firstLive - ws.maxCount; overflow > 0 {
		firstLive += overflow
	}
	if firstLive > 0 {
		kw.entries = append([]Entry(nil), kw.entries[firstLive:]...)
	}
}

// Entries returns a snapshot of the window for key, oldest first.
func (ws *WindowSet) Entries(key string) []Entry {
	ws.mu.RLock()
	kw, exists := ws.keys[key]
	ws.mu.RUnlock()
	if !exists {
		return nil
	}

	kw.mu.RLock()
	defer kw.mu.RUnlock()
	out := make([]Entry, len(kw.entries))
	copy(out, kw.entries)
	return out
}

// EntriesWithin returns entries for key no older than `within` relative to
// the reference time, oldest first.
func (ws *WindowSet) EntriesWithin(key string, ref time.Time, within time.Duration) []Entry {
	all := ws.Entries(key)
	cutoff := ref.Add(-within)
	var out []Entry
	for _, e := range all {
		if !e.Event.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// TrimToHorizon evicts every entry older than `horizon` relative to each
// key's newest entry and drops empty keys. Used by the orchestrator's memory
// governor to shed retained history ahead of natural expiry.
func (ws *WindowSet) TrimToHorizon(horizon time.Duration) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	trimmed := 0
	for key, kw := range ws.keys {
		kw.mu.Lock()
		n := len(kw.entries)
		if n == 0 {
			kw.mu.Unlock()
			delete(ws.keys, key)
			continue
		}
		cutoff := kw.entries[n-1].Event.Timestamp.Add(-horizon)
		firstLive := 0
		for firstLive < n && kw.entries[firstLive].Event.Timestamp.Before(cutoff) {
			firstLive++
		}
		if firstLive > 0 {
			kw.entries = append([]Entry(nil), kw.entries[firstLive:]...)
			trimmed += firstLive
		}
		empty := len(kw.entries) == 0
		kw.mu.Unlock()
		if empty {
			delete(ws.keys, key)
		}
	}
	return trimmed
}

// Stats returns the key count and total retained entries.
func (ws *WindowSet) Stats() (keys int, entries int) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, kw := range ws.keys {
		kw.mu.RLock()
		entries += len(kw.entries)
		kw.mu.RUnlock()
	}
	return len(ws.keys), entries
}
