package store

import (
	"container/ring"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hostsentry/hostsentry/internal/model"
)

// MemoryStore retains the most recent findings in a ring buffer with LRU
// deduplication. It backs the HTTP query surface; durable persistence is a
// downstream consumer's job.
type MemoryStore struct {
	mu          sync.RWMutex
	findings    *ring.Ring
	dedupe      *lru.Cache[string, bool]
	added       int64
	deduped     int64
	maxFindings int
}

// Stats is a snapshot of store occupancy.
type Stats struct {
	Count       int   `json:"count"`
	MaxFindings int   `json:"max_findings"`
	Added       int64 `json:"added"`
	Deduped     int64 `json:"deduped"`
	DedupeSize  int   `json:"dedupe_size"`
}

// NewMemoryStore creates a store holding up to maxFindings findings and
// remembering dedupeCap dedupe keys.
func NewMemoryStore(maxFindings, dedupeCap int) *MemoryStore {
	dedupeCache, _ := lru.New[string, bool](dedupeCap)
	return &MemoryStore{
		findings:    ring.New(maxFindings),
		dedupe:      dedupeCache,
		maxFindings: maxFindings,
	}
}

// Add inserts a finding unless an equivalent one was stored recently.
// Correlation findings dedupe on their contributing events so a refire of
// the same pattern does not pile up.
func (s *MemoryStore) Add(f *model.Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(f)
	if _, exists := s.dedupe.Get(key); exists {
		s.deduped++
		return
	}
	s.dedupe.Add(key, true)

	s.findings.Value = f
	s.findings = s.findings.Next()
	s.added++
}

// All returns the retained findings, oldest first.
func (s *MemoryStore) All() []*model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*model.Finding) bool { return true })
}

// ByHost returns findings whose triggering event came from the given host.
func (s *MemoryStore) ByHost(host string) []*model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(f *model.Finding) bool {
		return f.Event != nil && f.Event.Host == host
	})
}

// ByMinRisk returns findings at or above the given risk level.
func (s *MemoryStore) ByMinRisk(min model.RiskLevel) []*model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(f *model.Finding) bool {
		return f.Classification.Risk >= min
	})
}

// Query filters on host and minimum risk together; zero values match all.
func (s *MemoryStore) Query(host string, minRisk model.RiskLevel, limit int) []*model.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.collect(func(f *model.Finding) bool {
		if host != "" && (f.Event == nil || f.Event.Host != host) {
			return false
		}
		return f.Classification.Risk >= minRisk
	})
	if limit > 0 && len(out) > limit {
		// Newest findings win when the caller caps the result.
		out = out[len(out)-limit:]
	}
	return out
}

func (s *MemoryStore) collect(keep func(*model.Finding) bool) []*model.Finding {
	var out []*model.Finding
	s.findings.Do(func(value any) {
		if value == nil {
			return
		}
		if f, ok := value.(*model.Finding); ok && keep(f) {
			out = append(out, f)
		}
	})
	return out
}

// Clear drops every finding and forgets the dedupe history.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.findings.Len(); i++ {
		s.findings.Value = nil
		s.findings = s.findings.Next()
	}
	s.dedupe.Purge()
}

// Stats returns occupancy counters.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.findings.Do(func(value any) {
		if value != nil {
			count++
		}
	})
	return Stats{
		Count:       count,
		MaxFindings: s.maxFindings,
		Added:       s.added,
		Deduped:     s.deduped,
		DedupeSize:  s.dedupe.Len(),
	}
}

// dedupeKey collapses repeats of the same logical finding. Per-event
// findings are keyed by event ID and kind; correlation findings by their
// pattern and contributing events.
func dedupeKey(f *model.Finding) string {
	if f.Kind == model.FindingCorrelation {
		key := "corr:" + f.Classification.EventClass
		for _, id := range f.CorrelatedEventIDs {
			key += ":" + id
		}
		return key
	}
	eventID := ""
	if f.Event != nil {
		eventID = f.Event.ID
	}
	return string(f.Kind) + ":" + eventID
}
