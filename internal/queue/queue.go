package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/model"
)

const numPriorities = 4

// ErrUnknownEvent is returned by Ack and Retry when the event ID is not in
// flight, typically after a duplicate Ack or a Retry racing an Ack.
var ErrUnknownEvent = fmt.Errorf("queue: event not in flight")

// Config controls queue capacity and backpressure behavior.
type Config struct {
	// Capacity bounds the number of queued (not in-flight) events.
	Capacity int
	// DropOldestOnFull admits a new event on a full queue by evicting the
	// oldest queued event. When false a full queue rejects the enqueue.
	DropOldestOnFull bool
	// DeadLetterCap bounds the dead-letter set; beyond it the oldest dead
	// letters are discarded after being counted.
	DeadLetterCap int
	// DefaultMaxRetries is assigned to events enqueued from the event
	// source.
	DefaultMaxRetries int
}

// DeadLetter records an event that exhausted its retries or was evicted to
// admit newer work. Dead letters are terminal; they are never requeued.
type DeadLetter struct {
	Item     *model.QueuedEvent `json:"item"`
	Reason   string             `json:"reason"`
	FailedAt time.Time          `json:"failed_at"`
}

// Metrics is a point-in-time aggregate snapshot of queue activity.
type Metrics struct {
	Depth           int     `json:"depth"`
	Capacity        int     `json:"capacity"`
	Utilization     float64 `json:"utilization"`
	InFlight        int     `json:"in_flight"`
	DeadLetterDepth int     `json:"dead_letter_depth"`
	Enqueued        int64   `json:"enqueued"`
	Rejected        int64   `json:"rejected"`
	Deduped         int64   `json:"deduped"`
	Evicted         int64   `json:"evicted"`
	Completed       int64   `json:"completed"`
	Retried         int64   `json:"retried"`
	DeadLettered    int64   `json:"dead_lettered"`
	AvgWaitMs       float64 `json:"avg_wait_ms"`
}

// Healthy reports whether the queue is inside its operating envelope:
// utilization at or below 90% and a dead-letter set below the cap.
func (m Metrics) Healthy(deadLetterCap int) bool {
	return m.Utilization <= 0.9 && m.DeadLetterDepth < deadLetterCap
}

// Queue is a bounded, priority-aware in-memory event queue. Dequeue order is
// highest priority first, FIFO within a priority band. All methods are safe
// for concurrent use.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	bands    [numPriorities][]*model.QueuedEvent
	depth    int
	inflight map[string]*model.QueuedEvent
	live     map[string]struct{} // IDs currently queued or in flight
	dead     []DeadLetter
	wake     chan struct{}
	logger   *slog.Logger

	enqueued     int64
	rejected     int64
	deduped      int64
	evicted      int64
	completed    int64
	retried      int64
	deadLettered int64
	waitTotal    time.Duration
	waitCount    int64
}

// New creates a queue with the given configuration.
func New(cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.DeadLetterCap <= 0 {
		return nil, fmt.Errorf("queue: dead-letter cap must be positive, got %d", cfg.DeadLetterCap)
	}
	if cfg.DefaultMaxRetries < 0 {
		return nil, fmt.Errorf("queue: default max retries must not be negative, got %d", cfg.DefaultMaxRetries)
	}
	return &Queue{
		cfg:      cfg,
		inflight: make(map[string]*model.QueuedEvent),
		live:     make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}, nil
}

// Enqueue admits an event at the given priority. It returns false when the
// queue is full and the backpressure mode is reject, or when an event with
// the same ID is already queued or in flight (a redelivered duplicate). It
// never blocks.
func (q *Queue) Enqueue(ev *model.RawEvent, prio model.Priority) bool {
	if ev == nil || ev.ID == "" {
		return false
	}
	item := &model.QueuedEvent{
		Event:      ev,
		Priority:   clampPriority(prio),
		EnqueuedAt: time.Now(),
		MaxRetries: q.cfg.DefaultMaxRetries,
	}
	return q.admit(item)
}

func (q *Queue) admit(item *model.QueuedEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A second copy of a live ID would collide in the in-flight map and
	// orphan one of the two on Ack.
	if _, dup := q.live[item.Event.ID]; dup {
		q.deduped++
		q.logger.Debug("rejected duplicate of live event", "event_id", item.Event.ID)
		return false
	}

	if q.depth >= q.cfg.Capacity {
		if !q.cfg.DropOldestOnFull {
			q.rejected++
			return false
		}
		evictedItem := q.evictOldestLocked()
		if evictedItem == nil {
			// Capacity zero-depth inconsistency cannot happen; be safe.
			q.rejected++
			return false
		}
		q.evicted++
		q.deadLetterLocked(evictedItem, "evicted_queue_full")
		q.logger.Debug("evicted oldest queued event to admit new one",
			"evicted_id", evictedItem.Event.ID,
			"admitted_id", item.Event.ID)
	}

	q.bands[item.Priority] = append(q.bands[item.Priority], item)
	q.depth++
	q.live[item.Event.ID] = struct{}{}
	q.enqueued++
	q.signalLocked()
	return true
}

// evictOldestLocked removes and returns the globally oldest queued event.
// Band heads are each band's oldest, so the global oldest is among them.
func (q *Queue) evictOldestLocked() *model.QueuedEvent {
	bestBand := -1
	var bestAt time.Time
	for b := 0; b < numPriorities; b++ {
		if len(q.bands[b]) == 0 {
			continue
		}
		head := q.bands[b][0]
		if bestBand == -1 || head.EnqueuedAt.Before(bestAt) {
			bestBand = b
			bestAt = head.EnqueuedAt
		}
	}
	if bestBand == -1 {
		return nil
	}
	item := q.bands[bestBand][0]
	q.bands[bestBand] = q.bands[bestBand][1:]
	q.depth--
	return item
}

// Dequeue blocks until an event is available or the context is cancelled.
// The returned event is tracked as in flight until Ack or Retry.
func (q *Queue) Dequeue(ctx context.Context) (*model.QueuedEvent, bool) {
	for {
		q.mu.Lock()
		item := q.popLocked()
		if item != nil {
			now := time.Now()
			item.DequeuedAt = now
			q.waitTotal += now.Sub(item.EnqueuedAt)
			q.waitCount++
			q.inflight[item.Event.ID] = item
			// Another item may remain; pass the wakeup along.
			if q.depth > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

func (q *Queue) popLocked() *model.QueuedEvent {
	for b := numPriorities - 1; b >= 0; b-- {
		if len(q.bands[b]) == 0 {
			continue
		}
		item := q.bands[b][0]
		q.bands[b] = q.bands[b][1:]
		q.depth--
		return item
	}
	return nil
}

// Ack marks an in-flight event as completed and releases it.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return ErrUnknownEvent
	}
	delete(q.inflight, id)
	delete(q.live, id)
	q.completed++
	return nil
}

// Retry re-enqueues an in-flight event with its retry count incremented.
// When retries are exhausted the event is dead-lettered with the reason and
// Retry returns false to signal the caller it was not requeued.
func (q *Queue) Retry(id, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev, ok := q.inflight[id]
	if !ok {
		return false
	}
	delete(q.inflight, id)

	if prev.RetryCount >= prev.MaxRetries {
		q.deadLetterLocked(prev, reason)
		q.logger.Warn("event dead-lettered",
			"event_id", id,
			"reason", reason,
			"retry_count", prev.RetryCount)
		return false
	}

	retryItem := &model.QueuedEvent{
		Event:      prev.Event,
		Priority:   prev.Priority,
		EnqueuedAt: time.Now(),
		RetryCount: prev.RetryCount + 1,
		MaxRetries: prev.MaxRetries,
		Affinity:   prev.Affinity,
	}

	// A full queue in reject mode dead-letters the retry rather than
	// blocking the caller or silently losing the event.
	if q.depth >= q.cfg.Capacity {
		if !q.cfg.DropOldestOnFull {
			q.deadLetterLocked(retryItem, "retry_queue_full")
			return false
		}
		if ev := q.evictOldestLocked(); ev != nil {
			q.evicted++
			q.deadLetterLocked(ev, "evicted_queue_full")
		}
	}

	q.bands[retryItem.Priority] = append(q.bands[retryItem.Priority], retryItem)
	q.depth++
	q.retried++
	q.signalLocked()
	return true
}

func (q *Queue) deadLetterLocked(item *model.QueuedEvent, reason string) {
	delete(q.live, item.Event.ID)
	q.deadLettered++
	q.dead = append(q.dead, DeadLetter{Item: item, Reason: reason, FailedAt: time.Now()})
	if len(q.dead) > q.cfg.DeadLetterCap {
		q.dead = q.dead[len(q.dead)-q.cfg.DeadLetterCap:]
	}
}

func (q *Queue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DeadLetters returns a copy of the current dead-letter set.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Metrics returns an aggregate snapshot of queue activity.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avgWait float64
	if q.waitCount > 0 {
		avgWait = float64(q.waitTotal.Milliseconds()) / float64(q.waitCount)
	}
	return Metrics{
		Depth:           q.depth,
		Capacity:        q.cfg.Capacity,
		Utilization:     float64(q.depth) / float64(q.cfg.Capacity),
		InFlight:        len(q.inflight),
		DeadLetterDepth: len(q.dead),
		Enqueued:        q.enqueued,
		Rejected:        q.rejected,
		Deduped:         q.deduped,
		Evicted:         q.evicted,
		Completed:       q.completed,
		Retried:         q.retried,
		DeadLettered:    q.deadLettered,
		AvgWaitMs:       avgWait,
	}
}

// Healthy reports whether the queue is within its operating envelope.
func (q *Queue) Healthy() bool {
	return q.Metrics().Healthy(q.cfg.DeadLetterCap)
}

func clampPriority(p model.Priority) model.Priority {
	if p < model.PriorityLow {
		return model.PriorityLow
	}
	if p > model.PriorityCritical {
		return model.PriorityCritical
	}
	return p
}
