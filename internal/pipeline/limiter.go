package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrSlotTimeout is returned when a concurrency slot could not be acquired
// within the caller's wait budget.
var ErrSlotTimeout = errors.New("pipeline: timed out waiting for a concurrency slot")

// Slot is a held concurrency slot. Release is safe to call from any exit
// path and releases exactly once; extra calls are no-ops.
type Slot struct {
	limiter *Limiter
	once    sync.Once
}

// Release returns the slot to the limiter.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.limiter.release()
	})
}

// Limiter caps concurrently in-flight events. The hard cap is fixed at
// construction; the effective cap can be lowered at runtime by reserving
// slots, which the adaptive throttle uses under CPU pressure.
type Limiter struct {
	sem *semaphore.Weighted
	max int64

	mu       sync.Mutex
	target   int64 // desired effective limit
	reserved int64 // slots currently held back from workers
}

// NewLimiter creates a limiter with the given hard cap.
func NewLimiter(max int) (*Limiter, error) {
	if max < 1 {
		return nil, fmt.Errorf("limiter: max concurrency must be at least 1")
	}
	m := int64(max)
	return &Limiter{sem: semaphore.NewWeighted(m), max: m, target: m}, nil
}

// Acquire obtains one slot, waiting at most the given timeout. The returned
// Slot must be released by the caller; on error no slot is held and nothing
// may be released.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrSlotTimeout
	}
	return &Slot{limiter: l}, nil
}

func (l *Limiter) release() {
	l.sem.Release(1)
	// A released slot may satisfy a pending reservation.
	l.reconcile()
}

// SetLimit lowers or restores the effective concurrency limit by adjusting
// the reservation. Shrinking cannot preempt slots already in flight; the
// reservation converges as those slots are released.
func (l *Limiter) SetLimit(n int) {
	l.mu.Lock()
	t := int64(n)
	if t < 1 {
		t = 1
	}
	if t > l.max {
		t = l.max
	}
	l.target = t
	l.mu.Unlock()
	l.reconcile()
}

func (l *Limiter) reconcile() {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := l.max - l.target
	for l.reserved < want && l.sem.TryAcquire(1) {
		l.reserved++
	}
	for l.reserved > want {
		l.sem.Release(1)
		l.reserved--
	}
}

// EffectiveLimit reports the current target limit.
func (l *Limiter) EffectiveLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.target)
}

// MaxLimit reports the hard cap.
func (l *Limiter) MaxLimit() int {
	return int(l.max)
}
