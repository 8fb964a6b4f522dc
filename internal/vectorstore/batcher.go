package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Upserter is the write interface the batcher amortizes over; satisfied by
// *Client.
type Upserter interface {
	Upsert(ctx context.Context, records []Record) error
}

// BatcherConfig controls batching thresholds.
type BatcherConfig struct {
	// BatchSize flushes when the buffer reaches this many records.
	BatchSize int
	// BatchTimeout flushes when this much time has passed since the oldest
	// buffered record, whichever comes first.
	BatchTimeout time.Duration
	// FlushTimeout bounds a single flush so it cannot block buffering
	// indefinitely.
	FlushTimeout time.Duration
}

func (c BatcherConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batcher: batch size must be positive")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batcher: batch timeout must be positive")
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("batcher: flush timeout must be positive")
	}
	return nil
}

// BatcherStats counts flush activity.
type BatcherStats struct {
	Flushes        int64 `json:"flushes"`
	FlushedRecords int64 `json:"flushed_records"`
	FailedBatches  int64 `json:"failed_batches"`
	FallbackWrites int64 `json:"fallback_writes"`
	FallbackFailed int64 `json:"fallback_failed"`
	PendingRecords int   `json:"pending_records"`
}

// Batcher accumulates vector upserts and flushes on size or age, whichever
// comes first. A failed batch flush falls back to individual writes so no
// record is silently dropped. Safe for concurrent use.
type Batcher struct {
	cfg    BatcherConfig
	sink   Upserter
	logger *slog.Logger

	mu      sync.Mutex
	buf     []Record
	timer   *time.Timer
	closed  bool
	flushWG sync.WaitGroup

	flushes        int64
	flushedRecords int64
	failedBatches  int64
	fallbackWrites int64
	fallbackFailed int64
}

// NewBatcher creates a batcher writing to the given sink.
func NewBatcher(cfg BatcherConfig, sink Upserter, logger *slog.Logger) (*Batcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Batcher{cfg: cfg, sink: sink, logger: logger}, nil
}

// Add buffers one record, flushing synchronously when the buffer reaches
// the batch size. The first record of a fresh buffer arms the age timer.
func (b *Batcher) Add(rec Record) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("batcher: closed")
	}
	b.buf = append(b.buf, rec)

	if len(b.buf) == 1 {
		b.armTimerLocked()
	}
	if len(b.buf) < b.cfg.BatchSize {
		b.mu.Unlock()
		return nil
	}

	batch := b.takeLocked()
	b.mu.Unlock()

	b.flush(batch)
	return nil
}

func (b *Batcher) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.BatchTimeout, func() {
		b.mu.Lock()
		if b.closed || len(b.buf) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(batch)
	})
}

// takeLocked detaches the buffer and disarms the timer.
func (b *Batcher) takeLocked() []Record {
	batch := b.buf
	b.buf = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

// flush writes one batch, bounded by the flush timeout. On batch failure
// every record is retried individually before the failure is surfaced in
// stats.
func (b *Batcher) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	b.flushWG.Add(1)
	defer b.flushWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	err := b.sink.Upsert(ctx, batch)

	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()

	if err == nil {
		b.mu.Lock()
		b.flushedRecords += int64(len(batch))
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.failedBatches++
	b.mu.Unlock()
	b.logger.Warn("batch flush failed, falling back to individual writes",
		"batch_size", len(batch),
		"error", err)

	for _, rec := range batch {
		itemCtx, itemCancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
		itemErr := b.sink.Upsert(itemCtx, []Record{rec})
		itemCancel()

		b.mu.Lock()
		if itemErr != nil {
			b.fallbackFailed++
		} else {
			b.fallbackWrites++
			b.flushedRecords++
		}
		b.mu.Unlock()
	}
}

// Close flushes any pending records and stops the timer. Add fails after
// Close.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	b.flush(batch)
	b.flushWG.Wait()
}

// Stats returns a snapshot of flush activity.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatcherStats{
		Flushes:        b.flushes,
		FlushedRecords: b.flushedRecords,
		FailedBatches:  b.failedBatches,
		FallbackWrites: b.fallbackWrites,
		FallbackFailed: b.fallbackFailed,
		PendingRecords: len(b.buf),
	}
}
