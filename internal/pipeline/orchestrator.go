package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hostsentry/hostsentry/internal/correlation"
	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/model"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/vectorstore"
)

// SlotTimeoutPolicy decides what happens to an event when no concurrency
// slot frees up within the wait budget.
type SlotTimeoutPolicy string

const (
	// SlotTimeoutRequeue sends the event back through the queue's retry
	// path, dead-lettering it once retries are exhausted.
	SlotTimeoutRequeue SlotTimeoutPolicy = "requeue"
	// SlotTimeoutDrop acknowledges the event without processing it.
	SlotTimeoutDrop SlotTimeoutPolicy = "drop"
)

// Scorer classifies events and produces embeddings. Satisfied by
// *scorer.Client.
type Scorer interface {
	Score(ctx context.Context, ev *model.RawEvent) (*model.Classification, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Classifier is the deterministic rule matcher. Satisfied by
// *rules.Matcher.
type Classifier interface {
	Classify(ev *model.RawEvent) (*model.Classification, bool)
}

// Embedder buffers vector records for batched upsert. Satisfied by
// *vectorstore.Batcher.
type Embedder interface {
	Add(rec vectorstore.Record) error
}

// Searcher runs nearest-neighbor lookups against the vector store.
// Satisfied by *vectorstore.Client.
type Searcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]vectorstore.SearchHit, error)
}

// similarNeighbors bounds the nearest-neighbor lookup attached to findings.
const similarNeighbors = 5

// FindingSink receives finished findings. Satisfied by *store.Memory.
type FindingSink interface {
	Add(f *model.Finding)
}

// Publisher pushes findings to the completion stream. Satisfied by
// *natsio.Publisher.
type Publisher interface {
	Publish(f *model.Finding) error
}

// Config controls the orchestrator's worker pool and per-stage budgets.
type Config struct {
	Workers        int
	MaxConcurrency int
	AcquireTimeout time.Duration
	ScorerTimeout  time.Duration
	OnSlotTimeout  SlotTimeoutPolicy

	// Memory governance: when heap allocation crosses the high-water mark
	// the correlation windows are trimmed to the shortest useful horizon.
	MemHighWaterBytes uint64
	MemCheckInterval  time.Duration
	TrimHorizon       time.Duration

	Throttle ThrottleConfig
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("pipeline: workers must be at least 1")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("pipeline: max concurrency must be at least 1")
	}
	if c.AcquireTimeout <= 0 || c.ScorerTimeout <= 0 {
		return fmt.Errorf("pipeline: acquire and scorer timeouts must be positive")
	}
	switch c.OnSlotTimeout {
	case SlotTimeoutRequeue, SlotTimeoutDrop:
	default:
		return fmt.Errorf("pipeline: unknown slot timeout policy %q", c.OnSlotTimeout)
	}
	if c.MemHighWaterBytes > 0 {
		if c.MemCheckInterval <= 0 || c.TrimHorizon <= 0 {
			return fmt.Errorf("pipeline: memory governor needs a check interval and trim horizon")
		}
	}
	return nil
}

// Orchestrator drives the queue-to-finding transformation: deterministic
// rules first, scorer fallback, correlation always, embeddings through the
// batched upsert path. Every accepted event produces a finding, degraded if
// a downstream stage failed.
type Orchestrator struct {
	cfg      Config
	queue    *queue.Queue
	limiter  *Limiter
	throttle *Throttle
	matcher  Classifier
	scorer   Scorer
	engine   *correlation.Engine
	embedder Embedder
	searcher Searcher
	sink     FindingSink
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New wires an orchestrator. The embedder, searcher, and publisher are
// optional; everything else is required.
func New(cfg Config, q *queue.Queue, matcher Classifier, sc Scorer, engine *correlation.Engine,
	embedder Embedder, searcher Searcher, sink FindingSink, pub Publisher, m *metrics.Metrics, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	limiter, err := NewLimiter(cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	var throttle *Throttle
	if cfg.Throttle.Enabled {
		throttle, err = NewThrottle(cfg.Throttle, limiter, NewProcStatSampler(), logger.With("component", "throttle"))
		if err != nil {
			return nil, err
		}
	}
	return &Orchestrator{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		throttle: throttle,
		matcher:  matcher,
		scorer:   sc,
		engine:   engine,
		embedder: embedder,
		searcher: searcher,
		sink:     sink,
		pub:      pub,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Run starts the worker pool and background loops, blocking until the
// context is cancelled and every worker has drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("starting pipeline",
		"workers", o.cfg.Workers,
		"max_concurrency", o.cfg.MaxConcurrency,
		"throttle_enabled", o.cfg.Throttle.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		worker := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			o.runWorker(gctx, worker)
			return nil
		})
	}
	if o.throttle != nil {
		g.Go(func() error {
			o.throttle.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		o.runGovernor(gctx)
		return nil
	})

	err := g.Wait()
	o.logger.Info("pipeline stopped")
	return err
}

func (o *Orchestrator) runWorker(ctx context.Context, worker string) {
	for {
		item, ok := o.queue.Dequeue(ctx)
		if !ok {
			return
		}
		o.metrics.QueueWaitSeconds.Observe(item.DequeuedAt.Sub(item.EnqueuedAt).Seconds())
		o.handle(ctx, item, worker)
	}
}

func (o *Orchestrator) handle(ctx context.Context, item *model.QueuedEvent, worker string) {
	ev := item.Event
	start := time.Now()

	slot, err := o.limiter.Acquire(ctx, o.cfg.AcquireTimeout)
	if err != nil {
		o.onAcquireFailure(ev, err)
		return
	}
	defer slot.Release()

	class, matched := o.matcher.Classify(ev)

	var (
		degradedReason string
		corrResults    []*model.CorrelationResult
		signals        correlation.Signals
		embedFailed    bool
		similarIDs     []string
	)
	classReady := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	// Classification: deterministic hit is already resolved; otherwise the
	// scorer gets a bounded budget and a miss degrades instead of failing.
	g.Go(func() error {
		defer close(classReady)
		if matched {
			return nil
		}
		scoreCtx, cancel := context.WithTimeout(gctx, o.cfg.ScorerTimeout)
		defer cancel()

		scored, err := o.scorer.Score(scoreCtx, ev)
		if err == nil && scored != nil {
			class = scored
			return nil
		}
		o.metrics.ScorerErrors.Inc()
		// A nil classification without an error is a broken scorer
		// implementation; degrade the same way an error would.
		degradedReason = "scorer_invalid_response"
		if err != nil {
			degradedReason = "scorer_unavailable"
			if errors.Is(err, context.DeadlineExceeded) {
				degradedReason = "scorer_timeout"
			}
		}
		o.logger.Warn("scorer failed, using fallback classification",
			"event_id", ev.ID,
			"worker", worker,
			"error", err)
		class = fallbackClassification(ev)
		return nil
	})

	// Correlation waits for the resolved class, then runs pure in-memory
	// logic that never aborts the event.
	g.Go(func() error {
		select {
		case <-classReady:
		case <-gctx.Done():
			return nil
		}
		corrResults, signals = o.engine.Process(ev, class.EventClass)
		return nil
	})

	if o.embedder != nil {
		g.Go(func() error {
			embedCtx, cancel := context.WithTimeout(gctx, o.cfg.ScorerTimeout)
			defer cancel()

			vec, err := o.scorer.Embed(embedCtx, embeddingText(ev))
			if err == nil {
				err = o.embedder.Add(vectorstore.Record{
					ID:     ev.ID,
					Vector: vec,
					Metadata: map[string]string{
						"host":     ev.Host,
						"channel":  ev.Channel,
						"severity": ev.Severity,
					},
				})
			}
			if err != nil {
				embedFailed = true
				o.logger.Warn("embedding skipped", "event_id", ev.ID, "error", err)
				return nil
			}
			if o.searcher == nil {
				return nil
			}
			// Similarity lookup is pure enrichment: a miss costs the finding
			// its neighbors, nothing more.
			hits, err := o.searcher.Search(embedCtx, vec, similarNeighbors)
			if err != nil {
				o.logger.Warn("similarity search failed", "event_id", ev.ID, "error", err)
				return nil
			}
			for _, h := range hits {
				if h.ID != ev.ID {
					similarIDs = append(similarIDs, h.ID)
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	finding := o.assemble(ev, class, matched, corrResults, signals, degradedReason, embedFailed, similarIDs)
	o.emit(finding)

	for _, r := range corrResults {
		o.metrics.CorrelationsTotal.WithLabelValues(string(r.Type)).Inc()
		o.emit(correlationFinding(ev, r))
	}

	if err := o.queue.Ack(ev.ID); err != nil {
		o.logger.Warn("ack failed", "event_id", ev.ID, "error", err)
	}
	o.metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) onAcquireFailure(ev *model.RawEvent, err error) {
	if !errors.Is(err, ErrSlotTimeout) {
		// Shutdown: hand the event back so a restart can pick it up.
		o.queue.Retry(ev.ID, "shutdown")
		return
	}
	switch o.cfg.OnSlotTimeout {
	case SlotTimeoutRequeue:
		if !o.queue.Retry(ev.ID, "concurrency_slot_timeout") {
			o.metrics.EventsDeadLettered.Inc()
		}
	case SlotTimeoutDrop:
		o.metrics.EventsDropped.Inc()
		if err := o.queue.Ack(ev.ID); err != nil {
			o.logger.Warn("ack of dropped event failed", "event_id", ev.ID, "error", err)
		}
		o.logger.Warn("dropped event on slot timeout", "event_id", ev.ID)
	}
}

func (o *Orchestrator) assemble(ev *model.RawEvent, class *model.Classification, matched bool,
	corrResults []*model.CorrelationResult, signals correlation.Signals, degradedReason string,
	embedFailed bool, similarIDs []string) *model.Finding {

	kind := model.FindingEnhanced
	if matched && len(corrResults) == 0 && signals.Correlation == 0 {
		kind = model.FindingDeterministic
	}

	f := &model.Finding{
		ID:               uuid.NewString(),
		Kind:             kind,
		Event:            ev,
		Classification:   *class,
		CorrelationScore: signals.Correlation,
		BurstScore:       signals.Burst,
		AnomalyScore:     signals.Anomaly,
		SimilarEventIDs:  similarIDs,
		CreatedAt:        time.Now().UTC(),
	}
	for _, r := range corrResults {
		f.CorrelatedEventIDs = append(f.CorrelatedEventIDs, r.EventIDs...)
	}

	switch {
	case degradedReason != "":
		f.Degraded = true
		f.DegradedReason = degradedReason
	case embedFailed:
		f.Degraded = true
		f.DegradedReason = "vector_store_unavailable"
	}
	if f.Degraded {
		o.metrics.DegradedTotal.WithLabelValues(f.DegradedReason).Inc()
	}
	return f
}

// correlationFinding wraps one fired rule as its own finding so multi-event
// patterns surface independently of the triggering event's classification.
func correlationFinding(ev *model.RawEvent, r *model.CorrelationResult) *model.Finding {
	risk := model.RiskMedium
	if r.Confidence >= 0.75 {
		risk = model.RiskHigh
	}
	return &model.Finding{
		ID:    uuid.NewString(),
		Kind:  model.FindingCorrelation,
		Event: ev,
		Classification: model.Classification{
			EventClass: string(r.Type),
			Risk:       risk,
			Confidence: int(r.Confidence * 100),
			Summary:    r.Summary,
			Techniques: r.Techniques,
		},
		CorrelationScore:   r.Confidence,
		CorrelatedEventIDs: r.EventIDs,
		CreatedAt:          time.Now().UTC(),
	}
}

func (o *Orchestrator) emit(f *model.Finding) {
	o.sink.Add(f)
	o.metrics.FindingsTotal.WithLabelValues(string(f.Kind)).Inc()
	if o.pub != nil {
		if err := o.pub.Publish(f); err != nil {
			o.metrics.PublishErrors.Inc()
			o.logger.Warn("finding publish failed", "finding_id", f.ID, "error", err)
		}
	}
}

// runGovernor periodically refreshes gauges and trims correlation windows
// when the heap crosses the high-water mark.
func (o *Orchestrator) runGovernor(ctx context.Context) {
	interval := o.cfg.MemCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qm := o.queue.Metrics()
			o.metrics.QueueDepth.Set(float64(qm.Depth))
			o.metrics.QueueUtilization.Set(qm.Utilization)
			o.metrics.EffectiveLimit.Set(float64(o.limiter.EffectiveLimit()))

			if o.cfg.MemHighWaterBytes == 0 {
				continue
			}
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > o.cfg.MemHighWaterBytes {
				trimmed := o.engine.TrimToHorizon(o.cfg.TrimHorizon)
				o.metrics.WindowTrimmedTotal.Add(float64(trimmed))
				o.logger.Warn("heap high-water mark exceeded, trimmed correlation windows",
					"heap_alloc_bytes", ms.HeapAlloc,
					"high_water_bytes", o.cfg.MemHighWaterBytes,
					"entries_trimmed", trimmed)
			}
		}
	}
}

// fallbackClassification is the default when neither the rule table nor the
// scorer produced a classification.
func fallbackClassification(ev *model.RawEvent) *model.Classification {
	return &model.Classification{
		EventClass: "unclassified",
		Risk:       model.RiskLow,
		Confidence: 25,
		Summary:    fmt.Sprintf("Unclassified %s event %d on %s", ev.Channel, ev.Code, ev.Host),
	}
}

func embeddingText(ev *model.RawEvent) string {
	return fmt.Sprintf("%s %d %s %s %s", ev.Channel, ev.Code, ev.Severity, ev.Host, ev.Message)
}
