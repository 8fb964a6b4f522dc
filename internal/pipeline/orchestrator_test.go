package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/internal/correlation"
	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/model"
	"github.com/hostsentry/hostsentry/internal/queue"
	"github.com/hostsentry/hostsentry/internal/vectorstore"
)

// fakeClassifier maps event codes to classes; unknown codes miss.
type fakeClassifier struct {
	byCode map[int]*model.Classification
}

func (f *fakeClassifier) Classify(ev *model.RawEvent) (*model.Classification, bool) {
	c, ok := f.byCode[ev.Code]
	return c, ok
}

// fakeScorer either answers instantly or blocks until the context expires.
type fakeScorer struct {
	mu        sync.Mutex
	class     *model.Classification
	hang      bool
	scoreCnt  int
	embedErr  error
	embedding []float32
}

func (f *fakeScorer) Score(ctx context.Context, ev *model.RawEvent) (*model.Classification, error) {
	f.mu.Lock()
	f.scoreCnt++
	hang := f.hang
	class := f.class
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return class, nil
}

func (f *fakeScorer) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func (f *fakeScorer) scoreCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scoreCnt
}

type fakeSink struct {
	mu       sync.Mutex
	findings []*model.Finding
}

func (f *fakeSink) Add(fd *model.Finding) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findings = append(f.findings, fd)
}

func (f *fakeSink) byKind(kind model.FindingKind) []*model.Finding {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Finding
	for _, fd := range f.findings {
		if fd.Kind == kind {
			out = append(out, fd)
		}
	}
	return out
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.findings)
}

type fakeEmbedder struct {
	mu   sync.Mutex
	recs []vectorstore.Record
}

func (f *fakeEmbedder) Add(rec vectorstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeEmbedder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type fakeSearcher struct {
	mu   sync.Mutex
	hits []vectorstore.SearchHit
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, vector []float32, limit int) ([]vectorstore.SearchHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits, f.err
}

func testQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.Config{
		Capacity:          100,
		DeadLetterCap:     50,
		DefaultMaxRetries: 2,
	}, testLogger())
	require.NoError(t, err)
	return q
}

func testEngine(t *testing.T) *correlation.Engine {
	t.Helper()
	e, err := correlation.NewEngine(time.Hour, 1000, correlation.DefaultRules(), testLogger())
	require.NoError(t, err)
	return e
}

func testConfig() Config {
	return Config{
		Workers:        2,
		MaxConcurrency: 4,
		AcquireTimeout: time.Second,
		ScorerTimeout:  100 * time.Millisecond,
		OnSlotTimeout:  SlotTimeoutRequeue,
	}
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func startOrchestrator(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not drain")
		}
	})
	return cancel
}

func rawEvent(id string, code int) *model.RawEvent {
	return &model.RawEvent{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Host:      "web-01",
		Channel:   "Security",
		Code:      code,
		Severity:  "warning",
		Message:   "test event",
	}
}

func TestOrchestrator_DeterministicMatchSkipsScorer(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{}
	sink := &fakeSink{}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{
		7036: {EventClass: "service_state_change", Risk: model.RiskLow, Confidence: 90, Summary: "service change"},
	}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), nil, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 7036), model.PriorityNormal))

	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	findings := sink.byKind(model.FindingDeterministic)
	require.Len(t, findings, 1)
	assert.Equal(t, "service_state_change", findings[0].Classification.EventClass)
	assert.False(t, findings[0].Degraded)
	assert.Zero(t, sc.scoreCalls(), "scorer must not run on a deterministic hit")

	assert.Eventually(t, func() bool { return q.Metrics().Completed == 1 }, time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ScorerTimeoutYieldsDegradedFinding(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{hang: true}
	sink := &fakeSink{}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), nil, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(rawEvent(fmt.Sprintf("ev-%d", i), 9999), model.PriorityNormal))
	}

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 5*time.Second, 10*time.Millisecond)

	for _, f := range sink.byKind(model.FindingEnhanced) {
		assert.True(t, f.Degraded, "scorer timeout must degrade, not fail")
		assert.Equal(t, "scorer_timeout", f.DegradedReason)
		assert.Equal(t, "unclassified", f.Classification.EventClass)
		assert.Equal(t, model.RiskLow, f.Classification.Risk)
	}
	assert.Eventually(t, func() bool { return q.Metrics().Completed == 3 }, time.Second, 10*time.Millisecond)
}

func TestOrchestrator_ScorerResultFlowsIntoFinding(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{class: &model.Classification{
		EventClass: "credential_access",
		Risk:       model.RiskHigh,
		Confidence: 80,
		Summary:    "possible credential dumping",
	}}
	sink := &fakeSink{}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), nil, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 4104), model.PriorityHigh))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	findings := sink.byKind(model.FindingEnhanced)
	require.Len(t, findings, 1)
	assert.Equal(t, "credential_access", findings[0].Classification.EventClass)
	assert.Equal(t, model.RiskHigh, findings[0].Classification.Risk)
	assert.False(t, findings[0].Degraded)
}

func TestOrchestrator_CorrelationFindingsEmitted(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{}
	sink := &fakeSink{}
	// Deterministic mapping so auth failures and successes classify without
	// the scorer.
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{
		4625: {EventClass: "authentication_failure", Risk: model.RiskMedium, Confidence: 85, Summary: "failed logon"},
		4624: {EventClass: "authentication_success", Risk: model.RiskLow, Confidence: 85, Summary: "logon"},
	}}

	// Feed a brute-force shape sequentially before starting workers so the
	// window sees the events in order.
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ev := rawEvent(fmt.Sprintf("fail-%d", i), 4625)
		ev.Timestamp = base.Add(time.Duration(i) * time.Minute)
		ev.User = "admin"
		require.True(t, q.Enqueue(ev, model.PriorityNormal))
	}
	success := rawEvent("success", 4624)
	success.Timestamp = base.Add(5 * time.Minute)
	success.User = "admin"
	require.True(t, q.Enqueue(success, model.PriorityNormal))

	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxConcurrency = 1
	o, err := New(cfg, q, matcher, sc, testEngine(t), nil, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.Eventually(t, func() bool {
		return len(sink.byKind(model.FindingCorrelation)) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	var bf *model.Finding
	for _, f := range sink.byKind(model.FindingCorrelation) {
		if f.Classification.EventClass == string(model.CorrelationBruteForce) {
			bf = f
		}
	}
	require.NotNil(t, bf, "brute force pattern should surface as its own finding")
	assert.NotEmpty(t, bf.CorrelatedEventIDs)
	assert.Greater(t, bf.CorrelationScore, 0.0)
}

func TestOrchestrator_EmbeddingsRouteThroughBatcher(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{embedding: []float32{0.1, 0.2}}
	sink := &fakeSink{}
	emb := &fakeEmbedder{}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{
		7036: {EventClass: "service_state_change", Risk: model.RiskLow, Confidence: 90, Summary: "s"},
	}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), emb, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 7036), model.PriorityNormal))
	require.Eventually(t, func() bool { return emb.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_SimilarEventsAttachToFinding(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{embedding: []float32{0.1, 0.2}}
	sink := &fakeSink{}
	emb := &fakeEmbedder{}
	srch := &fakeSearcher{hits: []vectorstore.SearchHit{
		{ID: "ev-1", Score: 1.0}, // the event itself is excluded
		{ID: "old-7", Score: 0.91},
		{ID: "old-3", Score: 0.84},
	}}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{
		7036: {EventClass: "service_state_change", Risk: model.RiskLow, Confidence: 90, Summary: "s"},
	}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), emb, srch, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 7036), model.PriorityNormal))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	findings := sink.byKind(model.FindingDeterministic)
	require.Len(t, findings, 1)
	assert.Equal(t, []string{"old-7", "old-3"}, findings[0].SimilarEventIDs)
	assert.False(t, findings[0].Degraded)
	assert.Equal(t, 1, emb.count(), "the embedding still reaches the batcher")
}

func TestOrchestrator_SearchFailureDoesNotDegrade(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{embedding: []float32{0.1, 0.2}}
	sink := &fakeSink{}
	emb := &fakeEmbedder{}
	srch := &fakeSearcher{err: errors.New("pool unavailable")}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{
		7036: {EventClass: "service_state_change", Risk: model.RiskLow, Confidence: 90, Summary: "s"},
	}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), emb, srch, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 7036), model.PriorityNormal))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	findings := sink.byKind(model.FindingDeterministic)
	require.Len(t, findings, 1)
	assert.Empty(t, findings[0].SimilarEventIDs)
	assert.False(t, findings[0].Degraded, "a failed neighbor lookup only costs the enrichment")
}

func TestOrchestrator_NilScorerResultFallsBack(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{} // Score returns (nil, nil)
	sink := &fakeSink{}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), nil, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 9999), model.PriorityNormal))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	findings := sink.byKind(model.FindingEnhanced)
	require.Len(t, findings, 1)
	assert.Equal(t, "unclassified", findings[0].Classification.EventClass)
	assert.True(t, findings[0].Degraded)
	assert.Equal(t, "scorer_invalid_response", findings[0].DegradedReason)

	assert.Eventually(t, func() bool { return q.Metrics().Completed == 1 }, time.Second, 10*time.Millisecond)
}

func TestOrchestrator_EmbedFailureDegradesNotFails(t *testing.T) {
	q := testQueue(t)
	sc := &fakeScorer{embedErr: errors.New("store down")}
	sink := &fakeSink{}
	emb := &fakeEmbedder{}
	matcher := &fakeClassifier{byCode: map[int]*model.Classification{
		7036: {EventClass: "service_state_change", Risk: model.RiskLow, Confidence: 90, Summary: "s"},
	}}

	o, err := New(testConfig(), q, matcher, sc, testEngine(t), emb, nil, sink, nil, testMetrics(), testLogger())
	require.NoError(t, err)
	startOrchestrator(t, o)

	require.True(t, q.Enqueue(rawEvent("ev-1", 7036), model.PriorityNormal))
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	findings := sink.byKind(model.FindingDeterministic)
	require.Len(t, findings, 1)
	assert.True(t, findings[0].Degraded)
	assert.Equal(t, "vector_store_unavailable", findings[0].DegradedReason)
	assert.Zero(t, emb.count())
}

func TestOrchestrator_ConfigValidation(t *testing.T) {
	bad := testConfig()
	bad.Workers = 0
	_, err := New(bad, testQueue(t), &fakeClassifier{}, &fakeScorer{}, testEngine(t), nil, nil, &fakeSink{}, nil, testMetrics(), testLogger())
	assert.Error(t, err)

	bad = testConfig()
	bad.OnSlotTimeout = "panic"
	_, err = New(bad, testQueue(t), &fakeClassifier{}, &fakeScorer{}, testEngine(t), nil, nil, &fakeSink{}, nil, testMetrics(), testLogger())
	assert.Error(t, err)

	bad = testConfig()
	bad.MemHighWaterBytes = 1 << 30
	_, err = New(bad, testQueue(t), &fakeClassifier{}, &fakeScorer{}, testEngine(t), nil, nil, &fakeSink{}, nil, testMetrics(), testLogger())
	assert.Error(t, err, "governor needs interval and horizon")
}
