package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolUnavailable is returned by Acquire when too few instances are
// healthy. Callers must treat it as a degrade signal, not a retry loop.
var ErrPoolUnavailable = errors.New("vectorstore: no healthy instance available")

// HealthState is the probe-driven state of a pool instance.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Strategy selects among healthy instances.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyWeighted    Strategy = "weighted"
	StrategyHealthAware Strategy = "health_aware"
)

// Instance is one backend node. Health state transitions happen only inside
// the probe loop; request paths read it through the pool.
type Instance struct {
	Addr   string
	Weight float64

	mu           sync.RWMutex
	state        HealthState
	consecSucc   int
	consecFail   int
	recoveredAt  time.Time
	avgLatencyMs float64 // EWMA
	errorRate    float64 // EWMA of 0/1 outcomes
	requests     int64
}

// Snapshot is a read-only view of an instance for the status surface.
type Snapshot struct {
	Addr         string  `json:"addr"`
	Weight       float64 `json:"weight"`
	State        string  `json:"state"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
	Requests     int64   `json:"requests"`
}

func (in *Instance) healthState() HealthState {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

func (in *Instance) snapshot() Snapshot {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return Snapshot{
		Addr:         in.Addr,
		Weight:       in.Weight,
		State:        in.state.String(),
		AvgLatencyMs: in.avgLatencyMs,
		ErrorRate:    in.errorRate,
		Requests:     in.requests,
	}
}

// Prober checks one instance, typically a GET against its health endpoint.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

// PoolConfig controls health checking and routing.
type PoolConfig struct {
	ProbeInterval               time.Duration
	ProbeTimeout                time.Duration
	ConsecutiveSuccessThreshold int
	ConsecutiveFailureThreshold int
	MinHealthyInstances         int
	Strategy                    Strategy
	// Performance adjustment clamp for the weighted strategy, so no
	// instance is ever fully starved or fully dominant.
	PerfAdjustMin float64
	PerfAdjustMax float64
	// RecoveryGrace down-weights instances that recently returned to
	// Healthy under the health-aware strategy.
	RecoveryGrace time.Duration
}

// Validate rejects configurations that would misroute or hang at runtime.
func (c PoolConfig) Validate() error {
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("pool: probe interval must be positive")
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.ProbeInterval {
		return fmt.Errorf("pool: probe timeout must be positive and shorter than the interval")
	}
	if c.ConsecutiveSuccessThreshold < 1 || c.ConsecutiveFailureThreshold < 1 {
		return fmt.Errorf("pool: streak thresholds must be at least 1")
	}
	if c.MinHealthyInstances < 1 {
		return fmt.Errorf("pool: min healthy instances must be at least 1")
	}
	switch c.Strategy {
	case StrategyRoundRobin, StrategyWeighted, StrategyHealthAware:
	default:
		return fmt.Errorf("pool: unknown strategy %q", c.Strategy)
	}
	if c.PerfAdjustMin <= 0 || c.PerfAdjustMax < c.PerfAdjustMin {
		return fmt.Errorf("pool: perf adjustment clamp must satisfy 0 < min <= max")
	}
	return nil
}

// Pool manages a weighted set of backend instances with hysteresis-based
// health tracking and pluggable routing.
type Pool struct {
	cfg    PoolConfig
	prober Prober
	logger *slog.Logger

	mu        sync.Mutex
	instances []*Instance
	rrIdx     int
	wrrCredit []float64
}

// NewPool builds a pool from addr->weight pairs. At least one instance is
// required; invalid configuration is a startup failure.
func NewPool(cfg PoolConfig, instances map[string]float64, prober Prober, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("pool: at least one instance is required")
	}
	p := &Pool{cfg: cfg, prober: prober, logger: logger}
	for addr, weight := range instances {
		if addr == "" || weight <= 0 {
			return nil, fmt.Errorf("pool: instance %q must have a positive weight", addr)
		}
		p.instances = append(p.instances, &Instance{Addr: addr, Weight: weight})
	}
	// Stable order regardless of map iteration.
	sortInstances(p.instances)
	p.wrrCredit = make([]float64, len(p.instances))
	return p, nil
}

func sortInstances(list []*Instance) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].Addr < list[j-1].Addr; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// StartProbing runs the health-check loop until the context is cancelled.
// Probing is independent of request traffic and uses its own timeout.
func (p *Pool) StartProbing(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.ProbeInterval)
		defer ticker.Stop()

		p.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

func (p *Pool) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, in := range p.instances {
		wg.Add(1)
		go func(in *Instance) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
			defer cancel()
			err := p.prober.Probe(probeCtx, in.Addr)
			p.recordProbe(in, err == nil)
		}(in)
	}
	wg.Wait()
}

// RecordProbe feeds one probe outcome into the instance state machine.
// Exposed for tests; production outcomes come from the probe loop.
func (p *Pool) RecordProbe(addr string, ok bool) {
	for _, in := range p.instances {
		if in.Addr == addr {
			p.recordProbe(in, ok)
			return
		}
	}
}

func (p *Pool) recordProbe(in *Instance, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if ok {
		in.consecSucc++
		in.consecFail = 0
		if in.state != HealthHealthy && in.consecSucc >= p.cfg.ConsecutiveSuccessThreshold {
			prev := in.state
			in.state = HealthHealthy
			in.recoveredAt = time.Now()
			p.logger.Info("pool instance healthy",
				"addr", in.Addr,
				"previous_state", prev.String(),
				"success_streak", in.consecSucc)
		}
		return
	}

	in.consecFail++
	in.consecSucc = 0
	if in.state != HealthUnhealthy && in.consecFail >= p.cfg.ConsecutiveFailureThreshold {
		prev := in.state
		in.state = HealthUnhealthy
		p.logger.Warn("pool instance unhealthy",
			"addr", in.Addr,
			"previous_state", prev.String(),
			"failure_streak", in.consecFail)
	}
}

// Acquire selects a healthy instance per the configured strategy. It fails
// fast with ErrPoolUnavailable when MinHealthyInstances cannot be met.
func (p *Pool) Acquire() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var healthy []*Instance
	var healthyIdx []int
	for i, in := range p.instances {
		if in.healthState() == HealthHealthy {
			healthy = append(healthy, in)
			healthyIdx = append(healthyIdx, i)
		}
	}
	if len(healthy) < p.cfg.MinHealthyInstances {
		return nil, fmt.Errorf("%w: %d healthy of %d required", ErrPoolUnavailable, len(healthy), p.cfg.MinHealthyInstances)
	}

	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		in := healthy[p.rrIdx%len(healthy)]
		p.rrIdx++
		return in, nil
	default:
		return p.acquireWeightedLocked(healthy, healthyIdx), nil
	}
}

// acquireWeightedLocked implements smooth weighted round robin over the
// effective weight: static weight times a clamped performance adjustment,
// and, for the health-aware strategy, a recovery penalty during the grace
// period.
func (p *Pool) acquireWeightedLocked(healthy []*Instance, healthyIdx []int) *Instance {
	best := -1
	var bestCredit float64
	var total float64
	for i, in := range healthy {
		w := p.effectiveWeight(in)
		total += w
		idx := healthyIdx[i]
		p.wrrCredit[idx] += w
		if best == -1 || p.wrrCredit[idx] > bestCredit {
			best = i
			bestCredit = p.wrrCredit[idx]
		}
	}
	p.wrrCredit[healthyIdx[best]] -= total
	return healthy[best]
}

func (p *Pool) effectiveWeight(in *Instance) float64 {
	in.mu.RLock()
	latency := in.avgLatencyMs
	errRate := in.errorRate
	recovered := in.recoveredAt
	in.mu.RUnlock()

	// Faster, cleaner instances earn more traffic; the clamp keeps any
	// instance from being starved or dominating.
	adj := 1.0
	if latency > 0 {
		adj = 100 / (100 + latency)
	}
	adj *= 1 - errRate
	if adj < p.cfg.PerfAdjustMin {
		adj = p.cfg.PerfAdjustMin
	}
	if adj > p.cfg.PerfAdjustMax {
		adj = p.cfg.PerfAdjustMax
	}

	w := in.Weight * adj
	if p.cfg.Strategy == StrategyHealthAware && p.cfg.RecoveryGrace > 0 {
		if since := time.Since(recovered); !recovered.IsZero() && since < p.cfg.RecoveryGrace {
			w *= 0.25
		}
	}
	return w
}

// ReportResult feeds request latency and outcome into an instance's rolling
// stats. It never changes health state; only probes do that.
func (p *Pool) ReportResult(in *Instance, latency time.Duration, err error) {
	const alpha = 0.3

	in.mu.Lock()
	defer in.mu.Unlock()

	in.requests++
	ms := float64(latency.Milliseconds())
	if in.avgLatencyMs == 0 {
		in.avgLatencyMs = ms
	} else {
		in.avgLatencyMs = (1-alpha)*in.avgLatencyMs + alpha*ms
	}
	outcome := 0.0
	if err != nil {
		outcome = 1.0
	}
	in.errorRate = (1-alpha)*in.errorRate + alpha*outcome
}

// HealthyCount returns the number of currently healthy instances.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, in := range p.instances {
		if in.healthState() == HealthHealthy {
			n++
		}
	}
	return n
}

// Snapshots returns a status view of every instance.
func (p *Pool) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(p.instances))
	for _, in := range p.instances {
		out = append(out, in.snapshot())
	}
	return out
}
