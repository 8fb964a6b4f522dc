package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// CPUSampler returns the current system CPU utilization as a percentage.
type CPUSampler interface {
	Sample() (float64, error)
}

// ProcStatSampler reads aggregate CPU time from /proc/stat and reports the
// busy fraction between consecutive samples. The first sample has no delta
// and reports zero.
type ProcStatSampler struct {
	path      string
	prevBusy  uint64
	prevTotal uint64
}

func NewProcStatSampler() *ProcStatSampler {
	return &ProcStatSampler{path: "/proc/stat"}
}

func (s *ProcStatSampler) Sample() (float64, error) {
	busy, total, err := s.read()
	if err != nil {
		return 0, err
	}
	defer func() {
		s.prevBusy = busy
		s.prevTotal = total
	}()

	if s.prevTotal == 0 || total <= s.prevTotal {
		return 0, nil
	}
	dBusy := float64(busy - s.prevBusy)
	dTotal := float64(total - s.prevTotal)
	return 100 * dBusy / dTotal, nil
}

func (s *ProcStatSampler) read() (busy, total uint64, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		for i, field := range fields {
			v, perr := strconv.ParseUint(field, 10, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("parse %s: %w", s.path, perr)
			}
			total += v
			// Fields 3 and 4 are idle and iowait.
			if i != 3 && i != 4 {
				busy += v
			}
		}
		return busy, total, nil
	}
	return 0, 0, fmt.Errorf("no aggregate cpu line in %s", s.path)
}

// ThrottleConfig controls the adaptive concurrency reduction.
type ThrottleConfig struct {
	// Enabled turns the throttle loop on.
	Enabled bool
	// CPUThreshold is the utilization percentage above which the limit
	// starts shrinking.
	CPUThreshold float64
	// MinLimit is the floor the effective limit never drops below.
	MinLimit int
	// Interval is how often CPU is sampled.
	Interval time.Duration
}

func (c ThrottleConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CPUThreshold <= 0 || c.CPUThreshold >= 100 {
		return fmt.Errorf("throttle: cpu threshold must be in (0, 100)")
	}
	if c.MinLimit < 1 {
		return fmt.Errorf("throttle: min limit must be at least 1")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("throttle: interval must be positive")
	}
	return nil
}

// Throttle shrinks the limiter's effective limit proportionally to CPU
// pressure above the threshold: at the threshold the limit is untouched, at
// 100% CPU it reaches the floor, linear in between. Below the threshold the
// full limit is restored.
type Throttle struct {
	cfg     ThrottleConfig
	limiter *Limiter
	sampler CPUSampler
	logger  *slog.Logger
}

func NewThrottle(cfg ThrottleConfig, limiter *Limiter, sampler CPUSampler, logger *slog.Logger) (*Throttle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Throttle{cfg: cfg, limiter: limiter, sampler: sampler, logger: logger}, nil
}

// Run samples CPU on the configured interval until the context is
// cancelled. A sampling error leaves the current limit unchanged.
func (t *Throttle) Run(ctx context.Context) {
	if !t.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.adjust()
		}
	}
}

func (t *Throttle) adjust() {
	cpu, err := t.sampler.Sample()
	if err != nil {
		t.logger.Warn("cpu sample failed", "error", err)
		return
	}
	target := t.limitFor(cpu)
	if target != t.limiter.EffectiveLimit() {
		t.logger.Info("adjusting concurrency limit",
			"cpu_percent", math.Round(cpu*10)/10,
			"limit", target,
			"max_limit", t.limiter.MaxLimit())
		t.limiter.SetLimit(target)
	}
}

// limitFor maps CPU utilization to an effective limit.
func (t *Throttle) limitFor(cpu float64) int {
	max := t.limiter.MaxLimit()
	if cpu <= t.cfg.CPUThreshold {
		return max
	}
	frac := (cpu - t.cfg.CPUThreshold) / (100 - t.cfg.CPUThreshold)
	if frac > 1 {
		frac = 1
	}
	limit := int(math.Round(float64(max) * (1 - frac)))
	if limit < t.cfg.MinLimit {
		limit = t.cfg.MinLimit
	}
	return limit
}
