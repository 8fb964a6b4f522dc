package correlation

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/model"
)

// Signals are the per-event correlation scores attached to a finding, each
// in [0,1].
type Signals struct {
	Correlation float64 `json:"correlation"`
	Burst       float64 `json:"burst"`
	Anomaly     float64 `json:"anomaly"`
}

// Stats is an observability snapshot of engine activity.
type Stats struct {
	EventsProcessed    int64                           `json:"events_processed"`
	CorrelationsByType map[model.CorrelationType]int64 `json:"correlations_by_type"`
	AvgConfidence      float64                         `json:"avg_confidence"`
	AvgLatencyMicros   float64                         `json:"avg_latency_micros"`
	WindowKeys         int                             `json:"window_keys"`
	WindowEntries      int                             `json:"window_entries"`
}

// Engine maintains per-key sliding windows and evaluates the pattern rule
// table on every incoming event. Pure in-memory logic; safe for concurrent
// use. For a fixed event sequence and rule set, firing and confidence are
// deterministic because all time arithmetic uses event timestamps.
type Engine struct {
	windows *WindowSet
	logger  *slog.Logger

	rulesMu sync.RWMutex
	rules   []Rule

	firedMu   sync.Mutex
	lastFired map[string]time.Time // rule|key -> event time of last fire

	rateMu   sync.Mutex
	lastSeen map[string]time.Time // host -> previous event time
	meanGap  map[string]float64   // host -> EWMA inter-arrival seconds

	statsMu     sync.Mutex
	events      int64
	byType      map[model.CorrelationType]int64
	confTotal   float64
	confCount   int64
	latTotal    time.Duration
	latCount    int64
	burstThresh int
}

// NewEngine creates an engine with the given window bounds and rule table.
// Every rule must already be validated.
func NewEngine(maxAge time.Duration, maxCount int, ruleTable []Rule, logger *slog.Logger) (*Engine, error) {
	for i := range ruleTable {
		if err := ruleTable[i].Validate(); err != nil {
			return nil, err
		}
	}
	burstThresh := 5
	for _, r := range ruleTable {
		if r.Type == model.CorrelationBurst && r.Enabled {
			burstThresh = r.MinCount
			break
		}
	}
	return &Engine{
		windows:     NewWindowSet(maxAge, maxCount),
		logger:      logger,
		rules:       ruleTable,
		lastFired:   make(map[string]time.Time),
		lastSeen:    make(map[string]time.Time),
		meanGap:     make(map[string]float64),
		byType:      make(map[model.CorrelationType]int64),
		burstThresh: burstThresh,
	}, nil
}

// SetRules swaps the rule table, used by hot reload. Invalid rules reject
// the whole swap so a bad reload never degrades detection.
func (e *Engine) SetRules(ruleTable []Rule) error {
	for i := range ruleTable {
		if err := ruleTable[i].Validate(); err != nil {
			return err
		}
	}
	e.rulesMu.Lock()
	e.rules = ruleTable
	e.rulesMu.Unlock()
	return nil
}

// Process appends the event to every relevant window, evaluates all enabled
// rules, and returns any fired results plus the per-event signal scores.
func (e *Engine) Process(ev *model.RawEvent, class string) ([]*model.CorrelationResult, Signals) {
	if ev == nil {
		return nil, Signals{}
	}
	start := time.Now()

	keys := e.windowKeys(ev)
	for _, key := range keys {
		e.windows.Add(key, ev, class)
	}

	e.rulesMu.RLock()
	ruleTable := e.rules
	e.rulesMu.RUnlock()

	var results []*model.CorrelationResult
	emitted := make(map[string]bool)
	for i := range ruleTable {
		rule := &ruleTable[i]
		if !rule.Enabled {
			continue
		}
		for _, dim := range rule.KeyBy {
			key := dimKey(dim, ev)
			if key == "" {
				continue
			}
			res := e.evaluate(rule, key, ev)
			if res == nil {
				continue
			}
			if e.onCooldown(rule, key, ev.Timestamp) {
				continue
			}
			// The cooldown is recorded per key so the pattern cannot refire
			// through another dimension, but a rule keyed on several
			// dimensions sees the same logical pattern once per dimension;
			// emit it once.
			e.recordFire(rule, key, ev.Timestamp)
			dup := rule.ID + "|" + strings.Join(res.EventIDs, ",")
			if emitted[dup] {
				continue
			}
			emitted[dup] = true
			results = append(results, res)
			e.logger.Debug("correlation rule fired",
				"rule_id", rule.ID,
				"type", string(rule.Type),
				"key", key,
				"confidence", res.Confidence,
				"event_count", len(res.EventIDs))
		}
	}

	sig := e.signals(ev, results)
	e.recordStats(results, time.Since(start))
	return results, sig
}

// TrimToHorizon sheds retained window history older than the horizon.
func (e *Engine) TrimToHorizon(horizon time.Duration) int {
	return e.windows.TrimToHorizon(horizon)
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	byType := make(map[model.CorrelationType]int64, len(e.byType))
	for k, v := range e.byType {
		byType[k] = v
	}
	var avgConf, avgLat float64
	if e.confCount > 0 {
		avgConf = e.confTotal / float64(e.confCount)
	}
	if e.latCount > 0 {
		avgLat = float64(e.latTotal.Microseconds()) / float64(e.latCount)
	}
	keys, entries := e.windows.Stats()
	return Stats{
		EventsProcessed:    e.events,
		CorrelationsByType: byType,
		AvgConfidence:      avgConf,
		AvgLatencyMicros:   avgLat,
		WindowKeys:         keys,
		WindowEntries:      entries,
	}
}

func (e *Engine) evaluate(rule *Rule, key string, ev *model.RawEvent) *model.CorrelationResult {
	window := time.Duration(rule.WindowSeconds) * time.Second
	entries := e.windows.EntriesWithin(key, ev.Timestamp, window)
	if len(entries) == 0 {
		return nil
	}

	if len(rule.Sequence) > 0 {
		return e.evaluateSequence(rule, key, ev, entries)
	}
	return e.evaluateUnordered(rule, key, ev, entries)
}

// evaluateUnordered handles multiset-style rules: burst, brute force,
// lateral movement, privilege escalation.
func (e *Engine) evaluateUnordered(rule *Rule, key string, ev *model.RawEvent, entries []Entry) *model.CorrelationResult {
	var matched []Entry
	for _, entry := range entries {
		if classMatches(rule.EventClasses, entry.Class) {
			matched = append(matched, entry)
		}
	}
	if len(matched) < rule.MinCount {
		return nil
	}

	if rule.MinDistinctHosts > 0 {
		hosts := make(map[string]bool)
		for _, m := range matched {
			hosts[m.Event.Host] = true
		}
		if len(hosts) < rule.MinDistinctHosts {
			return nil
		}
	}

	contributing := matched
	if rule.FollowedBy != "" {
		// The follow-up must arrive after the threshold is already met.
		threshAt := matched[rule.MinCount-1].Event.Timestamp
		var followUp *Entry
		for i := range entries {
			entry := entries[i]
			if entry.Class == rule.FollowedBy && !entry.Event.Timestamp.Before(threshAt) {
				followUp = &entries[i]
				break
			}
		}
		if followUp == nil {
			return nil
		}
		contributing = append(append([]Entry(nil), matched...), *followUp)
	}

	confidence := e.confidence(rule, contributing, 1.0)
	if confidence < rule.MinConfidence {
		return nil
	}
	return e.result(rule, key, ev, contributing, confidence)
}

// evaluateSequence handles attack-chain rules: a strict subsequence match
// over window order with a per-step maximum gap since the previous step.
func (e *Engine) evaluateSequence(rule *Rule, key string, ev *model.RawEvent, entries []Entry) *model.CorrelationResult {
	var matched []Entry
	step := 0
	var prevAt time.Time
	for _, entry := range entries {
		if step >= len(rule.Sequence) {
			break
		}
		want := rule.Sequence[step]
		if entry.Class != want.EventClass {
			continue
		}
		if step > 0 && want.MaxGapSeconds > 0 {
			if entry.Event.Timestamp.Sub(prevAt) > time.Duration(want.MaxGapSeconds)*time.Second {
				continue
			}
		}
		matched = append(matched, entry)
		prevAt = entry.Event.Timestamp
		step++
	}
	if len(matched) < rule.MinCount {
		return nil
	}

	seqFraction := float64(len(matched)) / float64(len(rule.Sequence))
	confidence := e.confidence(rule, matched, seqFraction)
	if confidence < rule.MinConfidence {
		return nil
	}
	return e.result(rule, key, ev, matched, confidence)
}

// confidence blends the event count relative to threshold, the time
// compactness of the matched span, and (for chains) the fraction of the
// sequence matched. Weights: 0.5 count, 0.3 compactness, 0.2 sequence.
func (e *Engine) confidence(rule *Rule, matched []Entry, seqFraction float64) float64 {
	window := time.Duration(rule.WindowSeconds) * time.Second

	countScore := float64(len(matched)) / float64(rule.MinCount+1)
	if countScore > 1 {
		countScore = 1
	}

	span := matched[len(matched)-1].Event.Timestamp.Sub(matched[0].Event.Timestamp)
	compactness := 1 - span.Seconds()/window.Seconds()
	if compactness < 0 {
		compactness = 0
	}

	conf := 0.5*countScore + 0.3*compactness + 0.2*seqFraction
	if conf > 1 {
		conf = 1
	}
	return conf
}

func (e *Engine) result(rule *Rule, key string, ev *model.RawEvent, contributing []Entry, confidence float64) *model.CorrelationResult {
	ids := make([]string, 0, len(contributing))
	for _, c := range contributing {
		ids = append(ids, c.Event.ID)
	}
	sort.Strings(ids)
	return &model.CorrelationResult{
		Type:       rule.Type,
		RuleID:     rule.ID,
		Key:        key,
		Confidence: confidence,
		EventIDs:   ids,
		Techniques: rule.Techniques,
		Summary:    fmt.Sprintf("%s: %d events on %s", rule.Name, len(contributing), key),
		DetectedAt: ev.Timestamp,
	}
}

func (e *Engine) onCooldown(rule *Rule, key string, at time.Time) bool {
	cooldown := time.Duration(rule.CooldownSeconds) * time.Second
	if cooldown == 0 {
		cooldown = time.Duration(rule.WindowSeconds) * time.Second
	}
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	last, ok := e.lastFired[rule.ID+"|"+key]
	return ok && at.Sub(last) < cooldown
}

func (e *Engine) recordFire(rule *Rule, key string, at time.Time) {
	e.firedMu.Lock()
	e.lastFired[rule.ID+"|"+key] = at
	e.firedMu.Unlock()
}

// signals derives the per-event scores. Burst compares host activity in the
// last five minutes against the burst threshold; anomaly compares the
// current inter-arrival gap against the host's running mean.
func (e *Engine) signals(ev *model.RawEvent, results []*model.CorrelationResult) Signals {
	var sig Signals
	for _, r := range results {
		if r.Confidence > sig.Correlation {
			sig.Correlation = r.Confidence
		}
		if r.Type == model.CorrelationBurst && r.Confidence > sig.Burst {
			sig.Burst = r.Confidence
		}
	}

	hostKey := dimKey("host", ev)
	if hostKey != "" {
		recent := e.windows.EntriesWithin(hostKey, ev.Timestamp, 5*time.Minute)
		burst := float64(len(recent)) / float64(e.burstThresh)
		if burst > 1 {
			burst = 1
		}
		if burst > sig.Burst {
			sig.Burst = burst
		}
	}

	sig.Anomaly = e.anomalyScore(ev)
	return sig
}

// anomalyScore tracks an EWMA of per-host inter-arrival time; an event
// arriving much faster than the running mean scores toward 1.
func (e *Engine) anomalyScore(ev *model.RawEvent) float64 {
	const alpha = 0.2

	e.rateMu.Lock()
	defer e.rateMu.Unlock()

	prev, seen := e.lastSeen[ev.Host]
	e.lastSeen[ev.Host] = ev.Timestamp
	if !seen {
		return 0
	}
	gap := ev.Timestamp.Sub(prev).Seconds()
	if gap < 0 {
		gap = 0
	}
	mean, has := e.meanGap[ev.Host]
	if !has || mean <= 0 {
		e.meanGap[ev.Host] = gap
		return 0
	}
	e.meanGap[ev.Host] = (1-alpha)*mean + alpha*gap

	score := 1 - gap/mean
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (e *Engine) recordStats(results []*model.CorrelationResult, latency time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.events++
	e.latTotal += latency
	e.latCount++
	for _, r := range results {
		e.byType[r.Type]++
		e.confTotal += r.Confidence
		e.confCount++
	}
}

// windowKeys lists every distinct window key the event belongs to across
// the rule table's key dimensions.
func (e *Engine) windowKeys(ev *model.RawEvent) []string {
	seen := make(map[string]bool, 3)
	var keys []string
	for _, dim := range []string{"host", "user", "source_ip"} {
		key := dimKey(dim, ev)
		if key != "" && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

func dimKey(dim string, ev *model.RawEvent) string {
	switch dim {
	case "host":
		if ev.Host == "" {
			return ""
		}
		return "host=" + ev.Host
	case "user":
		if ev.User == "" {
			return ""
		}
		return "user=" + ev.User
	case "source_ip":
		if ev.SourceIP == "" {
			return ""
		}
		return "ip=" + ev.SourceIP
	default:
		return ""
	}
}

func classMatches(classes []string, class string) bool {
	if len(classes) == 0 {
		return true
	}
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}
