package model

import (
	"time"
)

// RawEvent represents a host security event as delivered by the log source.
// It is never mutated after ingest; dedup across redeliveries is by ID.
type RawEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	Channel   string    `json:"channel"`
	Code      int       `json:"code"`
	Severity  string    `json:"severity"` // informational, warning, error, critical
	User      string    `json:"user,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Message   string    `json:"message"`
}

// Priority orders events within the queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// QueuedEvent wraps a RawEvent while it sits in, or is in flight from, the
// event queue. Retries produce a fresh copy with RetryCount incremented; an
// event whose retries are exhausted moves to the dead-letter set and never
// re-enters the live queue.
type QueuedEvent struct {
	Event      *RawEvent `json:"event"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DequeuedAt time.Time `json:"dequeued_at,omitempty"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	Affinity   string    `json:"affinity,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// RiskLevel is the ordered risk classification of a finding.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel maps a risk string to its level. Unknown strings map to
// RiskLow so a malformed scorer response degrades rather than escalates.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskLow
	}
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	*r = ParseRiskLevel(string(trimQuotes(data)))
	return nil
}

func trimQuotes(b []byte) []byte {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}

// FindingKind discriminates how a finding was produced.
type FindingKind string

const (
	// FindingDeterministic findings come from the classification rule table
	// alone, with no external scorer involved.
	FindingDeterministic FindingKind = "deterministic"
	// FindingCorrelation findings are produced solely by the correlation
	// engine firing on a multi-event pattern.
	FindingCorrelation FindingKind = "correlation"
	// FindingEnhanced findings carry a deterministic or scorer
	// classification enriched with correlation signals.
	FindingEnhanced FindingKind = "enhanced"
)

// Classification is the scoring outcome for a single event, whether it came
// from the deterministic rule table or the external scorer.
type Classification struct {
	EventClass string    `json:"event_class"`
	Risk       RiskLevel `json:"risk"`
	Confidence int       `json:"confidence"` // 0-100
	Summary    string    `json:"summary"`
	Techniques []string  `json:"techniques,omitempty"`
	Actions    []string  `json:"actions,omitempty"`
}

// Finding is the finished security finding emitted for every accepted event.
// Immutable once created.
type Finding struct {
	ID    string      `json:"id"`
	Kind  FindingKind `json:"kind"`
	Event *RawEvent   `json:"event"`

	Classification Classification `json:"classification"`

	// Correlation signals, each in [0,1].
	CorrelationScore float64 `json:"correlation_score"`
	BurstScore       float64 `json:"burst_score"`
	AnomalyScore     float64 `json:"anomaly_score"`

	CorrelatedEventIDs []string `json:"correlated_event_ids,omitempty"`

	// SimilarEventIDs are nearest-neighbor hits from the vector store,
	// excluding the event itself.
	SimilarEventIDs []string `json:"similar_event_ids,omitempty"`

	// Degraded marks a finding whose enrichment was cut short by a
	// downstream failure or timeout; the finding is still emitted.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CorrelationType names the multi-event attack pattern a rule detects.
type CorrelationType string

const (
	CorrelationBurst       CorrelationType = "burst"
	CorrelationBruteForce  CorrelationType = "brute_force"
	CorrelationLateralMove CorrelationType = "lateral_movement"
	CorrelationPrivEsc     CorrelationType = "privilege_escalation"
	CorrelationAttackChain CorrelationType = "attack_chain"
)

// CorrelationResult is emitted when a correlation rule fires against a
// window. EventIDs lists every contributing event.
type CorrelationResult struct {
	Type       CorrelationType `json:"type"`
	RuleID     string          `json:"rule_id"`
	Key        string          `json:"key"`
	Confidence float64         `json:"confidence"` // 0.0 to 1.0
	EventIDs   []string        `json:"event_ids"`
	Techniques []string        `json:"techniques,omitempty"`
	Summary    string          `json:"summary"`
	DetectedAt time.Time       `json:"detected_at"`
}
