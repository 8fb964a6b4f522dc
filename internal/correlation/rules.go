package correlation

import (
	"fmt"

	"github.com/hostsentry/hostsentry/internal/model"
)

// SeqStep is one stage of an ordered attack-chain rule. MaxGapSeconds bounds
// the time since the previous matched step.
type SeqStep struct {
	EventClass    string `yaml:"event_class" json:"event_class"`
	MaxGapSeconds int    `yaml:"max_gap_seconds" json:"max_gap_seconds"`
}

// Rule is one correlation pattern record. Built-in patterns and operator
// additions share this shape; the engine never special-cases a pattern.
type Rule struct {
	ID      string                `yaml:"id" json:"id"`
	Name    string                `yaml:"name" json:"name"`
	Type    model.CorrelationType `yaml:"type" json:"type"`
	Enabled bool                  `yaml:"enabled" json:"enabled"`

	// KeyBy selects the correlation dimensions (host, user, source_ip)
	// whose windows this rule is evaluated against.
	KeyBy []string `yaml:"key_by" json:"key_by"`

	// EventClasses lists the classes counted toward MinCount for unordered
	// rules. Empty means every event counts.
	EventClasses []string `yaml:"event_classes" json:"event_classes"`

	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
	MinCount      int `yaml:"min_count" json:"min_count"`

	// MinDistinctHosts requires the matched events to span that many hosts
	// (lateral movement style rules).
	MinDistinctHosts int `yaml:"min_distinct_hosts" json:"min_distinct_hosts"`

	// FollowedBy names a class that must appear after the matched events
	// for the rule to fire (brute force: failures followed by a success).
	FollowedBy string `yaml:"followed_by" json:"followed_by"`

	// Sequence, when set, turns the rule into a strict subsequence match;
	// MinCount then means the minimum number of matched steps.
	Sequence []SeqStep `yaml:"sequence" json:"sequence"`

	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// CooldownSeconds suppresses refiring for the same rule and key. Zero
	// defaults to the rule window.
	CooldownSeconds int `yaml:"cooldown_seconds" json:"cooldown_seconds"`

	Techniques []string `yaml:"techniques" json:"techniques"`
}

var validTypes = map[model.CorrelationType]bool{
	model.CorrelationBurst:       true,
	model.CorrelationBruteForce:  true,
	model.CorrelationLateralMove: true,
	model.CorrelationPrivEsc:     true,
	model.CorrelationAttackChain: true,
}

var validKeyDims = map[string]bool{
	"host": true, "user": true, "source_ip": true,
}

// Validate checks a correlation rule record. Invalid records are a fatal
// configuration error at startup.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("correlation rule: id is required")
	}
	if !validTypes[r.Type] {
		return fmt.Errorf("correlation rule %s: unknown type %q", r.ID, r.Type)
	}
	if len(r.KeyBy) == 0 {
		return fmt.Errorf("correlation rule %s: key_by is required", r.ID)
	}
	for _, dim := range r.KeyBy {
		if !validKeyDims[dim] {
			return fmt.Errorf("correlation rule %s: unknown key dimension %q", r.ID, dim)
		}
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("correlation rule %s: window_seconds must be positive", r.ID)
	}
	if r.MinCount <= 0 {
		return fmt.Errorf("correlation rule %s: min_count must be positive", r.ID)
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("correlation rule %s: min_confidence must be in [0,1]", r.ID)
	}
	if len(r.Sequence) > 0 && r.MinCount > len(r.Sequence) {
		return fmt.Errorf("correlation rule %s: min_count exceeds sequence length", r.ID)
	}
	for i, step := range r.Sequence {
		if step.EventClass == "" {
			return fmt.Errorf("correlation rule %s: sequence step %d missing event_class", r.ID, i)
		}
	}
	return nil
}

// DefaultRules returns the built-in pattern table: temporal burst, brute
// force, lateral movement, privilege escalation, and a credential-theft
// attack chain. Thresholds follow the shipped defaults; operators override
// or extend them through the rules directory.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:            "builtin-burst",
			Name:          "Temporal event burst",
			Type:          model.CorrelationBurst,
			Enabled:       true,
			KeyBy:         []string{"host"},
			WindowSeconds: 300,
			MinCount:      5,
			MinConfidence: 0.5,
		},
		{
			ID:            "builtin-brute-force",
			Name:          "Authentication brute force",
			Type:          model.CorrelationBruteForce,
			Enabled:       true,
			KeyBy:         []string{"host", "user"},
			EventClasses:  []string{"authentication_failure"},
			FollowedBy:    "authentication_success",
			WindowSeconds: 600,
			MinCount:      3,
			MinConfidence: 0.5,
			Techniques:    []string{"T1110"},
		},
		{
			ID:               "builtin-lateral-movement",
			Name:             "Lateral movement across hosts",
			Type:             model.CorrelationLateralMove,
			Enabled:          true,
			KeyBy:            []string{"user", "source_ip"},
			WindowSeconds:    1800,
			MinCount:         3,
			MinDistinctHosts: 3,
			MinConfidence:    0.5,
			Techniques:       []string{"T1021"},
		},
		{
			ID:            "builtin-privilege-escalation",
			Name:          "Privilege escalation activity",
			Type:          model.CorrelationPrivEsc,
			Enabled:       true,
			KeyBy:         []string{"host"},
			EventClasses:  []string{"privilege_escalation", "special_privilege_logon", "group_membership_change"},
			WindowSeconds: 900,
			MinCount:      2,
			MinConfidence: 0.5,
			Techniques:    []string{"T1068", "T1078"},
		},
		{
			ID:      "builtin-credential-chain",
			Name:    "Credential theft attack chain",
			Type:    model.CorrelationAttackChain,
			Enabled: true,
			KeyBy:   []string{"host"},
			Sequence: []SeqStep{
				{EventClass: "authentication_failure", MaxGapSeconds: 0},
				{EventClass: "authentication_success", MaxGapSeconds: 600},
				{EventClass: "privilege_escalation", MaxGapSeconds: 900},
				{EventClass: "credential_access", MaxGapSeconds: 900},
			},
			WindowSeconds: 3600,
			MinCount:      3,
			MinConfidence: 0.4,
			Techniques:    []string{"T1110", "T1068", "T1003"},
		},
	}
}
