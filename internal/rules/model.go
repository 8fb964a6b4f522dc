package rules

import (
	"fmt"
	"regexp"

	"github.com/hostsentry/hostsentry/internal/model"
)

// Match defines which events a classification rule applies to. All populated
// fields must match; an empty field matches anything.
type Match struct {
	Channel      string   `yaml:"channel" json:"channel"`
	Codes        []int    `yaml:"codes" json:"codes"`
	SeverityIn   []string `yaml:"severity_in" json:"severity_in"`
	MessageRegex string   `yaml:"message_regex" json:"message_regex"`
}

// Outcome defines the classification produced when a rule matches.
type Outcome struct {
	EventClass string   `yaml:"event_class" json:"event_class"`
	Risk       string   `yaml:"risk" json:"risk"`
	Confidence int      `yaml:"confidence" json:"confidence"`
	Summary    string   `yaml:"summary" json:"summary"`
	Techniques []string `yaml:"techniques" json:"techniques"`
	Actions    []string `yaml:"actions" json:"actions"`
}

// Rule is one record of the deterministic event-to-classification table.
// Rules are data, not code: the table is loaded from rules.d and evaluated
// by the generic matcher.
type Rule struct {
	ID      string  `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Match   Match   `yaml:"match" json:"match"`
	Outcome Outcome `yaml:"outcome" json:"outcome"`

	SourceFile string `yaml:"-" json:"source_file,omitempty"`

	msgRe *regexp.Regexp
}

// Snapshot is an immutable view of the loaded rule table.
type Snapshot struct {
	Rules   []Rule
	Version int64
}

// ValidationError describes why a rule record was rejected at load time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

var validRisks = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate checks a rule record and compiles its message regex. Invalid
// rules are a fatal configuration error at startup.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Message: "rule ID is required"}
	}
	if r.Name == "" {
		return &ValidationError{Field: "name", Message: "rule name is required"}
	}
	if r.Outcome.EventClass == "" {
		return &ValidationError{Field: "outcome.event_class", Message: "event class is required"}
	}
	if !validRisks[r.Outcome.Risk] {
		return &ValidationError{Field: "outcome.risk", Message: "risk must be low/medium/high/critical"}
	}
	if r.Outcome.Confidence < 0 || r.Outcome.Confidence > 100 {
		return &ValidationError{Field: "outcome.confidence", Message: "confidence must be between 0 and 100"}
	}
	if r.Match.Channel == "" && len(r.Match.Codes) == 0 && len(r.Match.SeverityIn) == 0 && r.Match.MessageRegex == "" {
		return &ValidationError{Field: "match", Message: "at least one match criterion is required"}
	}
	if r.Match.MessageRegex != "" {
		re, err := regexp.Compile(r.Match.MessageRegex)
		if err != nil {
			return &ValidationError{Field: "match.message_regex", Message: fmt.Sprintf("invalid regex: %v", err)}
		}
		r.msgRe = re
	}
	return nil
}

// Matches reports whether an event satisfies every populated match field.
func (r *Rule) Matches(ev *model.RawEvent) bool {
	if r.Match.Channel != "" && r.Match.Channel != ev.Channel {
		return false
	}
	if len(r.Match.Codes) > 0 {
		found := false
		for _, c := range r.Match.Codes {
			if c == ev.Code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Match.SeverityIn) > 0 {
		found := false
		for _, s := range r.Match.SeverityIn {
			if s == ev.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.msgRe != nil && !r.msgRe.MatchString(ev.Message) {
		return false
	}
	return true
}
