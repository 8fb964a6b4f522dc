package rules

import (
	"strconv"
	"strings"

	"github.com/hostsentry/hostsentry/internal/model"
)

// Matcher evaluates the classification rule table against single events.
// The first matching rule in snapshot order (sorted by rule ID) wins.
type Matcher struct {
	loader *Loader
}

// NewMatcher creates a matcher backed by the given loader.
func NewMatcher(loader *Loader) *Matcher {
	return &Matcher{loader: loader}
}

// Classify returns the deterministic classification for an event, or false
// when no rule in the table matches.
func (m *Matcher) Classify(ev *model.RawEvent) (*model.Classification, bool) {
	if ev == nil {
		return nil, false
	}
	snapshot := m.loader.GetSnapshot()
	for i := range snapshot.Rules {
		rule := &snapshot.Rules[i]
		if !rule.Matches(ev) {
			continue
		}
		return &model.Classification{
			EventClass: rule.Outcome.EventClass,
			Risk:       model.ParseRiskLevel(rule.Outcome.Risk),
			Confidence: rule.Outcome.Confidence,
			Summary:    renderSummary(rule.Outcome.Summary, ev),
			Techniques: rule.Outcome.Techniques,
			Actions:    rule.Outcome.Actions,
		}, true
	}
	return nil, false
}

// renderSummary substitutes {host}, {user}, {channel}, {code} and
// {source_ip} placeholders in a rule summary template.
func renderSummary(template string, ev *model.RawEvent) string {
	if template == "" {
		return ev.Message
	}
	r := strings.NewReplacer(
		"{host}", ev.Host,
		"{user}", ev.User,
		"{channel}", ev.Channel,
		"{code}", strconv.Itoa(ev.Code),
		"{source_ip}", ev.SourceIP,
	)
	return r.Replace(template)
}
