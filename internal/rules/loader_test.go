package rules

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

const validRules = `
rules:
  - id: auth-failure
    name: Failed logon
    enabled: true
    match:
      channel: Security
      codes: [4625]
    outcome:
      event_class: authentication_failure
      risk: medium
      confidence: 90
      summary: "Failed logon on {host} for {user}"
      techniques: [T1110]
  - id: service-install
    name: Service installed
    enabled: true
    match:
      channel: System
      codes: [7045]
    outcome:
      event_class: service_installation
      risk: high
      confidence: 80
`

func TestLoader_LoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "base.yaml", validRules)

	loader := NewLoader(dir, false, 0, testLogger())
	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, snapshot.Rules, 2)

	// Sorted by rule ID for deterministic evaluation order.
	assert.Equal(t, "auth-failure", snapshot.Rules[0].ID)
	assert.Equal(t, "service-install", snapshot.Rules[1].ID)
}

func TestLoader_SkipsDisabledRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "disabled.yaml", `
rules:
  - id: off-rule
    name: Disabled
    enabled: false
    match:
      codes: [1]
    outcome:
      event_class: noise
      risk: low
      confidence: 10
`)

	loader := NewLoader(dir, false, 0, testLogger())
	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Rules)
}

func TestLoader_InvalidRuleIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "bad.yaml", `
rules:
  - id: bad-risk
    name: Bad risk value
    enabled: true
    match:
      codes: [1]
    outcome:
      event_class: whatever
      risk: catastrophic
      confidence: 50
`)

	loader := NewLoader(dir, false, 0, testLogger())
	_, err := loader.LoadSnapshot()
	require.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLoader_FilenameOverrideWins(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "00-base.yaml", `
rules:
  - id: auth-failure
    name: Base
    enabled: true
    match:
      codes: [4625]
    outcome:
      event_class: authentication_failure
      risk: low
      confidence: 50
`)
	writeRuleFile(t, dir, "99-override.yaml", `
rules:
  - id: auth-failure
    name: Override
    enabled: true
    match:
      codes: [4625]
    outcome:
      event_class: authentication_failure
      risk: critical
      confidence: 95
`)

	loader := NewLoader(dir, false, 0, testLogger())
	snapshot, err := loader.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, snapshot.Rules, 1)
	assert.Equal(t, "Override", snapshot.Rules[0].Name)
	assert.Equal(t, "critical", snapshot.Rules[0].Outcome.Risk)
}

func TestLoader_EmptySnapshotBeforeLoad(t *testing.T) {
	loader := NewLoader(t.TempDir(), false, 0, testLogger())
	snapshot := loader.GetSnapshot()
	assert.Empty(t, snapshot.Rules)
	assert.Equal(t, int64(0), snapshot.Version)
}

func TestRule_Validate(t *testing.T) {
	base := func() Rule {
		return Rule{
			ID:      "r1",
			Name:    "rule one",
			Enabled: true,
			Match:   Match{Codes: []int{4625}},
			Outcome: Outcome{EventClass: "auth_failure", Risk: "medium", Confidence: 50},
		}
	}

	r := base()
	assert.NoError(t, r.Validate())

	r = base()
	r.ID = ""
	assert.Error(t, r.Validate())

	r = base()
	r.Outcome.Confidence = 120
	assert.Error(t, r.Validate())

	r = base()
	r.Match = Match{}
	assert.Error(t, r.Validate())

	r = base()
	r.Match.MessageRegex = "(["
	assert.Error(t, r.Validate())
}
