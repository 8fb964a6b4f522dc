package natsio

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/hostsentry/hostsentry/internal/model"
)

const (
	// FindingsSubject is the per-event completion stream.
	FindingsSubject = "findings.new"
)

// Publisher pushes finished findings onto the completion stream. Consumers
// (persistence, alerting) subscribe downstream; a publish failure never
// blocks the pipeline.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher creates a finding publisher. An empty subject uses the
// default findings.new.
func NewPublisher(nc *nats.Conn, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = FindingsSubject
	}
	return &Publisher{
		nc:      nc,
		subject: subject,
		logger:  logger.With("component", "nats-publisher"),
	}
}

// Publish sends one finding. Headers carry routing hints so consumers can
// filter without decoding the body.
func (p *Publisher) Publish(f *model.Finding) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats publisher not connected")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal finding: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("x-finding-id", f.ID)
	msg.Header.Set("x-finding-kind", string(f.Kind))
	msg.Header.Set("x-risk", f.Classification.Risk.String())
	if f.Event != nil {
		msg.Header.Set("x-host", f.Event.Host)
	}

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish finding %s: %w", f.ID, err)
	}
	p.logger.Debug("finding published", "finding_id", f.ID, "kind", string(f.Kind))
	return nil
}
