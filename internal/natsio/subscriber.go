package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/model"
	"github.com/hostsentry/hostsentry/internal/queue"
)

const (
	// RawEventsSubject carries incoming host events.
	RawEventsSubject = "events.raw"
)

// Subscriber consumes raw events off NATS and feeds the priority queue.
// Queue-group subscription lets multiple replicas share the subject.
type Subscriber struct {
	nc      *nats.Conn
	queue   *queue.Queue
	group   string
	metrics *metrics.Metrics
	logger  *slog.Logger

	sub *nats.Subscription
}

// NewSubscriber creates a subscriber feeding the given queue.
func NewSubscriber(nc *nats.Conn, q *queue.Queue, group string, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:      nc,
		queue:   q,
		group:   group,
		metrics: m,
		logger:  logger.With("component", "nats-subscriber"),
	}
}

// Subscribe listens on events.raw until the context is cancelled, then
// drains the subscription so in-flight messages finish.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("subscribing to raw events", "subject", RawEventsSubject, "queue_group", s.group)

	sub, err := s.nc.QueueSubscribe(RawEventsSubject, s.group, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", RawEventsSubject, err)
	}
	s.sub = sub

	<-ctx.Done()

	s.logger.Info("draining subscription")
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	ev, err := parseEvent(msg.Data)
	if err != nil {
		s.logger.Warn("dropping malformed event", "error", err, "bytes", len(msg.Data))
		return
	}

	prio := priorityFor(ev.Severity)
	if s.queue.Enqueue(ev, prio) {
		s.metrics.EventsEnqueued.Inc()
		return
	}
	s.metrics.EventsRejected.Inc()
	s.logger.Warn("queue rejected event",
		"event_id", ev.ID,
		"host", ev.Host,
		"priority", prio.String())
}

// parseEvent decodes and structurally validates a raw event. A missing ID
// gets one assigned; a missing timestamp means the producer is broken, but
// the event is still usable with arrival time.
func parseEvent(data []byte) (*model.RawEvent, error) {
	var ev model.RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Host == "" {
		return nil, fmt.Errorf("event missing host")
	}
	if ev.Channel == "" {
		return nil, fmt.Errorf("event missing channel")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return &ev, nil
}

// priorityFor maps event severity onto a queue priority band.
func priorityFor(severity string) model.Priority {
	switch severity {
	case "critical":
		return model.PriorityCritical
	case "error":
		return model.PriorityHigh
	case "warning":
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}
