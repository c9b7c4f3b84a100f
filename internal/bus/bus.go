// Package bus implements the internal hook -> realtime -> push event bus
// (SPEC_FULL.md §2.1 DOMAIN STACK): the action pipeline (internal/action)
// publishes a lifecycle event after every create/receive/hook step, and
// the realtime and push dispatchers subscribe to decide whether a
// connected client gets a WS notification or an offline recipient gets a
// queued push/email. Decoupling persistence from notification this way
// keeps the pipeline itself free of a direct dependency on internal/realtime
// or internal/push.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants define the NATS subject hierarchy for action lifecycle
// events. Subjects follow the pattern: cloudillo.<category>.<event>
const (
	SubjectActionCreated    = "cloudillo.action.created"
	SubjectActionReceived   = "cloudillo.action.received"
	SubjectActionDelivered  = "cloudillo.action.delivered"
	SubjectActionFailed     = "cloudillo.action.failed"
	SubjectProfileSynced    = "cloudillo.profile.synced"
	SubjectCertRenewed      = "cloudillo.cert.renewed"
)

// Event is the envelope published for every lifecycle transition worth
// notifying about.
type Event struct {
	Type      string          `json:"t"`
	TnID      string          `json:"tn_id"`
	ActionID  string          `json:"action_id,omitempty"`
	Target    string          `json:"target,omitempty"` // id_tag of the notification recipient
	Data      json.RawMessage `json:"d"`
	Timestamp time.Time       `json:"ts"`
}

// Bus wraps a NATS connection and provides publish/subscribe methods for
// cloudillo's internal event fan-out.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New connects to the NATS server at the given URL and returns an event Bus.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("cloudillo-core"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, logger: logger}, nil
}

// Publish sends an event to the specified NATS subject.
func (b *Bus) Publish(_ context.Context, subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	b.logger.Debug("event published", slog.String("subject", subject), slog.String("type", event.Type))
	return nil
}

// Subscribe creates a subscription to the specified NATS subject. The
// handler receives decoded Event objects.
func (b *Bus) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
