// Package events implements an optional lifecycle-event publisher over
// NATS, adapted from the teacher's events.Publisher: the connect-or-degrade
// pattern and the "disabled publisher that logs and no-ops" fallback are
// kept verbatim, narrowed from the teacher's app/template/node event
// catalogue down to the four session transitions this orchestrator emits,
// and with JetStream stream provisioning dropped since these are
// fire-and-forget operational signals, not a durable queue.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sandboxd/sandboxd/internal/logging"
)

// Kind identifies a session lifecycle transition.
type Kind string

const (
	KindSessionCreated   Kind = "session.created"
	KindSessionAttached  Kind = "session.attached"
	KindSessionDetached  Kind = "session.detached"
	KindSessionDestroyed Kind = "session.destroyed"
)

// Event is the payload published for every session lifecycle transition.
type Event struct {
	Kind        Kind      `json:"kind"`
	SessionID   string    `json:"sessionId"`
	ClientID    string    `json:"clientId,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func subjectFor(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}

// Publisher publishes session lifecycle events to NATS. If no URL is
// configured, or the broker is unreachable at startup, it degrades to a
// disabled publisher that logs and no-ops rather than failing the process
// — event publishing is an operational nicety, never load-bearing for the
// orchestrator's own invariants.
type Publisher struct {
	conn          *nats.Conn
	enabled       bool
	servicePrefix string
}

// Config holds NATS connection configuration.
type Config struct {
	URL           string
	ServicePrefix string
}

// New builds a Publisher. An empty URL disables publishing outright.
func New(cfg Config) *Publisher {
	if cfg.URL == "" {
		logging.Events().Info().Msg("no NATS URL configured, event publishing disabled")
		return &Publisher{enabled: false, servicePrefix: cfg.ServicePrefix}
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ServicePrefix+"d"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logging.Events().Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Events().Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		logging.Events().Warn().Err(err).Msg("failed to connect to nats, event publishing disabled")
		return &Publisher{enabled: false, servicePrefix: cfg.ServicePrefix}
	}

	logging.Events().Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
	return &Publisher{conn: conn, enabled: true, servicePrefix: cfg.ServicePrefix}
}

// IsEnabled reports whether this publisher has a live NATS connection.
func (p *Publisher) IsEnabled() bool {
	return p != nil && p.enabled
}

// Close drains and closes the underlying connection, if any.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
	p.conn.Close()
}

// Publish emits a session lifecycle event. Failures are logged, never
// propagated: a broker outage must never block or fail a session
// operation.
func (p *Publisher) Publish(evt Event) {
	if !p.IsEnabled() {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		logging.Events().Warn().Err(err).Str("kind", string(evt.Kind)).Msg("failed to marshal event")
		return
	}

	subject := subjectFor(p.servicePrefix, evt.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		logging.Events().Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}
