// Package eventbus implements the optional Event Mirror: a ConnectorEvent fan-out that, when configured, republishes
// internal lifecycle events to a NATS subject for external observability.
// It is never part of the core control path — a mirror failure degrades
// to a logged warning, never a propagated error.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventType enumerates the lifecycle events the core can mirror.
type EventType string

const (
	EventNodeConnected    EventType = "node_connected"
	EventNodeDisconnected EventType = "node_disconnected"
	EventCircuitOpened    EventType = "circuit_opened"
	EventCircuitClosed    EventType = "circuit_closed"
	EventOTAActive        EventType = "ota_active"
	EventOTATerminal      EventType = "ota_terminal"
	EventSubscriptionEvicted EventType = "subscription_evicted"
)

// ConnectorEvent is the internal domain event fanned out for observability
// only — it never drives core control flow.
type ConnectorEvent struct {
	Type      EventType              `json:"type"`
	NodeID    string                 `json:"node_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Config configures the optional NATS mirror.
type Config struct {
	Enabled       bool
	Servers       []string
	SubjectPrefix string // default "rmfleet.events"
	ConnectTimeout time.Duration
}

// Mirror publishes ConnectorEvents to NATS subjects of the form
// <prefix>.<event_type>. A disabled or unreachable mirror is a no-op that
// only logs; it never returns an error to callers.
type Mirror struct {
	logger  *zap.Logger
	conn    *nats.Conn
	prefix  string
	enabled bool
}

// New connects to NATS if cfg.Enabled. Connection failure is logged and
// degrades to a disabled mirror — it is never a startup-fatal condition
// — the mirror is purely observability.
func New(cfg Config, logger *zap.Logger) *Mirror {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "rmfleet.events"
	}

	m := &Mirror{logger: logger, prefix: prefix}
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		return m
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := nats.Connect(
		natsServersURL(cfg.Servers),
		nats.Timeout(timeout),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		if logger != nil {
			logger.Warn("eventbus: nats connect failed, mirror disabled", zap.Error(err))
		}
		return m
	}

	m.conn = conn
	m.enabled = true
	return m
}

func natsServersURL(servers []string) string {
	url := ""
	for i, s := range servers {
		if i > 0 {
			url += ","
		}
		url += s
	}
	return url
}

// Publish mirrors an event. Failures are logged and swallowed.
func (m *Mirror) Publish(evt ConnectorEvent) {
	if !m.enabled || m.conn == nil {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("eventbus: marshal failed", zap.Error(err))
		}
		return
	}

	subject := fmt.Sprintf("%s.%s", m.prefix, evt.Type)
	if err := m.conn.Publish(subject, data); err != nil && m.logger != nil {
		m.logger.Warn("eventbus: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the NATS connection, if any.
func (m *Mirror) Close() {
	if m.conn != nil {
		_ = m.conn.Drain()
	}
}
