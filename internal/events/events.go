// Package events publishes run lifecycle events for external observers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentkit/logging"
)

// Event types.
const (
	RunStarted     = "run.started"
	RunFinished    = "run.finished"
	CycleStarted   = "cycle.started"
	CycleFinished  = "cycle.finished"
	StepFailed     = "step.failed"
	Compacted      = "session.compacted"
	ContextWarning = "context.warning"
	Paused         = "run.paused"
)

// Event is one published notification.
type Event struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	Workflow  string                 `json:"workflow"`
	Cycle     int                    `json:"cycle,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher delivers events. Publishing is best effort: callers log
// errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(ctx context.Context, e Event) error { return nil }
func (Noop) Close() error                               { return nil }

// Memory keeps events in memory, for tests and the replay of a run.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of the published events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the published event types in order.
func (m *Memory) Types() []string {
	var out []string
	for _, e := range m.Events() {
		out = append(out, e.Type)
	}
	return out
}

// NATS publishes JSON events on <subject>.<type>.
type NATS struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATS connects to the server at url. logger may be nil.
func NewNATS(url, subject string, logger *logging.Logger) (*NATS, error) {
	if subject == "" {
		subject = "conductor.events"
	}
	conn, err := nats.Connect(url,
		nats.Name("conductor"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	if logger == nil {
		logger = logging.New()
	}
	return &NATS{
		conn:    conn,
		subject: subject,
		logger:  logger.WithComponent("events"),
	}, nil
}

// Subject returns the full subject an event is published on.
func (n *NATS) Subject(e Event) string {
	return n.subject + "." + e.Type
}

func (n *NATS) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(e), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	n.logger.Debug("event published", map[string]interface{}{
		"subject": n.Subject(e),
		"bytes":   len(data),
	})
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
		n.logger.Warn("failed to flush events", map[string]interface{}{"error": err.Error()})
	}
	n.conn.Close()
	return nil
}
