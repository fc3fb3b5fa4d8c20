// Package notify fans pool alert events out to configured channels:
// Slack, MQTT, a generic webhook, and structured logs. It subscribes to
// internal/events.Bus rather than being called directly by the
// reconciler or claim coordinator, so alerting failures can never add
// backpressure to the control loop.
package notify

import (
	"context"
	"sync"

	"github.com/convos/agent-pool-manager/internal/events"
)

// Notifier sends an alert event to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is the minimal logging interface notify needs, so the package
// does not depend on internal/logging; *logging.Logger satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. It never returns errors —
// failures are logged but never propagate back to the caller.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers. Returns true if at
// least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event events.Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"kind", string(event.Kind),
				"instance", event.InstanceID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Run subscribes to bus and dispatches every event to Notify until ctx is
// canceled. Intended to run as a single long-lived goroutine started by
// cmd/poolmanager.
func Run(ctx context.Context, bus *events.Bus, m *Multi) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case evt := <-ch:
			m.Notify(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}
