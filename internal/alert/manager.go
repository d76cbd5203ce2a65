// Package alert fans a Drift Engine alert out to zero or more external
// sinks (webhook, Slack), deduplicating repeat alerts for the same agent
// within a short window so a flapping agent does not page an on-call
// channel once per intent.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

// Sender delivers a drift alert to one external channel.
type Sender interface {
	Name() string
	Send(alert kernel.DriftAlert) error
}

// dedupTTL is how long a (agent, level) pair is suppressed after firing
// once, so a drift score oscillating around a threshold does not spam
// the configured sinks.
const dedupTTL = 5 * time.Minute

// Manager dispatches alerts to its configured senders asynchronously,
// deduplicating by agent id + risk level.
type Manager struct {
	mu      sync.Mutex
	senders []Sender
	seen    map[string]time.Time
	logger  *slog.Logger
}

// NewManager builds a Manager with the given senders. A nil or empty
// sender set is valid: Dispatch becomes a no-op other than dedup-map
// bookkeeping.
func NewManager(logger *slog.Logger, senders ...Sender) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		senders: senders,
		seen:    make(map[string]time.Time),
		logger:  logger.With("component", "alert.Manager"),
	}
}

// HasSenders reports whether any sink is configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}

// Dispatch fans the alert out to every configured sender in its own
// goroutine, unless an identical (agent, level) pair was already sent
// within dedupTTL.
func (m *Manager) Dispatch(a kernel.DriftAlert) {
	key := a.AgentID + "|" + string(a.Level)

	m.mu.Lock()
	if last, ok := m.seen[key]; ok && time.Since(last) < dedupTTL {
		m.mu.Unlock()
		return
	}
	m.seen[key] = time.Now()
	senders := m.senders
	m.mu.Unlock()

	for _, s := range senders {
		s := s
		go func() {
			if err := s.Send(a); err != nil {
				m.logger.Warn("alert delivery failed",
					"sender", s.Name(),
					"agent_id", a.AgentID,
					"level", a.Level,
					"error", err,
				)
			}
		}()
	}
}

// PruneDedup removes dedup entries older than dedupTTL so the map does
// not grow unbounded across a long-lived process.
func (m *Manager) PruneDedup() {
	cutoff := time.Now().Add(-dedupTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.seen {
		if t.Before(cutoff) {
			delete(m.seen, k)
		}
	}
}
