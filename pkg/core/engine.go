// Package core wires the engine together: queue, backend, transport,
// feedback and journal behind one Manager façade. Callers hand it
// messages; everything from frame encoding to replay stays internal.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/backend"
	"github.com/commatea/APNS-Bridge/pkg/conn"
	"github.com/commatea/APNS-Bridge/pkg/feedback"
	"github.com/commatea/APNS-Bridge/pkg/journal"
	"github.com/commatea/APNS-Bridge/pkg/journal/sqlite"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/commatea/APNS-Bridge/pkg/metrics"
	"github.com/commatea/APNS-Bridge/pkg/queue"
	"github.com/commatea/APNS-Bridge/pkg/transport"
)

// Manager lifecycle errors.
var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStopped = errors.New("engine already stopped")
)

// Option customizes Manager construction. Used mainly by tests and by
// callers embedding the engine with their own transports.
type Option func(*Manager)

// WithGatewayDialer replaces the TLS gateway dialer.
func WithGatewayDialer(d backend.Dialer) Option {
	return func(m *Manager) { m.gatewayDialer = d }
}

// WithFeedbackDialer replaces the TLS feedback dialer.
func WithFeedbackDialer(d feedback.Dialer) Option {
	return func(m *Manager) { m.feedbackDialer = d }
}

// WithJournal replaces the journal store. Overrides the config.
func WithJournal(s journal.Store) Option {
	return func(m *Manager) { m.journal = s }
}

// WithErrorHandler registers a callback for permanent delivery
// failures. It runs on a worker goroutine.
func WithErrorHandler(h conn.ErrorHandler) Option {
	return func(m *Manager) { m.userHandler = h }
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns the engine lifecycle. One Manager per certificate and
// environment; all methods are safe for concurrent use.
type Manager struct {
	config *Config
	log    *logger.Logger

	queue   *queue.Queue
	backend backend.Backend

	gatewayDialer  backend.Dialer
	feedbackDialer feedback.Dialer
	journal        journal.Store
	userHandler    conn.ErrorHandler

	ident atomic.Uint32

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
}

// New builds a Manager from config. The gateway is not dialed until
// Start and there is pending work.
func New(config *Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{
		config: config,
		queue:  queue.New(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.log == nil {
		m.log = logger.New(config.Logging)
	}

	if m.gatewayDialer == nil {
		d, err := transport.NewDialer(transport.Config{
			Address:        config.GatewayEndpoint(),
			ConnectTimeout: config.ConnectTimeout,
			TLS:            config.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("build gateway dialer: %w", err)
		}
		m.gatewayDialer = d
	}

	if m.journal == nil && config.Journal.Enabled {
		s, err := sqlite.NewStore(config.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		m.journal = s
	}

	m.backend = backend.NewThreaded(config.Backend, m.queue, m.gatewayDialer, m.onFailure, m.log)

	return m, nil
}

// Start brings up the connection workers.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrAlreadyStopped
	}
	if m.started {
		return backend.ErrAlreadyStarted
	}

	if err := m.backend.Start(); err != nil {
		return err
	}

	m.started = true
	m.startedAt = time.Now()
	m.log.Info("engine started",
		"environment", m.config.Environment,
		"gateway", m.config.GatewayEndpoint(),
		"connections", m.config.Backend.Connections)
	return nil
}

// Send expands the message into per-token notifications and queues
// them. It returns the number of notifications queued; delivery is
// asynchronous and failures arrive through the error handler.
func (m *Manager) Send(msg *apns.Message) (int, error) {
	ns := msg.Notifications(m.nextIdent)
	if err := m.queue.Enqueue(ns...); err != nil {
		return 0, err
	}
	metrics.SetQueueDepth(m.queue.Len())
	m.log.Debug("message queued", "message_id", msg.ID, "notifications", len(ns))
	return len(ns), nil
}

// SendAps builds a standard "aps" message and queues it.
func (m *Manager) SendAps(tokens []string, aps apns.Aps, custom map[string]interface{}, expiration time.Time, priority apns.Priority) (*apns.Message, error) {
	msg, err := apns.NewApsMessage(tokens, aps, custom, expiration, priority)
	if err != nil {
		return nil, err
	}
	if _, err := m.Send(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Flush blocks until every queued notification has been written to a
// connection or abandoned. It does not prove delivery; the gateway
// reports errors asynchronously and may do so after Flush returns.
func (m *Manager) Flush() {
	m.queue.Drain()
	metrics.SetQueueDepth(m.queue.Len())
}

// Feedback drains the feedback service once, invoking handler per
// stale-device record. Records are journaled when the journal is
// enabled. Independent of Start; it only needs credentials.
func (m *Manager) Feedback(ctx context.Context, handler feedback.Handler) error {
	dialer := m.feedbackDialer
	if dialer == nil {
		d, err := transport.NewDialer(transport.Config{
			Address:        m.config.FeedbackEndpoint(),
			ConnectTimeout: m.config.ConnectTimeout,
			TLS:            m.config.TLS,
		})
		if err != nil {
			return fmt.Errorf("build feedback dialer: %w", err)
		}
		dialer = d
	}

	reader := feedback.New(dialer, m.log)
	return reader.Read(ctx, func(fb apns.Feedback) {
		if m.journal != nil {
			err := m.journal.SaveStaleDevice(&journal.StaleDevice{
				Token:      fb.Token,
				When:       fb.When,
				RecordedAt: time.Now(),
			})
			if err != nil {
				m.log.Error("journal stale device", "error", err)
			}
		}
		if handler != nil {
			handler(fb)
		}
	})
}

// Stop shuts the engine down: no new sends, drain until timeout, then
// abandon. The returned notifications were never written to any
// connection.
func (m *Manager) Stop(timeout time.Duration) ([]*apns.Notification, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrAlreadyStopped
	}
	m.stopped = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	unsent, err := m.backend.Stop(ctx)
	metrics.SetQueueDepth(0)

	if m.journal != nil {
		if jerr := m.journal.Close(); jerr != nil {
			m.log.Error("close journal", "error", jerr)
		}
	}

	m.log.Info("engine stopped", "unsent", len(unsent))
	return unsent, err
}

// Stats is a point-in-time snapshot for the ops API.
type Stats struct {
	Running        bool      `json:"running"`
	Environment    string    `json:"environment"`
	Gateway        string    `json:"gateway"`
	Connections    int       `json:"connections"`
	QueueDepth     int       `json:"queue_depth"`
	Inflight       int       `json:"inflight"`
	JournalEnabled bool      `json:"journal_enabled"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// Stats reports the engine state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	running := m.started && !m.stopped
	startedAt := m.startedAt
	m.mu.Unlock()

	return Stats{
		Running:        running,
		Environment:    m.config.Environment,
		Gateway:        m.config.GatewayEndpoint(),
		Connections:    m.config.Backend.Connections,
		QueueDepth:     m.queue.Len(),
		Inflight:       m.queue.Inflight(),
		JournalEnabled: m.journal != nil,
		StartedAt:      startedAt,
	}
}

// Journal exposes the journal store, nil when disabled.
func (m *Manager) Journal() journal.Store {
	return m.journal
}

// onFailure journals and forwards permanent delivery failures.
func (m *Manager) onFailure(e *apns.Error) {
	if m.journal != nil && e.Notification != nil {
		var messageID string
		if e.Notification.Message != nil {
			messageID = e.Notification.Message.ID
		}
		err := m.journal.SaveFailure(&journal.Failure{
			MessageID: messageID,
			Token:     e.Notification.TokenString(),
			Status:    uint8(e.Status),
			Reason:    e.Status.String(),
			At:        time.Now(),
		})
		if err != nil {
			m.log.Error("journal failure", "error", err)
		}
	}
	if m.userHandler != nil {
		m.userHandler(e)
	}
}

// nextIdent hands out correlation identifiers from a wrapping counter.
func (m *Manager) nextIdent() uint32 {
	return m.ident.Add(1)
}
