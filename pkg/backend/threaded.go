package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/conn"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/commatea/APNS-Bridge/pkg/metrics"
	"github.com/commatea/APNS-Bridge/pkg/queue"
)

// ErrAlreadyStarted is returned by Start on a running backend.
var ErrAlreadyStarted = errors.New("backend already started")

// Threaded is the reference backend: one goroutine per configured
// connection, each blocking on network I/O independently and
// reconnecting with exponential backoff. It is the compliance
// reference for the Backend contract.
type Threaded struct {
	config  Config
	queue   *queue.Queue
	dialer  Dialer
	handler conn.ErrorHandler
	log     *logger.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewThreaded builds the reference backend. handler receives permanent
// delivery failures on a worker goroutine.
func NewThreaded(config Config, q *queue.Queue, dialer Dialer, handler conn.ErrorHandler, log *logger.Logger) *Threaded {
	if config.Connections <= 0 {
		config.Connections = 1
	}
	if config.Reconnect.InitialDelay <= 0 {
		config.Reconnect = DefaultReconnectPolicy()
	}
	if log == nil {
		log = logger.Global()
	}

	return &Threaded{
		config:  config,
		queue:   q,
		dialer:  dialer,
		handler: handler,
		log:     log.WithComponent("backend"),
	}
}

// Start brings up the connection workers.
func (t *Threaded) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.started = true

	for i := 0; i < t.config.Connections; i++ {
		t.wg.Add(1)
		go t.worker(ctx, i)
	}

	t.log.Info("backend started", "connections", t.config.Connections)
	return nil
}

// worker holds one gateway connection at a time, dialing lazily when
// work appears and backing off on transient failures.
func (t *Threaded) worker(ctx context.Context, id int) {
	defer t.wg.Done()

	log := t.log.With("worker", id)
	var delay time.Duration
	var connectedBefore bool

	for ctx.Err() == nil {
		if !t.queue.WaitPending(ctx) {
			return
		}

		if connectedBefore {
			metrics.Reconnects.Inc()
		}
		tc, err := t.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay = t.config.Reconnect.next(delay)
			log.Warn("gateway dial failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		delay = 0
		connectedBefore = true

		metrics.ConnectedWorkers.Inc()
		log.Debug("gateway connection established")

		c := conn.New(tc, t.queue, t.config.Conn, t.handler, t.log)
		runErr := c.Run(ctx)
		metrics.ConnectedWorkers.Dec()

		if runErr != nil {
			// Transient by definition: replay is already queued. A
			// brief pause avoids hammering a gateway that is closing
			// connections as fast as we open them.
			log.Info("gateway connection ended", "cause", runErr)
			if !sleep(ctx, t.config.Reconnect.InitialDelay) {
				return
			}
		}
	}
}

// Stop drains gracefully until ctx expires, then abandons in-flight
// connections. The returned notifications were never written to any
// connection.
func (t *Threaded) Stop(ctx context.Context) ([]*apns.Notification, error) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil, nil
	}
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()

	// No new work; queued items remain consumable.
	t.queue.Close()

	drained := make(chan struct{})
	go func() {
		t.queue.Drain()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	t.wg.Wait()

	unsent := t.queue.TakeAll()
	if len(unsent) > 0 {
		t.log.Warn("abandoning unsent notifications", "count", len(unsent))
	}

	t.log.Info("backend stopped")
	return unsent, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
