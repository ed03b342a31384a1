// Package conn implements the gateway connection state machine: a
// send duty pulling notifications from the shared queue and a read
// duty waiting for out-of-band error frames, concurrently live on one
// TLS connection. On any error the connection determines the replay
// set from its window, hands it back to the queue ahead of fresh work
// and dies; the backend reconnects.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/commatea/APNS-Bridge/pkg/metrics"
	"github.com/commatea/APNS-Bridge/pkg/queue"
	"github.com/commatea/APNS-Bridge/pkg/replay"
	"github.com/commatea/APNS-Bridge/pkg/transport"
)

// DefaultGrace is how long a full replay window pauses sending while
// waiting for a late error frame before presuming delivery.
const DefaultGrace = 2 * time.Second

// ErrConnectionClosed reports that the gateway closed the connection
// without a readable error frame. Transient: the entire window has
// been re-queued.
var ErrConnectionClosed = errors.New("connection closed by gateway")

// ErrorHandler receives permanent delivery failures. It is invoked
// from a connection goroutine, never the caller's.
type ErrorHandler func(*apns.Error)

// Config holds per-connection tuning.
type Config struct {
	// WindowLimit bounds the replay window. Zero selects the default.
	WindowLimit int `yaml:"window_limit" json:"window_limit"`

	// Grace is the forced-drain pause when the window fills. Zero
	// selects DefaultGrace.
	Grace time.Duration `yaml:"grace" json:"grace"`
}

// Conn drives one connection incarnation. Create a fresh Conn per
// dial; the window never survives a reconnect.
type Conn struct {
	transport transport.Conn
	queue     *queue.Queue
	window    *replay.Window
	handler   ErrorHandler
	grace     time.Duration
	log       *logger.Logger
}

// New builds a connection state machine around an established
// transport connection.
func New(tc transport.Conn, q *queue.Queue, config Config, handler ErrorHandler, log *logger.Logger) *Conn {
	grace := config.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	if handler == nil {
		handler = func(*apns.Error) {}
	}
	if log == nil {
		log = logger.Global()
	}

	return &Conn{
		transport: tc,
		queue:     q,
		window:    replay.New(config.WindowLimit),
		handler:   handler,
		grace:     grace,
		log:       log.WithComponent("conn"),
	}
}

type readResult struct {
	status apns.Status
	ident  uint32
	err    error
}

// Run blocks until the connection dies or ctx is cancelled. A nil
// return means ctx was cancelled; any other return is a transient
// condition already handled by replay, reported only so the backend
// can log and back off.
func (c *Conn) Run(ctx context.Context) error {
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	results := make(chan readResult, 1)
	go c.readLoop(results)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sendLoop(sendCtx)
	}()

	select {
	case <-ctx.Done():
		// Engine shutdown. Everything in the window was written and is
		// presumed delivered; in-flight dequeues unwind via sendCtx.
		cancelSend()
		c.transport.Close()
		wg.Wait()
		c.window.Clear()
		return nil

	case res := <-results:
		cancelSend()
		c.transport.Close()
		wg.Wait()
		return c.resolve(res)
	}
}

// readLoop is the read duty: the gateway sends nothing unsolicited
// except 6-byte error frames, so it blocks on exactly one of those or
// on the socket closing.
func (c *Conn) readLoop(results chan<- readResult) {
	buf := make([]byte, apns.ErrorFrameSize)
	if _, err := io.ReadFull(c.transport, buf); err != nil {
		results <- readResult{err: err}
		return
	}

	status, ident, err := apns.DecodeError(buf)
	if err != nil {
		// Malformed frame: connection-fatal, same recovery as a close
		// with no readable frame.
		c.log.Warn("discarding malformed error frame", "error", err)
		results <- readResult{err: err}
		return
	}

	results <- readResult{status: status, ident: ident}
}

// sendLoop is the send duty: dequeue, encode, write, record in the
// window. It exits when the socket dies or ctx is cancelled.
func (c *Conn) sendLoop(ctx context.Context) {
	for {
		n, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}

		frame, err := apns.EncodeNotification(n)
		if err != nil {
			// Notifications are validated at submission; anything
			// rejected here is unsendable and must not be retried. It
			// still counts as a permanent failure, so the handler hears
			// about it.
			status := localFailureStatus(err)
			c.log.Error("dropping unencodable notification",
				"identifier", n.Identifier, "error", err)
			metrics.IncFailed(status.String())
			c.handler(&apns.Error{Status: status, Notification: n})
			c.queue.Done()
			continue
		}

		if c.window.Len() >= c.window.Limit() {
			if !c.forceDrain(ctx) {
				c.queue.Requeue([]*apns.Notification{n})
				c.queue.Done()
				return
			}
		}

		if _, err := c.transport.Write(frame); err != nil {
			// Socket is dead. Hand the unsent notification back; the
			// read duty notices the close and replays the window.
			c.queue.Requeue([]*apns.Notification{n})
			c.queue.Done()
			return
		}

		c.window.Add(n)
		c.queue.Done()
		metrics.NotificationsSent.Inc()
	}
}

// forceDrain pauses sending for the grace period so a late error frame
// for an already-written notification can still arrive, then presumes
// the window delivered and clears it. Returns false when ctx ended
// during the pause.
func (c *Conn) forceDrain(ctx context.Context) bool {
	c.log.Debug("replay window full, pausing sends", "window", c.window.Len())

	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	c.window.Clear()
	return true
}

// resolve turns the read duty's outcome into replay work and an
// optional permanent-failure report.
func (c *Conn) resolve(res readResult) error {
	if res.err != nil {
		// Closed with no readable error frame: every outcome in the
		// window is unknown, so everything replays and nothing is
		// reported as failed.
		set := c.window.TakeAll()
		c.requeue(set)
		c.log.Info("connection closed without error frame",
			"replaying", len(set), "cause", res.err)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, res.err)
	}

	failed, after, found := c.window.Resolve(res.ident)

	switch {
	case !found:
		// The frame names an identifier we no longer hold (trimmed, or
		// from a prior incarnation). Conservative recovery: replay the
		// whole retained window, surface the status without a
		// notification attached.
		c.requeue(after)
		c.log.Warn("error frame for untracked identifier",
			"identifier", res.ident, "status", res.status.String(),
			"replaying", len(after))

	case res.status.Transient():
		// Gateway shutdown: the frame names the last notification the
		// gateway processed. It and everything before it are confirmed;
		// only what came after replays. Nobody failed.
		c.requeue(after)
		c.log.Info("gateway shutting down",
			"identifier", res.ident, "replaying", len(after))

	default:
		// The named notification failed permanently; everything after
		// it is undefined and replays, everything before it was
		// processed cleanly.
		c.requeue(after)
		metrics.IncFailed(res.status.String())
		c.handler(&apns.Error{Status: res.status, Notification: failed})
		c.log.Info("gateway rejected notification",
			"identifier", res.ident, "status", res.status.String(),
			"replaying", len(after))
	}

	return fmt.Errorf("gateway error: %s (identifier %d)", res.status, res.ident)
}

// localFailureStatus maps an encode failure onto the status the
// gateway would have returned for the same defect.
func localFailureStatus(err error) apns.Status {
	switch {
	case errors.Is(err, apns.ErrTokenEmpty):
		return apns.StatusMissingToken
	case errors.Is(err, apns.ErrTokenTooLarge):
		return apns.StatusInvalidTokenSize
	case errors.Is(err, apns.ErrPayloadEmpty):
		return apns.StatusMissingPayload
	case errors.Is(err, apns.ErrPayloadTooLarge), errors.Is(err, apns.ErrFrameTooLarge):
		return apns.StatusInvalidPayloadSize
	default:
		return apns.StatusUnknown
	}
}

func (c *Conn) requeue(ns []*apns.Notification) {
	if len(ns) == 0 {
		return
	}
	c.queue.Requeue(ns)
	metrics.AddReplayed(len(ns))
}
