// Package feedback retrieves the stale-device feed from the feedback
// service. One connection, read until the service closes the stream,
// one callback per record. It shares nothing with the notification
// path beyond credentials.
package feedback

import (
	"context"
	"fmt"
	"io"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/commatea/APNS-Bridge/pkg/metrics"
	"github.com/commatea/APNS-Bridge/pkg/transport"
)

// Dialer opens feedback service connections.
type Dialer interface {
	Dial(ctx context.Context) (transport.Conn, error)
}

// Handler receives one feedback record. It runs on the reader's
// goroutine; a slow handler slows the read, nothing more.
type Handler func(apns.Feedback)

// Reader drains the feedback service once per Read call.
type Reader struct {
	dialer Dialer
	log    *logger.Logger
}

// New builds a Reader.
func New(dialer Dialer, log *logger.Logger) *Reader {
	if log == nil {
		log = logger.Global()
	}
	return &Reader{
		dialer: dialer,
		log:    log.WithComponent("feedback"),
	}
}

// Read connects, streams records to handler in stream order until the
// service closes the connection, and returns. An empty feed is a
// normal outcome, not an error.
func (r *Reader) Read(ctx context.Context, handler Handler) error {
	tc, err := r.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect feedback service: %w", err)
	}
	defer tc.Close()

	stop := context.AfterFunc(ctx, func() { tc.Close() })
	defer stop()

	var (
		buf   []byte
		chunk = make([]byte, 4096)
		count int
	)

	for {
		n, err := tc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				fb, rest := apns.ParseFeedback(buf)
				if fb == nil {
					break
				}
				buf = rest
				count++
				metrics.FeedbackTuples.Inc()
				handler(*fb)
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				return fmt.Errorf("read feedback stream: %w", err)
			}
			break
		}
	}

	if len(buf) > 0 {
		r.log.Warn("feedback stream ended mid-record", "trailing_bytes", len(buf))
	}

	r.log.Info("feedback feed drained", "records", count)
	return ctx.Err()
}
