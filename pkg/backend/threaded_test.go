package backend

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/conn"
	"github.com/commatea/APNS-Bridge/pkg/metrics"
	"github.com/commatea/APNS-Bridge/pkg/queue"
	"github.com/commatea/APNS-Bridge/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// gatewayConn is a scripted in-memory gateway connection.
type gatewayConn struct {
	mu     sync.Mutex
	idents []uint32

	readCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	onWrite func(g *gatewayConn, count int)
}

func newGatewayConn(onWrite func(g *gatewayConn, count int)) *gatewayConn {
	return &gatewayConn{
		readCh:  make(chan []byte, 1),
		closed:  make(chan struct{}),
		onWrite: onWrite,
	}
}

func (g *gatewayConn) Read(p []byte) (int, error) {
	select {
	case buf := <-g.readCh:
		return copy(p, buf), nil
	case <-g.closed:
		return 0, io.EOF
	}
}

func (g *gatewayConn) Write(p []byte) (int, error) {
	select {
	case <-g.closed:
		return 0, errors.New("write on closed connection")
	default:
	}

	g.mu.Lock()
	g.idents = append(g.idents, frameIdent(p))
	count := len(g.idents)
	cb := g.onWrite
	g.mu.Unlock()

	if cb != nil {
		cb(g, count)
	}
	return len(p), nil
}

func (g *gatewayConn) Close() error {
	g.closeOnce.Do(func() { close(g.closed) })
	return nil
}

func (g *gatewayConn) SetReadDeadline(time.Time) error { return nil }

func (g *gatewayConn) reject(status apns.Status, ident uint32) {
	buf := make([]byte, apns.ErrorFrameSize)
	buf[0] = 8
	buf[1] = byte(status)
	binary.BigEndian.PutUint32(buf[2:6], ident)
	g.readCh <- buf
}

func (g *gatewayConn) written() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint32, len(g.idents))
	copy(out, g.idents)
	return out
}

func frameIdent(frame []byte) uint32 {
	rest := frame[5:]
	for len(rest) >= 3 {
		id := rest[0]
		length := int(binary.BigEndian.Uint16(rest[1:3]))
		if id == 3 {
			return binary.BigEndian.Uint32(rest[3 : 3+length])
		}
		rest = rest[3+length:]
	}
	return 0
}

// scriptedDialer hands out one scripted connection per Dial call.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*gatewayConn
	errs  []error
	calls int
}

func (d *scriptedDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.conns) {
		return d.conns[i], nil
	}
	return nil, errors.New("no more scripted connections")
}

func enqueueNotes(t *testing.T, q *queue.Queue, idents ...uint32) {
	t.Helper()
	for _, i := range idents {
		err := q.Enqueue(&apns.Notification{
			Identifier: i,
			Token:      []byte{0xab},
			Payload:    []byte(`{"aps":{"alert":"hi"}}`),
			Priority:   apns.PriorityImmediate,
		})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reconnect = ReconnectPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReplayAcrossReconnect(t *testing.T) {
	q := queue.New()
	enqueueNotes(t, q, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	first := newGatewayConn(func(g *gatewayConn, count int) {
		if count == 10 {
			g.reject(apns.StatusInvalidToken, 5)
		}
	})
	second := newGatewayConn(nil)
	dialer := &scriptedDialer{conns: []*gatewayConn{first, second}}

	var mu sync.Mutex
	var failures []*apns.Error
	handler := func(e *apns.Error) {
		mu.Lock()
		failures = append(failures, e)
		mu.Unlock()
	}

	b := NewThreaded(testConfig(), q, dialer, handler, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "replayed frames on the second connection", func() bool {
		return len(second.written()) == 5
	})

	got := second.written()
	want := []uint32{6, 7, 8, 9, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("second connection received %v, want %v", got, want)
		}
	}

	mu.Lock()
	if len(failures) != 1 || failures[0].Status != apns.StatusInvalidToken ||
		failures[0].Notification.Identifier != 5 {
		t.Errorf("failures = %+v, want one InvalidToken for identifier 5", failures)
	}
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := b.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestDialBackoffThenRecovery(t *testing.T) {
	q := queue.New()
	enqueueNotes(t, q, 1, 2)

	gw := newGatewayConn(nil)
	dialer := &scriptedDialer{
		errs:  []error{errors.New("refused"), errors.New("refused")},
		conns: []*gatewayConn{nil, nil, gw},
	}

	b := NewThreaded(testConfig(), q, dialer, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "frames after dial failures", func() bool {
		return len(gw.written()) == 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Stop(ctx)
}

func TestDrainBacksFlushContract(t *testing.T) {
	q := queue.New()
	gw := newGatewayConn(nil)
	dialer := &scriptedDialer{conns: []*gatewayConn{gw}}

	b := NewThreaded(testConfig(), q, dialer, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	enqueueNotes(t, q, 1, 2, 3, 4, 5)
	q.Drain()

	// Drain returning means every notification was written.
	if got := len(gw.written()); got != 5 {
		t.Errorf("after Drain, %d frames written, want 5", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Stop(ctx)
}

func TestStopSurfacesUnsentNotifications(t *testing.T) {
	q := queue.New()
	dialer := &scriptedDialer{} // every dial fails

	b := NewThreaded(testConfig(), q, dialer, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	enqueueNotes(t, q, 1, 2, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	unsent, err := b.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}
	if len(unsent) != 3 {
		t.Fatalf("Stop() surfaced %d notifications, want 3", len(unsent))
	}
	for i, n := range unsent {
		if n.Identifier != uint32(i+1) {
			t.Errorf("unsent[%d] = %d, want %d", i, n.Identifier, i+1)
		}
	}
}

func TestReconnectMetricSkipsFirstConnect(t *testing.T) {
	before := testutil.ToFloat64(metrics.Reconnects)

	q := queue.New()
	enqueueNotes(t, q, 1, 2)

	// Shutdown naming ident 1 leaves 2 to replay, forcing a redial.
	first := newGatewayConn(func(g *gatewayConn, count int) {
		if count == 2 {
			g.reject(apns.StatusShutdown, 1)
		}
	})
	second := newGatewayConn(nil)
	dialer := &scriptedDialer{
		errs:  []error{errors.New("refused")},
		conns: []*gatewayConn{nil, first, second},
	}

	b := NewThreaded(testConfig(), q, dialer, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "replay on the second connection", func() bool {
		return len(second.written()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Stop(ctx)

	// The failed dial and the first successful connect are not
	// reconnects; only the redial after the shutdown counts.
	if got := testutil.ToFloat64(metrics.Reconnects) - before; got != 1 {
		t.Errorf("reconnects counter advanced by %v, want 1", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	q := queue.New()
	b := NewThreaded(testConfig(), q, &scriptedDialer{}, nil, nil)

	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Stop(ctx)
}

var _ Backend = (*Threaded)(nil)
var _ conn.ErrorHandler = func(*apns.Error) {}
