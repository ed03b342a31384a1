package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/backend"
	"github.com/commatea/APNS-Bridge/pkg/journal"
	"github.com/commatea/APNS-Bridge/pkg/transport"
)

// fakeGateway accepts frames and can push back scripted error frames.
type fakeGateway struct {
	mu     sync.Mutex
	frames [][]byte

	readCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	onWrite func(g *fakeGateway, count int)
}

func newFakeGateway(onWrite func(g *fakeGateway, count int)) *fakeGateway {
	return &fakeGateway{
		readCh:  make(chan []byte, 1),
		closed:  make(chan struct{}),
		onWrite: onWrite,
	}
}

func (g *fakeGateway) Read(p []byte) (int, error) {
	select {
	case buf := <-g.readCh:
		return copy(p, buf), nil
	case <-g.closed:
		return 0, io.EOF
	}
}

func (g *fakeGateway) Write(p []byte) (int, error) {
	g.mu.Lock()
	g.frames = append(g.frames, append([]byte(nil), p...))
	count := len(g.frames)
	cb := g.onWrite
	g.mu.Unlock()

	if cb != nil {
		cb(g, count)
	}
	return len(p), nil
}

func (g *fakeGateway) Close() error {
	g.closeOnce.Do(func() { close(g.closed) })
	return nil
}

func (g *fakeGateway) SetReadDeadline(time.Time) error { return nil }

func (g *fakeGateway) reject(status apns.Status, ident uint32) {
	buf := make([]byte, apns.ErrorFrameSize)
	buf[0] = 8
	buf[1] = byte(status)
	binary.BigEndian.PutUint32(buf[2:6], ident)
	g.readCh <- buf
}

func (g *fakeGateway) frameCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.frames)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeGateway
	fail  bool
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fail {
		return nil, errors.New("refused")
	}
	i := d.calls
	d.calls++
	if i < len(d.conns) {
		return d.conns[i], nil
	}
	return nil, errors.New("no more scripted connections")
}

// memoryJournal is an in-memory journal.Store.
type memoryJournal struct {
	mu       sync.Mutex
	failures []*journal.Failure
	stale    []*journal.StaleDevice
}

func (j *memoryJournal) SaveFailure(f *journal.Failure) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failures = append(j.failures, f)
	return nil
}

func (j *memoryJournal) SaveStaleDevice(d *journal.StaleDevice) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stale = append(j.stale, d)
	return nil
}

func (j *memoryJournal) Failures(int) ([]*journal.Failure, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failures, nil
}

func (j *memoryJournal) StaleDevices(int) ([]*journal.StaleDevice, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stale, nil
}

func (j *memoryJournal) Close() error { return nil }

func testEngineConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Backend.Reconnect = backend.ReconnectPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
	return cfg
}

func newTestMessage(t *testing.T, tokens ...string) *apns.Message {
	t.Helper()
	msg, err := apns.NewApsMessage(tokens, apns.Aps{Alert: "hi"}, nil, time.Time{}, apns.PriorityImmediate)
	if err != nil {
		t.Fatalf("NewApsMessage() error = %v", err)
	}
	return msg
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

func TestSendExpandsPerToken(t *testing.T) {
	gw := newFakeGateway(nil)
	m, err := New(testEngineConfig(), WithGatewayDialer(&fakeDialer{conns: []*fakeGateway{gw}}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	n, err := m.Send(newTestMessage(t, "ab01", "cd02", "ef03"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Send() queued %d notifications, want 3", n)
	}

	m.Flush()

	if got := gw.frameCount(); got != 3 {
		t.Errorf("after Flush, %d frames written, want 3", got)
	}

	if _, err := m.Stop(time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestPermanentFailureReachesHandlerAndJournal(t *testing.T) {
	first := newFakeGateway(func(g *fakeGateway, count int) {
		if count == 2 {
			g.reject(apns.StatusInvalidToken, 2)
		}
	})
	second := newFakeGateway(nil)
	j := &memoryJournal{}

	var mu sync.Mutex
	var failures []*apns.Error

	m, err := New(testEngineConfig(),
		WithGatewayDialer(&fakeDialer{conns: []*fakeGateway{first, second}}),
		WithJournal(j),
		WithErrorHandler(func(e *apns.Error) {
			mu.Lock()
			failures = append(failures, e)
			mu.Unlock()
		}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	msg := newTestMessage(t, "ab01", "cd02")
	if _, err := m.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	waitFor(t, "failure callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	})

	mu.Lock()
	if failures[0].Status != apns.StatusInvalidToken || failures[0].Notification.Identifier != 2 {
		t.Errorf("failure = %+v, want InvalidToken for identifier 2", failures[0])
	}
	mu.Unlock()

	waitFor(t, "journaled failure", func() bool {
		rows, _ := j.Failures(10)
		return len(rows) == 1
	})
	rows, _ := j.Failures(10)
	if rows[0].Token != "cd02" || rows[0].Status != 8 || rows[0].MessageID != msg.ID {
		t.Errorf("journaled failure = %+v, want token cd02 status 8 message %s", rows[0], msg.ID)
	}

	m.Stop(time.Second)
}

func TestStopSurfacesUnsent(t *testing.T) {
	m, err := New(testEngineConfig(), WithGatewayDialer(&fakeDialer{fail: true}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := m.Send(newTestMessage(t, "ab01", "cd02")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	unsent, err := m.Stop(50 * time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want DeadlineExceeded", err)
	}
	if len(unsent) != 2 {
		t.Fatalf("Stop() surfaced %d notifications, want 2", len(unsent))
	}

	// Engine is single-use after Stop.
	if err := m.Start(); !errors.Is(err, ErrAlreadyStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrAlreadyStopped", err)
	}
	if _, err := m.Stop(time.Second); !errors.Is(err, ErrAlreadyStopped) {
		t.Errorf("second Stop() error = %v, want ErrAlreadyStopped", err)
	}
}

// feedbackStream serves a fixed feedback byte stream, then EOF.
type feedbackStream struct {
	data []byte
}

func (s *feedbackStream) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *feedbackStream) Write(p []byte) (int, error)     { return len(p), nil }
func (s *feedbackStream) Close() error                    { return nil }
func (s *feedbackStream) SetReadDeadline(time.Time) error { return nil }

type feedbackDialer struct {
	conn *feedbackStream
}

func (d *feedbackDialer) Dial(ctx context.Context) (transport.Conn, error) {
	return d.conn, nil
}

func TestFeedbackJournalsStaleDevices(t *testing.T) {
	token := bytes.Repeat([]byte{0xaa}, 32)
	stream := make([]byte, 6+len(token))
	binary.BigEndian.PutUint32(stream[0:4], 1441065600)
	binary.BigEndian.PutUint16(stream[4:6], uint16(len(token)))
	copy(stream[6:], token)

	j := &memoryJournal{}
	m, err := New(testEngineConfig(),
		WithGatewayDialer(&fakeDialer{fail: true}),
		WithFeedbackDialer(&feedbackDialer{conn: &feedbackStream{data: stream}}),
		WithJournal(j))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var got []apns.Feedback
	if err := m.Feedback(context.Background(), func(fb apns.Feedback) {
		got = append(got, fb)
	}); err != nil {
		t.Fatalf("Feedback() error = %v", err)
	}

	if len(got) != 1 || got[0].Token != hex.EncodeToString(token) {
		t.Fatalf("handler records = %+v, want one for %s", got, hex.EncodeToString(token))
	}

	stale, _ := j.StaleDevices(10)
	if len(stale) != 1 || stale[0].Token != hex.EncodeToString(token) {
		t.Errorf("journaled stale devices = %+v, want one for %s", stale, hex.EncodeToString(token))
	}
	if stale[0].When.Unix() != 1441065600 {
		t.Errorf("stale device when = %d, want 1441065600", stale[0].When.Unix())
	}
}

func TestStatsSnapshot(t *testing.T) {
	gw := newFakeGateway(nil)
	m, err := New(testEngineConfig(), WithGatewayDialer(&fakeDialer{conns: []*fakeGateway{gw}}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if s := m.Stats(); s.Running {
		t.Error("Stats().Running = true before Start")
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s := m.Stats()
	if !s.Running {
		t.Error("Stats().Running = false after Start")
	}
	if s.Environment != apns.EnvironmentSandbox {
		t.Errorf("Stats().Environment = %s, want %s", s.Environment, apns.EnvironmentSandbox)
	}
	if s.Connections != 1 {
		t.Errorf("Stats().Connections = %d, want 1", s.Connections)
	}

	m.Stop(time.Second)
	if s := m.Stats(); s.Running {
		t.Error("Stats().Running = true after Stop")
	}
}
