package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory Conn used to drive ManagedSocket without a real
// network connection.
type fakeConn struct {
	mu       sync.Mutex
	inbox    chan wireMsg
	writes   []wireMsg
	closed   bool
	failNext bool
}

type wireMsg struct {
	msgType int
	data    []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan wireMsg, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	m, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("fake conn closed")
	}
	return m.msgType, m.data, nil
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("simulated write failure")
	}
	c.writes = append(c.writes, wireMsg{msgType, data})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *fakeConn) pushServerMessage(data []byte, binary bool) {
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	c.inbox <- wireMsg{mt, data}
}

// scriptedDialer hands out a sequence of conns/errors, one per Dial call.
type scriptedDialer struct {
	mu    sync.Mutex
	steps []dialStep
	calls int
}

type dialStep struct {
	conn *fakeConn
	err  error
}

func (d *scriptedDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls >= len(d.steps) {
		// repeat last step indefinitely
		step := d.steps[len(d.steps)-1]
		d.calls++
		if step.err != nil {
			return nil, step.err
		}
		return step.conn, nil
	}
	step := d.steps[d.calls]
	d.calls++
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

func waitForState(t *testing.T, s *ManagedSocket, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, s.State())
}

func TestManagedSocket_ConnectsAndFlushesQueue(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{steps: []dialStep{{conn: conn}}}

	s := New("ws://example/kernels/1/channels", WithDialer(dialer))
	s.Enqueue([]byte(`{"hello":1}`), false)
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateOpen, time.Second)

	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(conn.writes))
	}
	if string(conn.writes[0].data) != `{"hello":1}` {
		t.Fatalf("unexpected write payload: %s", conn.writes[0].data)
	}
}

func TestManagedSocket_FailedWriteLeavesMessageQueued(t *testing.T) {
	conn := newFakeConn()
	conn.failNext = true
	dialer := &scriptedDialer{steps: []dialStep{{conn: conn}}}

	s := New("ws://example/kernels/1/channels", WithDialer(dialer))
	s.Enqueue([]byte(`{"a":1}`), false)
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateOpen, time.Second)

	if err := s.Flush(); err == nil {
		t.Fatalf("expected flush error on simulated write failure")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("retry flush should succeed: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.writes) != 1 {
		t.Fatalf("expected exactly 1 successful write after retry, got %d", len(conn.writes))
	}
}

func TestManagedSocket_ReceivesInboundFrames(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{steps: []dialStep{{conn: conn}}}

	received := make(chan Frame, 1)
	s := New("ws://example/kernels/1/channels", WithDialer(dialer))
	s.OnMessage = func(f Frame) { received <- f }
	s.Start(context.Background())
	defer s.Close()

	waitForState(t, s, StateOpen, time.Second)
	conn.pushServerMessage([]byte(`{"msg":"hi"}`), false)

	select {
	case f := <-received:
		if f.Binary || string(f.Data) != `{"msg":"hi"}` {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestManagedSocket_ReconnectsWithBackoffThenExhausts(t *testing.T) {
	dialErr := errors.New("dial failed")
	dialer := &scriptedDialer{steps: []dialStep{
		{err: dialErr}, {err: dialErr}, {err: dialErr}, {err: dialErr},
		{err: dialErr}, {err: dialErr}, {err: dialErr}, {err: dialErr},
	}}

	terminal := make(chan error, 1)
	s := New("ws://example/kernels/1/channels", WithDialer(dialer), WithReconnectLimit(2))
	// Override backoff timing isn't exposed; rely on small reconnect limit to bound test time.
	s.OnTerminal = func(err error) { terminal <- err }
	s.Start(context.Background())
	defer s.Close()

	select {
	case err := <-terminal:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Fatalf("expected ErrReconnectExhausted, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reconnect exhaustion")
	}
	waitForState(t, s, StateClosed, time.Second)
}
