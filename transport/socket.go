// Package transport implements the Managed Socket (component 4.C): a
// reconnecting WebSocket with a Closed/Connecting/Open/Reconnecting
// lifecycle, a FIFO send queue for
// outages, and bounded exponential backoff. It knows nothing about Jupyter
// message semantics — that's package kernel's job; this package only moves
// framed bytes over a socket that keeps trying to exist.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the Managed Socket's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrReconnectExhausted is returned (via the OnTerminal callback, not as a
// call-site error) once the reconnect budget has been exceeded.
var ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

// Frame is one inbound or outbound message body plus its WebSocket opcode.
type Frame struct {
	Data   []byte
	Binary bool
}

// Conn is the minimal surface ManagedSocket needs from a connected
// WebSocket. *websocket.Conn satisfies it; tests inject a fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a new Conn. The default wraps gorilla/websocket.DefaultDialer;
// it is injectable so tests never touch a real network.
type Dialer interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

type gorillaDialer struct {
	dialer *websocket.Dialer
}

// NewGorillaDialer returns the default production Dialer.
func NewGorillaDialer() Dialer {
	return &gorillaDialer{dialer: websocket.DefaultDialer}
}

func (d *gorillaDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Option configures a ManagedSocket.
type Option func(*ManagedSocket)

// WithDialer overrides the Dialer used to open connections (test seam).
func WithDialer(d Dialer) Option { return func(s *ManagedSocket) { s.dialer = d } }

// WithReconnectLimit overrides the default reconnect budget of 7 attempts.
func WithReconnectLimit(n int) Option { return func(s *ManagedSocket) { s.reconnectLimit = n } }

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *ManagedSocket) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHeader sets request headers (e.g. Authorization) sent on dial.
func WithHeader(h http.Header) Option { return func(s *ManagedSocket) { s.header = h } }

// ManagedSocket is a reconnecting WebSocket client.
//
// Callers register OnMessage/OnStateChange/OnTerminal before calling Start.
// OnMessage runs synchronously on the read-pump goroutine and OnTerminal on
// the connect goroutine; OnStateChange runs on a goroutine of its own for
// each transition. Callers that touch other shared state must synchronize it
// themselves (kernel.Engine guards its state with mutexes).
type ManagedSocket struct {
	urlStr string
	dialer Dialer
	header http.Header
	log    *slog.Logger

	reconnectLimit int

	mu      sync.Mutex
	state   State
	attempt int
	conn    Conn
	queue   [][]byte     // raw wire-ready frames
	binMask map[int]bool // queue index -> frame is binary, see Enqueue/Flush
	closing bool
	stopCh  chan struct{}

	OnMessage     func(Frame)
	OnStateChange func(State)
	OnTerminal    func(error)
}

// New constructs a ManagedSocket for urlStr. Connection is not attempted
// until Start is called.
func New(urlStr string, opts ...Option) *ManagedSocket {
	s := &ManagedSocket{
		urlStr:         urlStr,
		dialer:         NewGorillaDialer(),
		log:            slog.Default(),
		reconnectLimit: 7,
		state:          StateClosed,
		binMask:        make(map[int]bool),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *ManagedSocket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the connect loop. It returns once the first connection
// attempt has been dispatched (not necessarily succeeded); subsequent
// reconnects happen in the background.
func (s *ManagedSocket) Start(ctx context.Context) {
	go s.connectLoop(ctx, 0)
}

// Close tears the socket down permanently; no further reconnects occur.
func (s *ManagedSocket) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	s.setState(StateClosed)
	s.mu.Unlock()

	close(s.stopCh)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Enqueue appends data to the FIFO send queue. It does not attempt delivery
// by itself; callers drain via Flush once the socket is known-writable. This
// matches §4.C: sends always queue, and draining is a distinct, explicit
// step triggered by the kernel engine's connectivity signal (see
// kernel.Engine's status-driven flush, DESIGN.md open-question decision).
func (s *ManagedSocket) Enqueue(data []byte, binary bool) {
	s.mu.Lock()
	idx := len(s.queue)
	s.queue = append(s.queue, data)
	s.binMask[idx] = binary
	s.mu.Unlock()
}

// Flush drains the send queue in FIFO order if the socket is currently Open.
// Each entry is popped only after the underlying write returns successfully,
// so a write failure leaves it (and everything after it) at the head for the
// next Flush call. Flush is a no-op (not an error) when not Open or when the
// queue is empty.
func (s *ManagedSocket) Flush() error {
	for {
		s.mu.Lock()
		if s.state != StateOpen || len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		data := s.queue[0]
		binary := s.binMask[0]
		conn := s.conn
		s.mu.Unlock()

		msgType := websocket.TextMessage
		if binary {
			msgType = websocket.BinaryMessage
		}
		if err := conn.WriteMessage(msgType, data); err != nil {
			return fmt.Errorf("transport: flush write: %w", err)
		}

		s.mu.Lock()
		// Pop index 0 and shift the binary mask accordingly.
		s.queue = s.queue[1:]
		newMask := make(map[int]bool, len(s.queue))
		for i := range s.queue {
			newMask[i] = s.binMask[i+1]
		}
		s.binMask = newMask
		s.mu.Unlock()
	}
}

func (s *ManagedSocket) setState(next State) {
	s.state = next
	cb := s.OnStateChange
	if cb != nil {
		go cb(next)
	}
}

func (s *ManagedSocket) connectLoop(ctx context.Context, attempt int) {
	select {
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.attempt = attempt
	s.setState(StateConnecting)
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.urlStr, s.header)
	if err != nil {
		s.handleDisconnect(ctx, attempt, err)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.attempt = 0
	s.setState(StateOpen)
	s.mu.Unlock()

	s.readPump(ctx, conn)
}

func (s *ManagedSocket) readPump(ctx context.Context, conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(ctx, 0, err)
			return
		}
		if cb := s.OnMessage; cb != nil {
			cb(Frame{Data: data, Binary: msgType == websocket.BinaryMessage})
		}
	}
}

func (s *ManagedSocket) handleDisconnect(ctx context.Context, attempt int, cause error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	if attempt >= s.reconnectLimit {
		s.setState(StateClosed)
		s.closing = true
		s.mu.Unlock()

		s.log.Error("transport: reconnect budget exhausted", slog.Int("attempts", attempt), slog.Any("cause", cause))
		if cb := s.OnTerminal; cb != nil {
			cb(fmt.Errorf("%w (last error: %v)", ErrReconnectExhausted, cause))
		}
		return
	}

	s.setState(StateReconnecting)
	s.mu.Unlock()

	delay := time.Duration(1<<uint(attempt)) * time.Second
	s.log.Warn("transport: connection lost, scheduling reconnect", slog.Duration("delay", delay), slog.Int("attempt", attempt+1), slog.Any("cause", cause))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
		s.connectLoop(ctx, attempt+1)
	}
}
