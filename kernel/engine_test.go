package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jupyter-go/kernel-client/protocol"
	"github.com/jupyter-go/kernel-client/registry"
	"github.com/jupyter-go/kernel-client/transport"
	"github.com/jupyter-go/kernel-client/wire"
)

// --- fakes shared across engine tests ---

type fakeConn struct {
	mu     sync.Mutex
	inbox  chan wireMsg
	writes [][]byte
	closed bool
}

type wireMsg struct {
	msgType int
	data    []byte
}

func newFakeConn() *fakeConn { return &fakeConn{inbox: make(chan wireMsg, 64)} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	m, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return m.msgType, m.data, nil
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
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

func (c *fakeConn) pushText(msg *protocol.Message) {
	data, _, _ := wire.Encode(msg)
	c.inbox <- wireMsg{websocket.TextMessage, data}
}

func (c *fakeConn) lastWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte{}, c.writes...)
}

type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	calls int
}

func (d *scriptedDialer) Dial(ctx context.Context, urlStr string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	ci := i
	if ci >= len(d.conns) {
		ci = len(d.conns) - 1
	}
	return d.conns[ci], nil
}

type fakeRESTClient struct {
	interruptCalls int
	restartCalls   int
	deleteCalls    int
}

func (f *fakeRESTClient) InterruptKernel(ctx context.Context, id string) error {
	f.interruptCalls++
	return nil
}

func (f *fakeRESTClient) RestartKernel(ctx context.Context, id string) (protocol.KernelModel, error) {
	f.restartCalls++
	return protocol.KernelModel{ID: id}, nil
}

func (f *fakeRESTClient) DeleteKernel(ctx context.Context, id string) error {
	f.deleteCalls++
	return nil
}

func (f *fakeRESTClient) GetKernelSpecs(ctx context.Context) (protocol.SpecsBundle, error) {
	return protocol.SpecsBundle{Default: "python3", KernelSpecs: map[string]protocol.KernelSpec{
		"python3": {Name: "python3", DisplayName: "Python 3"},
	}}, nil
}

// newTestEngine wires an Engine to a fakeConn via a scriptedDialer, exposed
// through a package-level seam since transport.New is normally called
// inside New(); tests instead build the socket directly and swap it in.
func newTestEngine(t *testing.T, conn *fakeConn) (*Engine, *fakeRESTClient) {
	t.Helper()
	rest := &fakeRESTClient{}
	e := New("ws://example", "k1", "python3", "alice", rest, WithClientID("client-1"))
	dialer := &scriptedDialer{conns: []*fakeConn{conn}}
	e.socket = transport.New("ws://example/api/kernels/k1/channels?session_id=client-1", transport.WithDialer(dialer))
	e.socket.OnMessage = e.onFrame
	e.socket.OnStateChange = e.onSocketStateChange
	e.socket.OnTerminal = e.onSocketTerminal
	return e, rest
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestEngine_ExecuteHappyPath(t *testing.T) {
	conn := newFakeConn()
	e, _ := newTestEngine(t, conn)
	e.Start(context.Background())

	// Decode the queued kernel_info_request to learn its msg_id is irrelevant
	// here; what matters is that the server's iopub status triggers a flush.
	conn.pushText(statusIOPub("", "starting"))

	waitFor(t, time.Second, func() bool { return len(conn.lastWrites()) > 0 })

	waitFor(t, time.Second, func() bool { return len(conn.lastWrites()) >= 1 })

	writes := conn.lastWrites()
	sent, err := wire.Decode(writes[len(writes)-1], false)
	if err != nil {
		t.Fatalf("decode flushed frame: %v", err)
	}
	if sent.Header.MsgType != "kernel_info_request" {
		t.Fatalf("expected kernel_info_request to be flushed on first status, got %q", sent.Header.MsgType)
	}

	f, err := e.Execute(context.Background(), "1+1", true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var replyContent protocol.ExecuteReply
	var doneFired bool
	f.OnReply(func(msg *protocol.Message) { json.Unmarshal(msg.Content, &replyContent) })
	f.OnDone(func() { doneFired = true })

	conn.pushText(statusIOPub(f.MsgID(), "busy"))
	conn.pushText(executeInputIOPub(f.MsgID()))
	conn.pushText(executeResultIOPub(f.MsgID()))
	conn.pushText(executeReplyShell(f.MsgID()))
	conn.pushText(statusIOPub(f.MsgID(), "idle"))

	waitFor(t, time.Second, func() bool { return doneFired })
	if replyContent.Status != "ok" || replyContent.ExecutionCount != 1 {
		t.Fatalf("unexpected reply content: %+v", replyContent)
	}
}

func TestEngine_OutOfOrderIdleBeforeReply(t *testing.T) {
	conn := newFakeConn()
	e, _ := newTestEngine(t, conn)
	e.Start(context.Background())
	conn.pushText(statusIOPub("", "starting"))
	waitFor(t, time.Second, func() bool { return len(conn.lastWrites()) > 0 })

	f, err := e.Execute(context.Background(), "1+1", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var doneFired, replyFired bool
	f.OnReply(func(*protocol.Message) { replyFired = true })
	f.OnDone(func() { doneFired = true })

	conn.pushText(statusIOPub(f.MsgID(), "idle"))
	time.Sleep(20 * time.Millisecond)
	if doneFired {
		t.Fatal("onDone must not fire before the reply arrives, even though idle already did (S2)")
	}

	conn.pushText(executeReplyShell(f.MsgID()))
	waitFor(t, time.Second, func() bool { return doneFired })
	if !replyFired {
		t.Fatal("expected onReply to have fired")
	}
}

func TestEngine_ReconnectExhaustion_MarksDeadAndRejectsFutures(t *testing.T) {
	conn := newFakeConn()
	rest := &fakeRESTClient{}
	e := New("ws://example", "k1", "python3", "alice", rest, WithClientID("client-1"), WithReconnectLimit(1))
	dialer := &scriptedDialer{conns: []*fakeConn{conn}, errs: []error{nil, errors.New("boom"), errors.New("boom")}}
	e.socket = transport.New("ws://example/api/kernels/k1/channels?session_id=client-1",
		transport.WithDialer(dialer), transport.WithReconnectLimit(1))
	e.socket.OnMessage = e.onFrame
	e.socket.OnStateChange = e.onSocketStateChange
	e.socket.OnTerminal = e.onSocketTerminal

	e.Start(context.Background())
	conn.pushText(statusIOPub("", "starting"))
	waitFor(t, time.Second, func() bool { return len(conn.lastWrites()) > 0 })

	conn.Close() // triggers readPump error -> reconnect attempts -> exhaustion

	waitFor(t, 5*time.Second, func() bool { return e.Status() == protocol.StatusDead })
}

func TestEngine_SendShellMessage_ErrorsWhenDead(t *testing.T) {
	conn := newFakeConn()
	e, _ := newTestEngine(t, conn)
	e.setStatus(protocol.StatusDead)

	if _, err := e.SendShellMessage(context.Background(), "kernel_info_request", struct{}{}, true, true); !errors.Is(err, ErrKernelDead) {
		t.Fatalf("expected ErrKernelDead, got %v", err)
	}
}

// TestEngine_ShutdownIsIdempotent covers S5: concurrent Shutdown callers both
// observe success. The engine's own dedup only short-circuits a caller that
// arrives after disposal is already flagged; a true race can still issue two
// DELETEs, which is why restclient.DeleteSession treats 404 as success. What
// must hold regardless is that Dispose() itself never double-runs.
func TestEngine_ShutdownIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	e, _ := newTestEngine(t, conn)
	e.Start(context.Background())
	conn.pushText(statusIOPub("", "starting"))
	waitFor(t, time.Second, func() bool { return len(conn.lastWrites()) > 0 })

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("expected both shutdowns to succeed, got %v, %v", errs[0], errs[1])
	}
	if !e.disposed {
		t.Fatal("expected engine to be disposed after shutdown")
	}
}

func TestEngine_NonDisposingFuture_StaysRegisteredAfterDone(t *testing.T) {
	conn := newFakeConn()
	e, _ := newTestEngine(t, conn)
	e.Start(context.Background())
	conn.pushText(statusIOPub("", "starting"))
	waitFor(t, time.Second, func() bool { return len(conn.lastWrites()) > 0 })

	f, err := e.Execute(context.Background(), "1+1", false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	var doneFired bool
	var lateMsgDelivered bool
	f.OnDone(func() { doneFired = true })

	conn.pushText(executeReplyShell(f.MsgID()))
	conn.pushText(statusIOPub(f.MsgID(), "idle"))
	waitFor(t, time.Second, func() bool { return doneFired })

	// A disposeOnDone=false Future must stay in the registry after onDone
	// fires, per §3 — only an explicit Dispose() (or disposeOnDone) evicts it.
	f.OnIOPub(func(*protocol.Message) { lateMsgDelivered = true })
	conn.pushText(executeResultIOPub(f.MsgID()))
	waitFor(t, time.Second, func() bool { return lateMsgDelivered })

	if f.isDisposed() {
		t.Fatal("expected future created with disposeOnDone=false to remain undisposed")
	}
}

func TestEngine_RegistersAndUnregistersWithRunningKernelsTable(t *testing.T) {
	conn := newFakeConn()
	rest := &fakeRESTClient{}
	reg := registry.NewMemory()
	e := New("ws://example", "k1", "python3", "alice", rest, WithClientID("client-1"), WithRegistry(reg))
	dialer := &scriptedDialer{conns: []*fakeConn{conn}}
	e.socket = transport.New("ws://example/api/kernels/k1/channels?session_id=client-1", transport.WithDialer(dialer))
	e.socket.OnMessage = e.onFrame
	e.socket.OnStateChange = e.onSocketStateChange
	e.socket.OnTerminal = e.onSocketTerminal

	entry, ok, err := reg.Lookup(context.Background(), "k1")
	if err != nil || !ok || entry.OwnerID != "client-1" {
		t.Fatalf("expected New to register k1 owned by client-1, got entry=%+v ok=%v err=%v", entry, ok, err)
	}

	e.Dispose()

	if _, ok, _ := reg.Lookup(context.Background(), "k1"); ok {
		t.Fatal("expected Dispose to unregister k1")
	}
}

// --- iopub message builders ---

func statusIOPub(parentID, state string) *protocol.Message {
	content, _ := json.Marshal(protocol.StatusContent{ExecutionState: state})
	return &protocol.Message{
		Header:       protocol.Header{MsgID: "srv-1", MsgType: "status", Session: "client-1", Username: "kernel", Version: protocol.ProtocolVersion},
		ParentHeader: protocol.Header{MsgID: parentID},
		Channel:      protocol.ChannelIOPub,
		Content:      content,
	}
}

func executeInputIOPub(parentID string) *protocol.Message {
	content, _ := json.Marshal(map[string]any{"code": "1+1", "execution_count": 1})
	return &protocol.Message{
		Header:       protocol.Header{MsgID: "srv-2", MsgType: "execute_input", Session: "client-1", Username: "kernel", Version: protocol.ProtocolVersion},
		ParentHeader: protocol.Header{MsgID: parentID},
		Channel:      protocol.ChannelIOPub,
		Content:      content,
	}
}

func executeResultIOPub(parentID string) *protocol.Message {
	content, _ := json.Marshal(map[string]any{"execution_count": 1, "data": map[string]any{"text/plain": "2"}})
	return &protocol.Message{
		Header:       protocol.Header{MsgID: "srv-3", MsgType: "execute_result", Session: "client-1", Username: "kernel", Version: protocol.ProtocolVersion},
		ParentHeader: protocol.Header{MsgID: parentID},
		Channel:      protocol.ChannelIOPub,
		Content:      content,
	}
}

func executeReplyShell(parentID string) *protocol.Message {
	content, _ := json.Marshal(protocol.ExecuteReply{Status: "ok", ExecutionCount: 1})
	return &protocol.Message{
		Header:       protocol.Header{MsgID: "srv-4", MsgType: "execute_reply", Session: "client-1", Username: "kernel", Version: protocol.ProtocolVersion},
		ParentHeader: protocol.Header{MsgID: parentID},
		Channel:      protocol.ChannelShell,
		Content:      content,
	}
}
