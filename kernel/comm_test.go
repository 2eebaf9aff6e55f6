package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jupyter-go/kernel-client/protocol"
)

type recordingSend struct {
	mu   sync.Mutex
	sent []struct {
		msgType string
		content any
	}
}

func (r *recordingSend) send(msgType string, content any) error {
	r.mu.Lock()
	r.sent = append(r.sent, struct {
		msgType string
		content any
	}{msgType, content})
	r.mu.Unlock()
	return nil
}

func commOpenMsg(commID, targetName, targetModule string) *protocol.Message {
	content, _ := json.Marshal(protocol.CommOpen{CommID: commID, TargetName: targetName, TargetModule: targetModule})
	return &protocol.Message{
		Header:  protocol.Header{MsgID: "m1", MsgType: "comm_open"},
		Channel: protocol.ChannelIOPub,
		Content: content,
	}
}

func commMsgMsg(commID string) *protocol.Message {
	content, _ := json.Marshal(protocol.CommMsg{CommID: commID, Data: map[string]any{"x": 1.0}})
	return &protocol.Message{
		Header:  protocol.Header{MsgID: "m2", MsgType: "comm_msg"},
		Channel: protocol.ChannelIOPub,
		Content: content,
	}
}

func TestCommRegistry_LocalTargetWinsOverModule(t *testing.T) {
	rec := &recordingSend{}
	var opened *Comm
	reg := newCommRegistry(rec.send, nil, slog.Default())
	reg.RegisterTarget("tgt", func(c *Comm, openMsg *protocol.Message) { opened = c })

	reg.HandleOpen(context.Background(), commOpenMsg("c1", "tgt", "some/module"))

	if opened == nil || opened.CommID() != "c1" {
		t.Fatalf("expected local target callback to win, got %+v", opened)
	}
}

type fakeLoader struct {
	cb  TargetCallback
	err error
}

func (l *fakeLoader) LoadTarget(ctx context.Context, module, targetName string) (TargetCallback, error) {
	return l.cb, l.err
}

func TestCommRegistry_ServerInitiated_AsyncTargetModule_QueuesCommMsg(t *testing.T) {
	rec := &recordingSend{}
	var opened *Comm
	var receivedMsg *protocol.Message

	release := make(chan struct{})
	loader := &fakeLoader{}
	loader.cb = func(c *Comm, openMsg *protocol.Message) {
		opened = c
		c.OnMsg(func(msg *protocol.Message) { receivedMsg = msg })
	}

	reg := newCommRegistry(rec.send, slowLoader{loader, release}, slog.Default())
	reg.HandleOpen(context.Background(), commOpenMsg("c1", "tgt", "m"))

	// comm_msg arrives for c1 while the module is still "loading".
	reg.HandleMsg(commMsgMsg("c1"))

	if opened != nil {
		t.Fatal("target should not have resolved yet")
	}

	close(release)

	deadline := time.Now().Add(time.Second)
	for opened == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if opened == nil {
		t.Fatal("timed out waiting for async target resolution")
	}

	deadline = time.Now().Add(time.Second)
	for receivedMsg == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if receivedMsg == nil {
		t.Fatal("expected queued comm_msg to be delivered after target resolved (S4)")
	}
}

// slowLoader wraps a ModuleLoader and blocks until release is closed, to
// make the async resolution window deterministically observable in tests.
type slowLoader struct {
	inner  ModuleLoader
	release chan struct{}
}

func (s slowLoader) LoadTarget(ctx context.Context, module, targetName string) (TargetCallback, error) {
	<-s.release
	return s.inner.LoadTarget(ctx, module, targetName)
}

func TestCommRegistry_UnresolvableTarget_SendsCommClose(t *testing.T) {
	rec := &recordingSend{}
	reg := newCommRegistry(rec.send, nil, slog.Default())

	reg.HandleOpen(context.Background(), commOpenMsg("c1", "missing", ""))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sent) != 1 || rec.sent[0].msgType != "comm_close" {
		t.Fatalf("expected a comm_close to be sent for unresolvable target, got %+v", rec.sent)
	}
}

func TestCommRegistry_CommClose_IsIdempotent(t *testing.T) {
	rec := &recordingSend{}
	reg := newCommRegistry(rec.send, nil, slog.Default())
	c := reg.Connect("tgt", "c1")

	var closeCount int
	c.OnClose(func(*protocol.Message) { closeCount++ })

	closeMsg := &protocol.Message{Header: protocol.Header{MsgType: "comm_close"}, Content: mustMarshal(protocol.CommClose{CommID: "c1"})}
	reg.HandleClose(closeMsg)
	reg.dispatchToComm("c1", closeMsg) // second close: comm already evicted, should no-op via "unknown comm" path

	if closeCount != 1 {
		t.Fatalf("expected exactly one onClose invocation, got %d", closeCount)
	}
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
