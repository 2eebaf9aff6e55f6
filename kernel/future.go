package kernel

import (
	"context"
	"sync"

	"github.com/jupyter-go/kernel-client/protocol"
)

// Future is the client-side handle for one outstanding shell/control
// request. It correlates the eventual reply and every iopub/stdin message
// that carries a matching parent_header.msg_id, the way a pending-call table
// correlates an RPC response to its request — except a Future fans out to
// several observer slots instead of a single response channel, because a
// Jupyter request has streaming side-channel traffic a plain RPC call
// does not.
type Future struct {
	msgID         string
	expectReply   bool
	disposeOnDone bool

	mu            sync.Mutex
	replyReceived bool
	idleReceived  bool
	done          bool
	disposed      bool

	onReply func(*protocol.Message)
	onIOPub func(*protocol.Message)
	onStdin func(*protocol.Message)
	onDone  func()
	hooks   []func(*protocol.Message) bool // LIFO; falsy return suppresses delivery
}

func newFuture(msgID string, expectReply, disposeOnDone bool) *Future {
	return &Future{msgID: msgID, expectReply: expectReply, disposeOnDone: disposeOnDone}
}

// MsgID is the correlation key this Future was registered under.
func (f *Future) MsgID() string { return f.msgID }

// OnReply registers the callback fired exactly once with the shell/control
// reply whose parent_header.msg_id matches this Future. Never fires if the
// Future was created with expectReply=false.
func (f *Future) OnReply(fn func(*protocol.Message)) {
	f.mu.Lock()
	f.onReply = fn
	f.mu.Unlock()
}

// OnIOPub registers the callback fired for every matching iopub message,
// including the terminal idle status.
func (f *Future) OnIOPub(fn func(*protocol.Message)) {
	f.mu.Lock()
	f.onIOPub = fn
	f.mu.Unlock()
}

// OnStdin registers the callback fired for every matching stdin message.
func (f *Future) OnStdin(fn func(*protocol.Message)) {
	f.mu.Lock()
	f.onStdin = fn
	f.mu.Unlock()
}

// OnDone registers the callback fired once the termination condition holds:
// (!expectReply || replyReceived) && idleReceived.
func (f *Future) OnDone(fn func()) {
	f.mu.Lock()
	already := f.done
	f.onDone = fn
	f.mu.Unlock()
	if already && fn != nil {
		fn()
	}
}

// RegisterMessageHook installs fn at the front of the iopub delivery chain
// (LIFO: most recently registered runs first). A falsy return suppresses
// delivery of that message to this Future's onIOPub and to later hooks.
func (f *Future) RegisterMessageHook(fn func(*protocol.Message) bool) {
	f.mu.Lock()
	f.hooks = append([]func(*protocol.Message) bool{fn}, f.hooks...)
	f.mu.Unlock()
}

// Dispose idempotently detaches this Future. Matching messages arriving
// after Dispose are the engine's responsibility to route to unhandled.
func (f *Future) Dispose() {
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
}

func (f *Future) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// deliverReply is called by the engine's dispatch loop, never directly.
func (f *Future) deliverReply(msg *protocol.Message) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.replyReceived = true
	cb := f.onReply
	f.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
	f.maybeFireDone()
}

// deliverIOPub runs the LIFO hook chain then, unless a hook returned false,
// the onIOPub callback. It reports nothing back to the caller.
func (f *Future) deliverIOPub(msg *protocol.Message) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	hooks := f.hooks
	cb := f.onIOPub
	isIdleStatus := msg.Header.MsgType == "status"
	f.mu.Unlock()

	// Idle detection runs unconditionally, even if a hook suppresses delivery
	// below: a RegisterMessageHook only gates onIOPub, it must never be able
	// to block the Future's own termination.
	if isIdleStatus {
		var content protocol.StatusContent
		if err := unmarshalContent(msg, &content); err == nil && content.ExecutionState == "idle" {
			f.mu.Lock()
			f.idleReceived = true
			f.mu.Unlock()
			f.maybeFireDone()
		}
	}

	for _, hook := range hooks {
		if !hook(msg) {
			return
		}
	}

	if cb != nil {
		cb(msg)
	}
}

func (f *Future) deliverStdin(msg *protocol.Message) {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	cb := f.onStdin
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// maybeFireDone checks the termination condition from §3: (!expectReply ||
// replyReceived) && idleReceived.
func (f *Future) maybeFireDone() {
	f.mu.Lock()
	if f.done || f.disposed {
		f.mu.Unlock()
		return
	}
	satisfied := (!f.expectReply || f.replyReceived) && f.idleReceived
	if !satisfied {
		f.mu.Unlock()
		return
	}
	f.done = true
	cb := f.onDone
	disposeOnDone := f.disposeOnDone
	f.mu.Unlock()

	if cb != nil {
		cb()
	}
	if disposeOnDone {
		f.Dispose()
	}
}

// Done returns a channel closed once this Future reaches its terminal
// condition, for callers who want a plain await instead of wiring OnDone
// themselves. It claims the onDone slot, so it must not be combined with a
// separate OnDone registration on the same Future.
func (f *Future) Done() <-chan struct{} {
	ch := make(chan struct{})
	f.OnDone(func() { close(ch) })
	return ch
}

// Reply blocks until the shell/control reply arrives and returns it, the Go
// analogue of the original client's Promise-returning convenience methods
// (kernelInfo(), complete(), ...) generalized to the raw Future. It claims
// the onReply slot and must not be combined with a separate OnReply
// registration. ctx cancellation unblocks the wait without disposing the
// Future; callers that no longer care should Dispose() it themselves.
func (f *Future) Reply(ctx context.Context) (*protocol.Message, error) {
	replyCh := make(chan *protocol.Message, 1)
	f.OnReply(func(msg *protocol.Message) { replyCh <- msg })
	select {
	case msg := <-replyCh:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
