package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jupyter-go/kernel-client/protocol"
)

// ErrCommTargetNotFound is logged (never returned to a caller, never
// panicked) when a server-initiated comm_open names a target that cannot be
// resolved locally or via a ModuleLoader; the comm is then closed back.
var ErrCommTargetNotFound = errors.New("kernel: comm target not found")

// CommState is a Comm's lifecycle stage.
type CommState int

const (
	CommOpening CommState = iota
	CommOpen
	CommClosed
)

func (s CommState) String() string {
	switch s {
	case CommOpening:
		return "opening"
	case CommOpen:
		return "open"
	case CommClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TargetCallback is invoked with a freshly Opened Comm and the comm_open
// message that created it, for server-initiated opens. Client-initiated
// opens (ConnectToComm) do not invoke a target callback.
type TargetCallback func(comm *Comm, openMsg *protocol.Message)

// ModuleLoader resolves a target_module named by a server-initiated
// comm_open into a TargetCallback, for hosts that support dynamic target
// registration. Optional; when nil, resolution uses only the local target
// registry (§4.E, §9 "Host module loader").
type ModuleLoader interface {
	LoadTarget(ctx context.Context, module, targetName string) (TargetCallback, error)
}

// Comm is a bidirectional named channel multiplexed over the kernel
// WebSocket, identified by CommID and bound to TargetName.
type Comm struct {
	commID     string
	targetName string

	mu      sync.Mutex
	state   CommState
	onMsg   func(*protocol.Message)
	onClose func(*protocol.Message)

	sendFn func(msgType string, content any) error
}

func (c *Comm) CommID() string     { return c.commID }
func (c *Comm) TargetName() string { return c.targetName }

func (c *Comm) State() CommState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMsg registers the callback fired for each comm_msg addressed to this comm.
func (c *Comm) OnMsg(fn func(*protocol.Message)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnClose registers the callback fired once, when this comm closes from
// either direction.
func (c *Comm) OnClose(fn func(*protocol.Message)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Send transmits a comm_msg on this comm.
func (c *Comm) Send(data map[string]any) error {
	return c.sendFn("comm_msg", protocol.CommMsg{CommID: c.commID, Data: data})
}

// Close sends comm_close, transitions this comm to Closed locally and fires
// the OnClose callback (with a nil message). Calling Close a second time is a
// no-op.
func (c *Comm) Close(data map[string]any) error {
	c.mu.Lock()
	if c.state == CommClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = CommClosed
	cb := c.onClose
	c.mu.Unlock()
	err := c.sendFn("comm_close", protocol.CommClose{CommID: c.commID, Data: data})
	if cb != nil {
		func() {
			defer func() { recover() }()
			cb(nil)
		}()
	}
	return err
}

// deliverMsg and deliverClose are called only by the owning CommRegistry.
func (c *Comm) deliverMsg(msg *protocol.Message) {
	c.mu.Lock()
	cb := c.onMsg
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (c *Comm) deliverClose(msg *protocol.Message) {
	c.mu.Lock()
	if c.state == CommClosed {
		c.mu.Unlock()
		return
	}
	c.state = CommClosed
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		func() {
			defer func() { recover() }()
			cb(msg)
		}()
	}
}

// commRegistry holds the named-target registry and the live comm table
// (§4.E). commPromises tracks comms whose server-initiated open is still
// resolving (local lookup miss + in-flight ModuleLoader call), so that
// comm_msg/comm_close arriving for that id chain onto the resolution instead
// of racing it.
type commRegistry struct {
	mu           sync.Mutex
	targets      map[string]TargetCallback
	comms        map[string]*Comm
	commPromises map[string]*pendingOpen

	loader ModuleLoader
	sendFn func(msgType string, content any) error
	log    *slog.Logger
}

type pendingOpen struct {
	queued []*protocol.Message // comm_msg/comm_close frames queued while resolving
}

func newCommRegistry(sendFn func(msgType string, content any) error, loader ModuleLoader, log *slog.Logger) *commRegistry {
	return &commRegistry{
		targets:      make(map[string]TargetCallback),
		comms:        make(map[string]*Comm),
		commPromises: make(map[string]*pendingOpen),
		loader:       loader,
		sendFn:       sendFn,
		log:          log,
	}
}

// RegisterTarget installs cb under name, returning a disposer.
func (r *commRegistry) RegisterTarget(name string, cb TargetCallback) (dispose func()) {
	r.mu.Lock()
	r.targets[name] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.targets, name)
		r.mu.Unlock()
	}
}

// Connect opens a comm locally (client-initiated open, §4.E).
func (r *commRegistry) Connect(targetName, commID string) *Comm {
	if commID == "" {
		commID = uuid.NewString()
	}
	c := &Comm{commID: commID, targetName: targetName, state: CommOpen, sendFn: r.sendFn}
	r.mu.Lock()
	r.comms[commID] = c
	r.mu.Unlock()
	return c
}

// HandleOpen processes a server-initiated comm_open frame.
func (r *commRegistry) HandleOpen(ctx context.Context, msg *protocol.Message) {
	var open protocol.CommOpen
	if err := unmarshalContent(msg, &open); err != nil {
		r.log.Error("kernel: malformed comm_open content", "err", err)
		return
	}

	r.mu.Lock()
	cb, ok := r.targets[open.TargetName]
	r.mu.Unlock()

	if ok {
		r.openWith(cb, open, msg)
		return
	}

	if open.TargetModule == "" || r.loader == nil {
		r.log.Warn("kernel: comm_open target not found", "target_name", open.TargetName, "comm_id", open.CommID, "err", ErrCommTargetNotFound)
		_ = r.sendFn("comm_close", protocol.CommClose{CommID: open.CommID})
		return
	}

	r.mu.Lock()
	r.commPromises[open.CommID] = &pendingOpen{}
	r.mu.Unlock()

	go func() {
		resolved, err := r.loader.LoadTarget(ctx, open.TargetModule, open.TargetName)
		r.mu.Lock()
		pending, stillPending := r.commPromises[open.CommID]
		delete(r.commPromises, open.CommID)
		r.mu.Unlock()
		if !stillPending {
			return
		}
		if err != nil || resolved == nil {
			r.log.Warn("kernel: comm target_module resolution failed", "target_module", open.TargetModule, "target_name", open.TargetName, "err", fmt.Errorf("%w: %v", ErrCommTargetNotFound, err))
			_ = r.sendFn("comm_close", protocol.CommClose{CommID: open.CommID})
			return
		}
		r.openWith(resolved, open, msg)
		for _, queued := range pending.queued {
			r.dispatchToComm(open.CommID, queued)
		}
	}()
}

func (r *commRegistry) openWith(cb TargetCallback, open protocol.CommOpen, msg *protocol.Message) {
	c := &Comm{commID: open.CommID, targetName: open.TargetName, state: CommOpen, sendFn: r.sendFn}
	r.mu.Lock()
	r.comms[open.CommID] = c
	r.mu.Unlock()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("kernel: comm target callback panicked", "target_name", open.TargetName, "comm_id", open.CommID, "recover", fmt.Sprint(rec))
				_ = c.Close(nil)
			}
		}()
		cb(c, msg)
	}()
}

// HandleMsg routes an inbound comm_msg.
func (r *commRegistry) HandleMsg(msg *protocol.Message) {
	var m protocol.CommMsg
	if err := unmarshalContent(msg, &m); err != nil {
		r.log.Error("kernel: malformed comm_msg content", "err", err)
		return
	}
	r.dispatchToComm(m.CommID, msg)
}

func (r *commRegistry) dispatchToComm(commID string, msg *protocol.Message) {
	r.mu.Lock()
	c, ok := r.comms[commID]
	if !ok {
		if pending, stillResolving := r.commPromises[commID]; stillResolving {
			pending.queued = append(pending.queued, msg)
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("kernel: comm_msg/comm_close for unknown comm", "comm_id", commID)
		return
	}

	if msg.Header.MsgType == "comm_close" {
		r.mu.Lock()
		delete(r.comms, commID)
		r.mu.Unlock()
		c.deliverClose(msg)
		return
	}
	c.deliverMsg(msg)
}

// HandleClose routes an inbound comm_close.
func (r *commRegistry) HandleClose(msg *protocol.Message) {
	var m protocol.CommClose
	if err := unmarshalContent(msg, &m); err != nil {
		r.log.Error("kernel: malformed comm_close content", "err", err)
		return
	}
	r.dispatchToComm(m.CommID, msg)
}

// disposeAll closes every live comm locally without sending comm_close
// (engine disposal / terminated kernel, §4.H failure semantics and §9's
// decision not to notify a dead server).
func (r *commRegistry) disposeAll() {
	r.mu.Lock()
	comms := make([]*Comm, 0, len(r.comms))
	for _, c := range r.comms {
		comms = append(comms, c)
	}
	r.comms = make(map[string]*Comm)
	r.commPromises = make(map[string]*pendingOpen)
	r.mu.Unlock()

	for _, c := range comms {
		c.deliverClose(nil)
	}
}
