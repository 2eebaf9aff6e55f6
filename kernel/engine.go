// Package kernel implements the Kernel Channel Engine (§4.F) and the two
// registries it owns: the Future Registry (§4.D) and the Comm Registry
// (§4.E). It is the top-level per-kernel coordinator: it owns a Managed
// Socket, turns typed calls into framed sends, and routes every inbound
// frame to whichever Future, Comm, or broadcast signal it belongs to.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jupyter-go/kernel-client/internal/logctx"
	"github.com/jupyter-go/kernel-client/protocol"
	"github.com/jupyter-go/kernel-client/registry"
	"github.com/jupyter-go/kernel-client/transport"
	"github.com/jupyter-go/kernel-client/validate"
	"github.com/jupyter-go/kernel-client/wire"
)

// ErrKernelDead is returned by sendShellMessage/sendInputReply when the
// engine's status is already Dead.
var ErrKernelDead = errors.New("kernel: operation attempted on a dead kernel")

// ErrKernelTerminated is returned by the request wrappers (KernelInfo,
// Complete, ...) that start waiting for a reply after the engine has been
// disposed. Futures still pending when the engine dies (reconnect exhaustion
// or explicit shutdown) are disposed, not failed: their observers stop firing
// and no error is delivered to them.
var ErrKernelTerminated = errors.New("kernel: engine terminated, request aborted")

// defaultRegistry backs every Engine constructed without WithRegistry, so
// the single-process presence table (§5) is populated out of the box.
var defaultRegistry = registry.NewMemory()

// RESTClient is the subset of the REST surface (§6) the engine needs for
// lifecycle operations that must not go over the WebSocket.
type RESTClient interface {
	InterruptKernel(ctx context.Context, id string) error
	RestartKernel(ctx context.Context, id string) (protocol.KernelModel, error)
	DeleteKernel(ctx context.Context, id string) error
	GetKernelSpecs(ctx context.Context) (protocol.SpecsBundle, error)
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClientID(id string) Option { return func(e *Engine) { e.clientID = id } }

func WithToken(token string) Option { return func(e *Engine) { e.token = token } }

func WithModuleLoader(loader ModuleLoader) Option {
	return func(e *Engine) { e.moduleLoader = loader }
}

func WithReconnectLimit(n int) Option { return func(e *Engine) { e.reconnectLimit = n } }

// WithRegistry binds the engine to the runtime-wide running-kernels table
// (§5 "Shared-resource policy"). New registers this kernel id as owned by
// this engine's clientID; Dispose unregisters it. Defaults to a package
// level in-memory registry shared by every Engine constructed without this
// option, so presence tracking works out of the box within one process.
func WithRegistry(r registry.Registry) Option { return func(e *Engine) { e.registry = r } }

// Engine is the Kernel Channel Engine. One Engine owns exactly one kernel's
// WebSocket connection and its Future/Comm registries.
type Engine struct {
	id       string // server kernel id
	name     string // kernel type name
	wsURL    string
	username string
	clientID string
	token    string

	reconnectLimit int
	moduleLoader   ModuleLoader

	rest     RESTClient
	log      *slog.Logger
	registry registry.Registry

	socket *transport.ManagedSocket

	futuresMu sync.Mutex
	futures   map[string]*Future

	comms *commRegistry

	statusMu sync.RWMutex
	status   protocol.KernelStatus

	specMu sync.Mutex
	spec   *protocol.KernelSpec

	signalsMu         sync.Mutex
	statusSubscribers []func(protocol.KernelStatus)
	iopubSubscribers  []func(*protocol.Message)
	unhandledSubscribers []func(*protocol.Message)

	disposedOnce sync.Once
	disposed     bool
	disposedMu   sync.Mutex
}

// New constructs an Engine bound to an already-created server kernel id and
// attaches a Managed Socket to its channels endpoint. The socket does not
// connect until Start is called.
func New(wsURL, id, name, username string, rest RESTClient, opts ...Option) *Engine {
	e := &Engine{
		id:             id,
		name:           name,
		wsURL:          wsURL,
		username:       username,
		clientID:       uuid.NewString(),
		reconnectLimit: 7,
		rest:           rest,
		log:            slog.Default(),
		futures:        make(map[string]*Future),
		status:         protocol.StatusUnknown,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = defaultRegistry
	}
	if err := e.registry.Register(context.Background(), registry.Entry{KernelID: e.id, Name: e.name, OwnerID: e.clientID}); err != nil {
		e.log.Warn("kernel: failed to register running kernel", slog.String("kernel_id", e.id), slog.Any("err", err))
	}

	e.comms = newCommRegistry(e.sendFireAndForget, e.moduleLoader, e.log)

	header := http.Header{}
	if e.token != "" {
		header.Set("Authorization", "token "+e.token)
	}

	socketURL := fmt.Sprintf("%s/api/kernels/%s/channels?session_id=%s", e.wsURL, e.id, e.clientID)
	e.socket = transport.New(socketURL,
		transport.WithReconnectLimit(e.reconnectLimit),
		transport.WithLogger(e.log),
		transport.WithHeader(header),
	)
	e.socket.OnMessage = e.onFrame
	e.socket.OnStateChange = e.onSocketStateChange
	e.socket.OnTerminal = e.onSocketTerminal

	return e
}

// Start connects the socket and sends the bootstrap kernel_info_request
// (§4.F). The request queues behind the status-based flush like every other
// send; it goes out once the kernel's first unprompted iopub status arrives.
func (e *Engine) Start(ctx context.Context) {
	e.socket.Start(ctx)
	_, _ = e.sendShellMessage(ctx, "kernel_info_request", struct{}{}, true, true)
}

// ID returns the server-side kernel id this engine is bound to.
func (e *Engine) ID() string { return e.id }

// Name returns the kernel type name.
func (e *Engine) Name() string { return e.name }

// Status returns the current kernel lifecycle status.
func (e *Engine) Status() protocol.KernelStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// OnStatusChanged subscribes to status transitions.
func (e *Engine) OnStatusChanged(fn func(protocol.KernelStatus)) {
	e.signalsMu.Lock()
	e.statusSubscribers = append(e.statusSubscribers, fn)
	e.signalsMu.Unlock()
}

// OnIOPubMessage subscribes to every iopub message (in addition to whatever
// Future claimed it, per the dispatch rule in §4.F).
func (e *Engine) OnIOPubMessage(fn func(*protocol.Message)) {
	e.signalsMu.Lock()
	e.iopubSubscribers = append(e.iopubSubscribers, fn)
	e.signalsMu.Unlock()
}

// OnUnhandledMessage subscribes to messages that no Future claimed.
func (e *Engine) OnUnhandledMessage(fn func(*protocol.Message)) {
	e.signalsMu.Lock()
	e.unhandledSubscribers = append(e.unhandledSubscribers, fn)
	e.signalsMu.Unlock()
}

// --- public request primitives (§4.F) ---

// SendShellMessage is the generic primitive: encode, enqueue, register a
// Future. It panics-never, erroring instead, per §7 "no operation throws
// synchronously except sendShellMessage/sendInputReply on KernelDead".
func (e *Engine) SendShellMessage(ctx context.Context, msgType string, content any, expectReply, disposeOnDone bool) (*Future, error) {
	return e.sendShellMessage(ctx, msgType, content, expectReply, disposeOnDone)
}

func (e *Engine) sendShellMessage(ctx context.Context, msgType string, content any, expectReply, disposeOnDone bool) (*Future, error) {
	if e.Status() == protocol.StatusDead {
		return nil, ErrKernelDead
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal %s content: %w", msgType, err)
	}

	msgID := uuid.NewString()
	msg := &protocol.Message{
		Header:  protocol.NewHeader(msgID, msgType, e.clientID, e.username),
		Channel: protocol.ChannelShell,
		Content: raw,
	}

	data, isBinary, err := wire.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("kernel: encode %s: %w", msgType, err)
	}

	f := newFuture(msgID, expectReply, disposeOnDone)
	e.futuresMu.Lock()
	e.futures[msgID] = f
	e.futuresMu.Unlock()

	e.socket.Enqueue(data, isBinary)
	return f, nil
}

// sendFireAndForget is used for comm_open/comm_msg/comm_close, which never
// expect a shell reply.
func (e *Engine) sendFireAndForget(msgType string, content any) error {
	if e.Status() == protocol.StatusDead {
		return ErrKernelDead
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("kernel: marshal %s content: %w", msgType, err)
	}
	msg := &protocol.Message{
		Header:  protocol.NewHeader(uuid.NewString(), msgType, e.clientID, e.username),
		Channel: protocol.ChannelShell,
		Content: raw,
	}
	data, isBinary, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("kernel: encode %s: %w", msgType, err)
	}
	e.socket.Enqueue(data, isBinary)
	return nil
}

// ExecuteOption overrides one field of the default execute_request content
// built by Execute.
type ExecuteOption func(*protocol.ExecuteRequest)

func WithSilent(v bool) ExecuteOption             { return func(r *protocol.ExecuteRequest) { r.Silent = v } }
func WithStoreHistory(v bool) ExecuteOption       { return func(r *protocol.ExecuteRequest) { r.StoreHistory = v } }
func WithUserExpressions(m map[string]any) ExecuteOption {
	return func(r *protocol.ExecuteRequest) { r.UserExpressions = m }
}
func WithAllowStdin(v bool) ExecuteOption  { return func(r *protocol.ExecuteRequest) { r.AllowStdin = v } }
func WithStopOnError(v bool) ExecuteOption { return func(r *protocol.ExecuteRequest) { r.StopOnError = v } }

// Execute fills the default fields from §4.F ({silent:false,
// store_history:true, user_expressions:{}, allow_stdin:true,
// stop_on_error:false}) before sending an execute_request, then applies any
// overrides. disposeOnDone controls whether the Future self-disposes once
// terminal; the spec's own default for interactive use is true.
func (e *Engine) Execute(ctx context.Context, code string, disposeOnDone bool, opts ...ExecuteOption) (*Future, error) {
	req := protocol.ExecuteRequest{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		AllowStdin:      true,
		StopOnError:     false,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return e.sendShellMessage(ctx, "execute_request", req, true, disposeOnDone)
}

// KernelInfo requests kernel_info and returns the decoded reply content.
func (e *Engine) KernelInfo(ctx context.Context) (protocol.KernelInfoReply, error) {
	var reply protocol.KernelInfoReply
	err := e.roundTrip(ctx, "kernel_info_request", struct{}{}, &reply)
	return reply, err
}

func (e *Engine) Complete(ctx context.Context, req protocol.CompleteRequest) (protocol.CompleteReply, error) {
	var reply protocol.CompleteReply
	err := e.roundTrip(ctx, "complete_request", req, &reply)
	return reply, err
}

func (e *Engine) Inspect(ctx context.Context, req protocol.InspectRequest) (protocol.InspectReply, error) {
	var reply protocol.InspectReply
	err := e.roundTrip(ctx, "inspect_request", req, &reply)
	return reply, err
}

func (e *Engine) History(ctx context.Context, req protocol.HistoryRequest) (protocol.HistoryReply, error) {
	var reply protocol.HistoryReply
	err := e.roundTrip(ctx, "history_request", req, &reply)
	return reply, err
}

func (e *Engine) IsComplete(ctx context.Context, req protocol.IsCompleteRequest) (protocol.IsCompleteReply, error) {
	var reply protocol.IsCompleteReply
	err := e.roundTrip(ctx, "is_complete_request", req, &reply)
	return reply, err
}

func (e *Engine) CommInfo(ctx context.Context, req protocol.CommInfoRequest) (protocol.CommInfoReply, error) {
	var reply protocol.CommInfoReply
	err := e.roundTrip(ctx, "comm_info_request", req, &reply)
	return reply, err
}

// roundTrip is the shared implementation behind the convenience wrappers:
// send, wait for the single shell reply, decode its content.
func (e *Engine) roundTrip(ctx context.Context, msgType string, req any, out any) error {
	f, err := e.sendShellMessage(ctx, msgType, req, true, true)
	if err != nil {
		return err
	}

	replyCh := make(chan *protocol.Message, 1)
	errCh := make(chan error, 1)
	f.OnReply(func(msg *protocol.Message) { replyCh <- msg })

	select {
	case msg := <-replyCh:
		return json.Unmarshal(msg.Content, out)
	case <-ctx.Done():
		f.Dispose()
		return ctx.Err()
	case <-e.terminatedSignal():
		return ErrKernelTerminated
	case err := <-errCh:
		return err
	}
}

// SendInputReply is fire-and-forget on the stdin channel.
func (e *Engine) SendInputReply(value string) error {
	if e.Status() == protocol.StatusDead {
		return ErrKernelDead
	}
	raw, err := json.Marshal(protocol.InputReply{Value: value})
	if err != nil {
		return err
	}
	msg := &protocol.Message{
		Header:  protocol.NewHeader(uuid.NewString(), "input_reply", e.clientID, e.username),
		Channel: protocol.ChannelStdin,
		Content: raw,
	}
	data, isBinary, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	e.socket.Enqueue(data, isBinary)
	return nil
}

// RegisterCommTarget installs a target callback for server-initiated opens.
func (e *Engine) RegisterCommTarget(name string, cb TargetCallback) (dispose func()) {
	return e.comms.RegisterTarget(name, cb)
}

// ConnectToComm opens a comm from the client side.
func (e *Engine) ConnectToComm(targetName, commID string) (*Comm, error) {
	if e.Status() == protocol.StatusDead {
		return nil, ErrKernelDead
	}
	c := e.comms.Connect(targetName, commID)
	if err := e.sendFireAndForget("comm_open", protocol.CommOpen{CommID: c.CommID(), TargetName: targetName}); err != nil {
		return nil, err
	}
	return c, nil
}

// GetSpec fetches and memoizes this kernel's spec from the kernelspecs
// registry.
func (e *Engine) GetSpec(ctx context.Context) (protocol.KernelSpec, error) {
	e.specMu.Lock()
	if e.spec != nil {
		s := *e.spec
		e.specMu.Unlock()
		return s, nil
	}
	e.specMu.Unlock()

	bundle, err := e.rest.GetKernelSpecs(ctx)
	if err != nil {
		return protocol.KernelSpec{}, err
	}
	spec, ok := bundle.KernelSpecs[e.name]
	if !ok {
		return protocol.KernelSpec{}, fmt.Errorf("kernel: no spec registered for kernel type %q", e.name)
	}

	e.specMu.Lock()
	e.spec = &spec
	e.specMu.Unlock()
	return spec, nil
}

// --- lifecycle: interrupt/restart/shutdown go via REST, §4.F ---

func (e *Engine) Interrupt(ctx context.Context) error {
	return e.rest.InterruptKernel(ctx, e.id)
}

// Restart clears all pending state, transitions to Restarting, and issues
// the REST restart call.
func (e *Engine) Restart(ctx context.Context) error {
	e.clearState(ErrKernelTerminated)
	e.setStatus(protocol.StatusRestarting)
	_, err := e.rest.RestartKernel(ctx, e.id)
	return err
}

// Shutdown clears state and disposes the engine on success. Concurrent
// callers both observe success; exactly one DELETE reaches the server (S5).
func (e *Engine) Shutdown(ctx context.Context) error {
	e.disposedMu.Lock()
	if e.disposed {
		e.disposedMu.Unlock()
		return nil
	}
	e.disposedMu.Unlock()

	err := e.rest.DeleteKernel(ctx, e.id)
	if err != nil {
		return err
	}
	e.Dispose()
	return nil
}

// Dispose tears the engine down locally: closes the socket, disposes every
// pending Future (no error is delivered to it), closes every Comm without
// sending comm_close (§4.H, §9). Idempotent.
func (e *Engine) Dispose() {
	e.disposedOnce.Do(func() {
		e.disposedMu.Lock()
		e.disposed = true
		e.disposedMu.Unlock()

		e.clearState(ErrKernelTerminated)
		_ = e.socket.Close()
		if err := e.registry.Unregister(context.Background(), e.id); err != nil && !errors.Is(err, registry.ErrNotRegistered) {
			e.log.Warn("kernel: failed to unregister running kernel", slog.String("kernel_id", e.id), slog.Any("err", err))
		}
	})
}

func (e *Engine) clearState(_ error) {
	e.futuresMu.Lock()
	futures := make([]*Future, 0, len(e.futures))
	for _, f := range e.futures {
		futures = append(futures, f)
	}
	e.futures = make(map[string]*Future)
	e.futuresMu.Unlock()

	for _, f := range futures {
		f.Dispose()
	}
	e.comms.disposeAll()
}

// terminatedSignal is a convenience for roundTrip's select; it's not a real
// channel because disposal is a one-way latch, not a pub/sub event — close
// semantics are enough.
func (e *Engine) terminatedSignal() <-chan struct{} {
	ch := make(chan struct{})
	e.disposedMu.Lock()
	disposed := e.disposed
	e.disposedMu.Unlock()
	if disposed {
		close(ch)
	}
	return ch
}

// --- socket event handlers ---

func (e *Engine) onSocketStateChange(state transport.State) {
	e.log.Debug("kernel: socket state change", slog.String("kernel_id", e.id), slog.String("state", state.String()))
	if state == transport.StateReconnecting {
		e.setStatus(protocol.StatusReconnecting)
	}
}

func (e *Engine) onSocketTerminal(err error) {
	e.log.Error("kernel: socket terminated", slog.String("kernel_id", e.id), slog.Any("err", err))
	e.setStatus(protocol.StatusDead)
	e.Dispose()
}

func (e *Engine) onFrame(frame transport.Frame) {
	msg, err := wire.Decode(frame.Data, frame.Binary)
	if err != nil {
		e.log.Error("kernel: malformed frame dropped", slog.Any("err", err))
		return
	}
	if err := validate.Message(msg); err != nil {
		e.log.Error("kernel: invalid message dropped", slog.Any("err", err), slog.String("msg_type", msg.Header.MsgType))
		return
	}

	ctx := logctx.WithRPCMessage(context.Background(), &logctx.RPCMessage{
		MsgID:   msg.Header.MsgID,
		MsgType: msg.Header.MsgType,
		Channel: string(msg.Channel),
	})
	e.dispatch(ctx, msg)
}

// dispatch implements the routing rule from §4.F.
func (e *Engine) dispatch(ctx context.Context, msg *protocol.Message) {
	parentID := msg.ParentHeader.MsgID

	var claimedBy *Future
	if parentID != "" {
		e.futuresMu.Lock()
		claimedBy = e.futures[parentID]
		e.futuresMu.Unlock()
	}

	switch msg.Channel {
	case protocol.ChannelShell, protocol.ChannelControl:
		if claimedBy != nil && !claimedBy.isDisposed() {
			claimedBy.deliverReply(msg)
			e.reapIfTerminal(parentID, claimedBy)
			return
		}
		e.broadcastUnhandled(msg)

	case protocol.ChannelStdin:
		if claimedBy != nil && !claimedBy.isDisposed() {
			claimedBy.deliverStdin(msg)
			return
		}
		e.broadcastUnhandled(msg)

	case protocol.ChannelIOPub:
		e.handleIOPub(ctx, msg, claimedBy)
	}
}

func (e *Engine) handleIOPub(ctx context.Context, msg *protocol.Message, claimedBy *Future) {
	switch msg.Header.MsgType {
	case "status":
		var content protocol.StatusContent
		if err := unmarshalContent(msg, &content); err == nil {
			e.setStatus(protocol.ExecutionStateToStatus(content.ExecutionState))
			// §4.C/§9: the flush trigger is the first post-connect/reconnect
			// status iopub, not the socket's Open transition, so a freshly
			// queued send (including the bootstrap kernel_info_request)
			// survives reconnects that never fire a fresh Open.
			if err := e.socket.Flush(); err != nil {
				e.log.Warn("kernel: flush after status failed, will retry on next status", slog.Any("err", err))
			}
		}
	case "comm_open":
		e.comms.HandleOpen(ctx, msg)
	case "comm_msg":
		e.comms.HandleMsg(msg)
	case "comm_close":
		e.comms.HandleClose(msg)
	}

	claimed := claimedBy != nil && !claimedBy.isDisposed()
	if claimed {
		claimedBy.deliverIOPub(msg)
		e.reapIfTerminal(msg.ParentHeader.MsgID, claimedBy)
	}

	e.signalsMu.Lock()
	subs := append([]func(*protocol.Message){}, e.iopubSubscribers...)
	e.signalsMu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}

	if !claimed {
		e.broadcastUnhandled(msg)
	}
}

func (e *Engine) reapIfTerminal(msgID string, f *Future) {
	// Only a disposed Future is evicted: maybeFireDone only disposes when
	// disposeOnDone was set, so a Future created with disposeOnDone=false
	// stays registered (and reachable for further matching traffic) after
	// onDone fires, per §3.
	if msgID == "" || !f.isDisposed() {
		return
	}
	e.futuresMu.Lock()
	delete(e.futures, msgID)
	e.futuresMu.Unlock()
}

func (e *Engine) broadcastUnhandled(msg *protocol.Message) {
	e.signalsMu.Lock()
	subs := append([]func(*protocol.Message){}, e.unhandledSubscribers...)
	e.signalsMu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (e *Engine) setStatus(next protocol.KernelStatus) {
	e.statusMu.Lock()
	prev := e.status
	if prev == protocol.StatusDead {
		e.statusMu.Unlock()
		return // absorbing: no transitions out of Dead (invariant 3)
	}
	if prev == next {
		e.statusMu.Unlock()
		return
	}
	e.status = next
	e.statusMu.Unlock()

	e.signalsMu.Lock()
	subs := append([]func(protocol.KernelStatus){}, e.statusSubscribers...)
	e.signalsMu.Unlock()
	for _, fn := range subs {
		fn(next)
	}

	if next == protocol.StatusDead {
		e.clearState(ErrKernelTerminated)
	}
}
