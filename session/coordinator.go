// Package session implements the Session Coordinator (§4.G): it couples one
// Kernel Channel Engine to a server-side session id plus (path, name, type,
// kernel identity), and keeps the two sides reconciled via PATCH.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jupyter-go/kernel-client/protocol"
)

// KernelEngine is the subset of kernel.Engine the Coordinator depends on.
// Declared here, at the point of use, so this package never imports
// kernel — only whatever concretely implements this narrow interface does.
type KernelEngine interface {
	ID() string
	Dispose()
}

// RESTClient is the subset of restclient.Client the Coordinator needs.
type RESTClient interface {
	CreateSession(ctx context.Context, path, name, sessType string, kernel protocol.KernelModel) (protocol.SessionModel, error)
	PatchSession(ctx context.Context, id string, partial map[string]any) (protocol.SessionModel, error)
	DeleteSession(ctx context.Context, id string) error
}

// KernelConnector starts or attaches a KernelEngine for the given
// {id, name}. When id is empty a new kernel is started server-side first.
type KernelConnector interface {
	Connect(ctx context.Context, id, name string) (KernelEngine, error)
}

// StartKernelOptions names the kernel to start/attach when starting a
// session's kernel.
type StartKernelOptions struct {
	ID   string // existing server kernel id; empty to start a new one
	Name string // kernel type name, required when ID is empty
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// Coordinator owns the server-side session identity and the currently
// attached KernelEngine, if any.
type Coordinator struct {
	rest      RESTClient
	connector KernelConnector
	log       *slog.Logger

	mu       sync.Mutex
	id       string // empty before first startKernel/create
	path     string
	name     string
	sessType string
	kernel   KernelEngine

	updating bool // set while Update runs; a reentrant Update returns without effect
	patchMu  sync.Mutex // serializes outgoing PATCHes so at most one is in flight (§8 invariant 5)

	changedMu   sync.Mutex
	subscribers []func(field string)

	terminatedMu   sync.Mutex
	termSubscribers []func()
}

// New constructs a Coordinator for a logical path not yet bound to a
// server-side session.
func New(path, name, sessType string, rest RESTClient, connector KernelConnector, opts ...Option) *Coordinator {
	c := &Coordinator{
		path:      path,
		name:      name,
		sessType:  sessType,
		rest:      rest,
		connector: connector,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Coordinator) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Coordinator) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Coordinator) Type() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessType
}

func (c *Coordinator) Kernel() KernelEngine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernel
}

// OnChanged subscribes to field-change notifications ("kernel", "path",
// "name", "type").
func (c *Coordinator) OnChanged(fn func(field string)) {
	c.changedMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.changedMu.Unlock()
}

// OnTerminated subscribes to session termination (Shutdown completing).
func (c *Coordinator) OnTerminated(fn func()) {
	c.terminatedMu.Lock()
	c.termSubscribers = append(c.termSubscribers, fn)
	c.terminatedMu.Unlock()
}

func (c *Coordinator) emitChanged(field string) {
	c.changedMu.Lock()
	subs := append([]func(string){}, c.subscribers...)
	c.changedMu.Unlock()
	for _, fn := range subs {
		fn(field)
	}
}

func (c *Coordinator) emitTerminated() {
	c.terminatedMu.Lock()
	subs := append([]func(){}, c.termSubscribers...)
	c.terminatedMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// SetPath reconciles the logical path. Early-returns if unchanged; if the
// session already exists server-side, issues a PATCH and rolls the local
// change back on failure.
func (c *Coordinator) SetPath(ctx context.Context, path string) error {
	return c.setField(ctx, "path", path, func() string { return c.path }, func(v string) { c.path = v })
}

func (c *Coordinator) SetName(ctx context.Context, name string) error {
	return c.setField(ctx, "name", name, func() string { return c.name }, func(v string) { c.name = v })
}

func (c *Coordinator) SetType(ctx context.Context, sessType string) error {
	return c.setField(ctx, "type", sessType, func() string { return c.sessType }, func(v string) { c.sessType = v })
}

func (c *Coordinator) setField(ctx context.Context, field, value string, get func() string, set func(string)) error {
	c.mu.Lock()
	if get() == value {
		c.mu.Unlock()
		return nil
	}
	prev := get()
	set(value)
	id := c.id
	c.mu.Unlock()

	c.emitChanged(field)

	if id == "" {
		return nil
	}

	c.patchMu.Lock()
	model, err := c.rest.PatchSession(ctx, id, map[string]any{field: value})
	c.patchMu.Unlock()
	if err != nil {
		c.mu.Lock()
		set(prev)
		c.mu.Unlock()
		c.emitChanged(field)
		return fmt.Errorf("session: patch %s: %w", field, err)
	}
	c.Update(model)
	return nil
}

// StartKernel disposes any previously attached engine, then either creates
// a brand-new server-side session (when this Coordinator has no id yet) or
// PATCHes the existing session with the requested kernel.
func (c *Coordinator) StartKernel(ctx context.Context, opts StartKernelOptions) (KernelEngine, error) {
	c.mu.Lock()
	old := c.kernel
	c.kernel = nil
	id := c.id
	path, name, sessType := c.path, c.name, c.sessType
	c.mu.Unlock()

	if old != nil {
		old.Dispose()
	}

	if id == "" {
		model, err := c.rest.CreateSession(ctx, path, name, sessType, protocol.KernelModel{ID: opts.ID, Name: opts.Name})
		if err != nil {
			return nil, fmt.Errorf("session: create: %w", err)
		}
		c.Update(model)
		return c.Kernel(), nil
	}

	c.patchMu.Lock()
	model, err := c.rest.PatchSession(ctx, id, map[string]any{
		"kernel": protocol.KernelModel{ID: opts.ID, Name: opts.Name},
	})
	c.patchMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("session: patch kernel: %w", err)
	}
	c.Update(model)
	return c.Kernel(), nil
}

// Shutdown nulls out the id first so concurrent PATCHes observe no session
// to PATCH against, issues the DELETE, and emits terminated.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.id = ""
	kernel := c.kernel
	c.kernel = nil
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	if kernel != nil {
		kernel.Dispose()
	}

	if err := c.rest.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	c.emitTerminated()
	return nil
}

// Update reconciles local state from a server SessionModel. Guarded by
// `updating`, which is set only while Update itself runs: an Update reentered
// from the connector or a changed subscriber returns without effect. An
// Update arriving while a PATCH is outstanding is applied as usual; the
// PATCHes themselves are serialized by patchMu (§8 invariant 5: at most one
// network PATCH in flight at a time). Emits changed for each differing
// field, kernel first.
func (c *Coordinator) Update(model protocol.SessionModel) {
	c.mu.Lock()
	if c.updating {
		c.mu.Unlock()
		return
	}
	c.updating = true
	defer func() {
		c.mu.Lock()
		c.updating = false
		c.mu.Unlock()
	}()

	changedKernel := c.kernel == nil || c.kernel.ID() != model.Kernel.ID
	changedPath := c.path != model.Path
	changedName := c.name != model.Name
	changedType := c.sessType != model.Type

	c.id = model.ID
	c.path = model.Path
	c.name = model.Name
	c.sessType = model.Type
	c.mu.Unlock()

	if changedKernel && c.connector != nil {
		engine, err := c.connector.Connect(context.Background(), model.Kernel.ID, model.Kernel.Name)
		if err != nil {
			c.log.Error("session: failed to attach kernel engine", slog.String("session_id", model.ID), slog.Any("err", err))
		} else {
			c.mu.Lock()
			c.kernel = engine
			c.mu.Unlock()
		}
		c.emitChanged("kernel")
	}
	if changedPath {
		c.emitChanged("path")
	}
	if changedName {
		c.emitChanged("name")
	}
	if changedType {
		c.emitChanged("type")
	}
}
