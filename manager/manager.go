// Package manager implements the Manager Layer (§4.H): periodic pollers for
// running kernels, running sessions, and kernel specs, emitting change
// signals only on a deep-equality mismatch against the prior snapshot.
package manager

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/jupyter-go/kernel-client/protocol"
)

const (
	DefaultRunningPollInterval = 10 * time.Second
	DefaultSpecsPollInterval   = 61 * time.Second
)

// poller[T] holds a cache keyed by id/path plus the machinery to poll it on
// a fixed interval and diff against the prior snapshot, the way
// mcpserver.Page[T] generalizes one shape across kernels and sessions (both
// of mcp-server-go's pagination users and this package's two resource kinds
// need the same generic plumbing, not two copies of it).
type poller[T any] struct {
	mu    sync.RWMutex
	cache map[string]T

	fetch    func(ctx context.Context) (map[string]T, error)
	interval time.Duration
	log      *slog.Logger

	changedMu   sync.Mutex
	subscribers []func(map[string]T)

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error

	stopCh chan struct{}
}

func newPoller[T any](fetch func(ctx context.Context) (map[string]T, error), interval time.Duration, log *slog.Logger) *poller[T] {
	return &poller[T]{
		cache:    make(map[string]T),
		fetch:    fetch,
		interval: interval,
		log:      log,
		readyCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start kicks off the first fetch (resolving WaitReady) and then polls at
// the fixed interval thereafter.
func (p *poller[T]) Start(ctx context.Context) {
	go func() {
		p.poll(ctx)
		p.readyOnce.Do(func() { close(p.readyCh) })

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

func (p *poller[T]) Stop() { close(p.stopCh) }

// WaitReady blocks until the first fetch has completed (successfully or
// not) or ctx is cancelled.
func (p *poller[T]) WaitReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return p.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *poller[T]) poll(ctx context.Context) {
	next, err := p.fetch(ctx)
	if err != nil {
		p.log.Warn("manager: poll failed", slog.Any("err", err))
		p.mu.Lock()
		if p.readyErr == nil {
			p.readyErr = err
		}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	prev := p.cache
	changed := !reflect.DeepEqual(prev, next)
	if changed {
		p.cache = next
	}
	p.mu.Unlock()

	if changed {
		p.emitChanged(next)
	}
}

func (p *poller[T]) emitChanged(snapshot map[string]T) {
	p.changedMu.Lock()
	subs := append([]func(map[string]T){}, p.subscribers...)
	p.changedMu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}
}

func (p *poller[T]) OnChanged(fn func(map[string]T)) {
	p.changedMu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.changedMu.Unlock()
}

// Snapshot returns the most recently fetched, deep-equal-diffed cache. The
// caller receives a copy's worth of safety: the map itself is replaced
// atomically on diff, never mutated in place, so a reader that grabs a
// reference under RLock sees a consistent view even if a poll races it.
func (p *poller[T]) Snapshot() map[string]T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache
}

func (p *poller[T]) set(id string, v T) {
	p.mu.Lock()
	next := make(map[string]T, len(p.cache)+1)
	for k, vv := range p.cache {
		next[k] = vv
	}
	next[id] = v
	p.cache = next
	p.mu.Unlock()
}

func (p *poller[T]) delete(id string) {
	p.mu.Lock()
	if _, ok := p.cache[id]; !ok {
		p.mu.Unlock()
		return
	}
	next := make(map[string]T, len(p.cache))
	for k, vv := range p.cache {
		if k != id {
			next[k] = vv
		}
	}
	p.cache = next
	p.mu.Unlock()
}

// RESTClient is the subset of restclient.Client the kernel/session managers
// poll against.
type RESTClient interface {
	ListKernels(ctx context.Context) ([]protocol.KernelModel, error)
	GetKernelSpecs(ctx context.Context) (protocol.SpecsBundle, error)
	ListSessions(ctx context.Context) ([]protocol.SessionModel, error)
}

// KernelManager polls the running-kernels list and the kernelspecs
// registry.
type KernelManager struct {
	rest    RESTClient
	running *poller[protocol.KernelModel]
	specs   *poller[protocol.KernelSpec]
}

// Option configures a manager's poll intervals / logger.
type Option struct {
	RunningInterval time.Duration
	SpecsInterval   time.Duration
	Logger          *slog.Logger
}

func (o Option) withDefaults() Option {
	if o.RunningInterval == 0 {
		o.RunningInterval = DefaultRunningPollInterval
	}
	if o.SpecsInterval == 0 {
		o.SpecsInterval = DefaultSpecsPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewKernelManager constructs and starts a KernelManager.
func NewKernelManager(ctx context.Context, rest RESTClient, opts Option) *KernelManager {
	opts = opts.withDefaults()

	m := &KernelManager{rest: rest}
	m.running = newPoller(func(ctx context.Context) (map[string]protocol.KernelModel, error) {
		list, err := rest.ListKernels(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]protocol.KernelModel, len(list))
		for _, k := range list {
			out[k.ID] = k
		}
		return out, nil
	}, opts.RunningInterval, opts.Logger)

	m.specs = newPoller(func(ctx context.Context) (map[string]protocol.KernelSpec, error) {
		bundle, err := rest.GetKernelSpecs(ctx)
		if err != nil {
			return nil, err
		}
		return bundle.KernelSpecs, nil
	}, opts.SpecsInterval, opts.Logger)

	m.running.Start(ctx)
	m.specs.Start(ctx)
	return m
}

// WaitReady blocks until the first running-kernels and specs fetches have
// both completed.
func (m *KernelManager) WaitReady(ctx context.Context) error {
	if err := m.running.WaitReady(ctx); err != nil {
		return err
	}
	return m.specs.WaitReady(ctx)
}

func (m *KernelManager) Running() map[string]protocol.KernelModel { return m.running.Snapshot() }
func (m *KernelManager) Specs() map[string]protocol.KernelSpec    { return m.specs.Snapshot() }

func (m *KernelManager) OnRunningChanged(fn func(map[string]protocol.KernelModel)) {
	m.running.OnChanged(fn)
}
func (m *KernelManager) OnSpecsChanged(fn func(map[string]protocol.KernelSpec)) {
	m.specs.OnChanged(fn)
}

// NoteStarted registers a kernel this manager just started/connected to, so
// the next poll doesn't race a duplicate into existence before the server
// list catches up (§4.H "register them so that subsequent polls do not
// create duplicates").
func (m *KernelManager) NoteStarted(model protocol.KernelModel) { m.running.set(model.ID, model) }

// Shutdown removes id from the cache immediately (optimistic) and notifies
// subscribers, ahead of the next poll confirming it server-side.
func (m *KernelManager) Shutdown(id string) {
	m.running.delete(id)
	m.running.emitChanged(m.running.Snapshot())
}

func (m *KernelManager) Stop() {
	m.running.Stop()
	m.specs.Stop()
}

// SessionManager polls the running-sessions list.
type SessionManager struct {
	rest    RESTClient
	running *poller[protocol.SessionModel]
}

// NewSessionManager constructs and starts a SessionManager.
func NewSessionManager(ctx context.Context, rest RESTClient, opts Option) *SessionManager {
	opts = opts.withDefaults()

	m := &SessionManager{rest: rest}
	m.running = newPoller(func(ctx context.Context) (map[string]protocol.SessionModel, error) {
		list, err := rest.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]protocol.SessionModel, len(list))
		for _, s := range list {
			out[s.ID] = s
		}
		return out, nil
	}, opts.RunningInterval, opts.Logger)

	m.running.Start(ctx)
	return m
}

func (m *SessionManager) WaitReady(ctx context.Context) error { return m.running.WaitReady(ctx) }
func (m *SessionManager) Running() map[string]protocol.SessionModel { return m.running.Snapshot() }
func (m *SessionManager) OnRunningChanged(fn func(map[string]protocol.SessionModel)) {
	m.running.OnChanged(fn)
}

func (m *SessionManager) NoteStarted(model protocol.SessionModel) { m.running.set(model.ID, model) }

func (m *SessionManager) Shutdown(id string) {
	m.running.delete(id)
	m.running.emitChanged(m.running.Snapshot())
}

func (m *SessionManager) Stop() { m.running.Stop() }
