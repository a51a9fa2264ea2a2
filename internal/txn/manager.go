package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/hooks"
	"github.com/roach88/unitofwork/internal/metrics"
	"github.com/roach88/unitofwork/internal/model"
)

// Manager resolves transaction contexts for one model.
//
// Thread-safety: safe for concurrent use. The contexts it hands out are not;
// see Context.
type Manager struct {
	model    *model.Model
	backends map[string]commit.Backend

	logger    *slog.Logger
	metrics   *metrics.Metrics
	hooks     *hooks.Registry
	ids       IDGenerator
	activator model.Activator
	maxPasses int

	mu       sync.Mutex
	contexts map[*Transaction]*Context
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink shared by every context.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHooks sets the hook registry fired by every context.
func WithHooks(h *hooks.Registry) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithIDGenerator sets the transaction and context ID generator.
//
// Default: UUIDv7Generator. Use testutil.SequenceIDGenerator for
// deterministic IDs in tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithActivator sets the activation contract used to create new objects.
// Default: model.RecordActivator.
func WithActivator(a model.Activator) Option {
	return func(m *Manager) { m.activator = a }
}

// WithMaxPasses bounds the insert passes of every commit. Zero means the
// loop runs until it stops making progress.
func WithMaxPasses(n int) Option {
	return func(m *Manager) { m.maxPasses = n }
}

// New returns a manager for m writing through backends. Every store named
// by a type of m needs a backend.
func New(m *model.Model, backends []commit.Backend, opts ...Option) (*Manager, error) {
	mgr := &Manager{
		model:    m,
		backends: make(map[string]commit.Backend, len(backends)),
		contexts: make(map[*Transaction]*Context),
	}
	for _, b := range backends {
		if _, dup := mgr.backends[b.Name()]; dup {
			return nil, fmt.Errorf("duplicate backend for store %q", b.Name())
		}
		mgr.backends[b.Name()] = b
	}
	for _, store := range m.Stores() {
		if _, ok := mgr.backends[store]; !ok {
			return nil, fmt.Errorf("model %s: no backend for store %q", m.Name(), store)
		}
	}
	for _, opt := range opts {
		opt(mgr)
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	if mgr.ids == nil {
		mgr.ids = UUIDv7Generator{}
	}
	if mgr.activator == nil {
		mgr.activator = model.RecordActivator{}
	}
	return mgr, nil
}

// Model returns the model served by the manager.
func (m *Manager) Model() *model.Model { return m.model }

func (m *Manager) backend(store string) (commit.Backend, bool) {
	b, ok := m.backends[store]
	return b, ok
}

// Begin starts an explicit transaction. Attach it to a flow with
// WithTransaction, or get its context with Context.
func (m *Manager) Begin() *Transaction {
	return NewTransaction(m.ids.Generate(), m.logger)
}

// Context returns the context of tx, creating and enlisting it on first
// use. Every flow cooperating in tx gets the same context.
func (m *Manager) Context(tx *Transaction) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.contexts[tx]; ok {
		return c, nil
	}
	c := m.newContext(tx)
	if err := tx.Enlist(c); err != nil {
		return nil, err
	}
	m.contexts[tx] = c
	return c, nil
}

// forget drops the registration of a disposed context.
func (m *Manager) forget(c *Context) {
	if c.tx == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contexts[c.tx] == c {
		delete(m.contexts, c.tx)
	}
}

// Active returns the number of registered transactional contexts.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Current resolves the context of the flow carried by ctx: the context
// committing on this flow, else the context of the flow's transaction, else
// the flow's root context.
func (m *Manager) Current(ctx context.Context) (*Context, error) {
	if c := committingFrom(ctx); c != nil && c.manager == m {
		return c, nil
	}
	if tx := TransactionFrom(ctx); tx != nil {
		return m.Context(tx)
	}
	return m.root(ctx), nil
}

// root returns the flow's root context, replacing a disposed one.
func (m *Manager) root(ctx context.Context) *Context {
	fs := flowFrom(ctx)
	if fs == nil {
		return m.newContext(nil)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if c, ok := fs.roots[m]; ok && c.State() != StateDisposed {
		return c
	}
	c := m.newContext(nil)
	fs.roots[m] = c
	return c
}
