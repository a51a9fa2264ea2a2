package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/roach88/unitofwork/internal/cache"
	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/hooks"
	"github.com/roach88/unitofwork/internal/model"
)

// State is the lifecycle position of a Context.
type State int

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Context owns the identity cache of one transaction, or of one flow's
// reads when it is a root context.
//
// Thread-safety: a Context is not safe for concurrent use. Goroutines
// cooperating in one transaction must serialize their calls. Version and
// ID may be read from any goroutine.
type Context struct {
	id       string
	manager  *Manager
	tx       *Transaction
	cache    *cache.IdentityCache
	contexts *commit.Contexts
	logger   *slog.Logger

	state    State
	prepared bool

	version  atomic.Int64
	nesting  int
	finished []func(version int64)

	// reported is the cache size last published to metrics.
	reported int
}

var _ Participant = (*Context)(nil)

func (m *Manager) newContext(tx *Transaction) *Context {
	c := &Context{
		id:      m.ids.Generate(),
		manager: m,
		tx:      tx,
		cache:   cache.New(),
	}
	attrs := []any{"context", c.id}
	if tx != nil {
		attrs = append(attrs, "transaction", tx.ID())
	}
	c.logger = m.logger.With(attrs...)
	if tx != nil {
		c.contexts = commit.NewContexts(m.backend, c.logger)
	}
	return c
}

// ID returns the context ID.
func (c *Context) ID() string { return c.id }

// Transaction returns the owning transaction, or nil for a root context.
func (c *Context) Transaction() *Transaction { return c.tx }

// IsRoot reports whether c serves reads outside any transaction.
func (c *Context) IsRoot() bool { return c.tx == nil }

// State returns the lifecycle state.
func (c *Context) State() State { return c.state }

// Len returns the number of cached objects.
func (c *Context) Len() int { return c.cache.Len() }

// Version returns the nesting version: the number of times the context was
// entered from outside any scope.
func (c *Context) Version() int64 { return c.version.Load() }

// OnVersionFinished registers fn to run each time the outermost scope on c
// is left. fn receives the version that finished.
func (c *Context) OnVersionFinished(fn func(version int64)) {
	c.finished = append(c.finished, fn)
}

func (c *Context) enter() {
	if c.nesting == 0 {
		c.version.Add(1)
	}
	c.nesting++
}

func (c *Context) leave() {
	if c.nesting == 0 {
		return
	}
	c.nesting--
	if c.nesting > 0 {
		return
	}
	v := c.version.Load()
	for _, fn := range c.finished {
		fn(v)
	}
}

func (c *Context) check() error {
	if c.state == StateDisposed {
		return model.NewContextDisposed(c.id)
	}
	return nil
}

func (c *Context) checkWrite(op string) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.tx == nil {
		return model.NewNotInScope(op)
	}
	return nil
}

func (c *Context) typ(name string) (*model.Type, error) {
	t, ok := c.manager.model.Type(name)
	if !ok {
		return nil, fmt.Errorf("model %s has no type %q", c.manager.model.Name(), name)
	}
	return t, nil
}

// reportSize publishes the change in cache size since the last report.
func (c *Context) reportSize() {
	n := c.cache.Len()
	c.manager.metrics.CachedObjects(n - c.reported)
	c.reported = n
}

// Create activates a new object of typeName, assigns values and caches it.
// Values may name key components and fields; references are set on the
// returned record with SetRef.
//
// The returned record is the canonical instance: when a deletion of the
// same key is pending, the deleted placeholder is resurrected and returned.
func (c *Context) Create(ctx context.Context, typeName string, values map[string]any) (*model.Record, error) {
	if err := c.checkWrite("create"); err != nil {
		return nil, err
	}
	t, err := c.typ(typeName)
	if err != nil {
		return nil, err
	}
	r := c.manager.activator.NewInstance(t)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, isKey := t.KeyField(name)
		_, isField := t.Field(name)
		if !isKey && !isField {
			return nil, fmt.Errorf("create %s: unknown field %q", t.Name, name)
		}
		if err := r.Set(name, values[name]); err != nil {
			return nil, err
		}
	}
	return c.Add(ctx, r)
}

// Add caches a New record built by the caller, typically through the
// manager's activator with its references already set.
func (c *Context) Add(ctx context.Context, r *model.Record) (*model.Record, error) {
	if err := c.checkWrite("create"); err != nil {
		return nil, err
	}
	if !r.State().Is(model.New) {
		return nil, fmt.Errorf("add %s: state %s is not New", r, r.State())
	}
	canonical, err := c.cache.Cache(r, false)
	if err != nil {
		return nil, err
	}
	c.reportSize()
	if err := c.manager.hooks.Fire(ctx, hooks.Event{
		Point:     hooks.Create,
		ContextID: c.id,
		Objects:   []*model.Record{canonical},
	}); err != nil {
		return nil, err
	}
	return canonical, nil
}

// Import caches an object loaded outside this context. An instance already
// cached for the same identity is returned untouched, unless the imported
// object is a deletion: then the cached instance is deleted.
func (c *Context) Import(r *model.Record) (*model.Record, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	canonical, err := c.cache.Cache(r, true)
	if err != nil {
		return nil, err
	}
	c.reportSize()
	return canonical, nil
}

// Delete schedules r for deletion. Deleting a New object discards it.
func (c *Context) Delete(ctx context.Context, r *model.Record) error {
	if err := c.checkWrite("delete"); err != nil {
		return err
	}
	if err := c.cache.Deleted(r); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "object deleted", "object", r.String(), "state", r.State().String())
	c.reportSize()
	return nil
}

// Evict drops r from the cache without deleting it. It does nothing while
// the context is committing.
func (c *Context) Evict(r *model.Record) {
	c.cache.Evict(r)
	c.reportSize()
}

// Get returns the object of typeName with the given key, answering from the
// cache when it holds the object loaded and querying the store otherwise.
// An object whose deletion is pending is reported missing.
func (c *Context) Get(ctx context.Context, typeName string, key model.Key) (*model.Record, bool, error) {
	if err := c.check(); err != nil {
		return nil, false, err
	}
	t, err := c.typ(typeName)
	if err != nil {
		return nil, false, err
	}
	if _, deleted := c.cache.GetDeleted(t, key); deleted {
		return nil, false, nil
	}
	if r, ok := c.cache.Get(t, key); ok && !r.State().Is(model.Deflated) {
		return r, true, nil
	}
	p, err := keyPredicate(t, key)
	if err != nil {
		return nil, false, err
	}
	found, err := c.query(ctx, t, p)
	if err != nil {
		return nil, false, err
	}
	if len(found) == 0 {
		return nil, false, nil
	}
	return found[0], true, nil
}

// GetDeflated returns the cached instance for key, or caches a Deflated
// placeholder for it. It does no I/O.
func (c *Context) GetDeflated(typeName string, key model.Key) (*model.Record, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t, err := c.typ(typeName)
	if err != nil {
		return nil, err
	}
	if r, ok := c.cache.Get(t, key); ok {
		return r, nil
	}
	r, err := model.NewDeflated(t, key)
	if err != nil {
		return nil, err
	}
	canonical, err := c.cache.Cache(r, true)
	if err != nil {
		return nil, err
	}
	c.reportSize()
	return canonical, nil
}

// GetByPredicate returns the placeholder addressing the rows matched by p.
// Structurally equal predicates share one placeholder. It does no I/O.
func (c *Context) GetByPredicate(typeName string, p model.Predicate) (*model.Record, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t, err := c.typ(typeName)
	if err != nil {
		return nil, err
	}
	if r, ok, err := c.cache.GetByPredicate(t, p); err != nil || ok {
		return r, err
	}
	r, err := model.NewPredicated(t, p)
	if err != nil {
		return nil, err
	}
	canonical, err := c.cache.Cache(r, false)
	if err != nil {
		return nil, err
	}
	c.reportSize()
	return canonical, nil
}

// Query returns the objects of typeName matching p, routed through the
// identity cache: repeated queries return the same instances for the same
// keys, and objects whose deletion is pending are left out. A nil predicate
// matches every row.
//
// Reads see the writes of earlier flushes of this transaction, not writes
// still pending in the cache.
func (c *Context) Query(ctx context.Context, typeName string, p model.Predicate) ([]*model.Record, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	t, err := c.typ(typeName)
	if err != nil {
		return nil, err
	}
	return c.query(ctx, t, p)
}

func (c *Context) query(ctx context.Context, t *model.Type, p model.Predicate) ([]*model.Record, error) {
	rows, err := c.fetch(ctx, t, p)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		r, err := c.materialize(t, row)
		if err != nil {
			return nil, err
		}
		canonical, err := c.cache.Cache(r, false)
		if err != nil {
			return nil, err
		}
		if canonical.State().Is(model.Deleted) {
			continue
		}
		out = append(out, canonical)
	}
	c.reportSize()
	if err := c.manager.hooks.Fire(ctx, hooks.Event{Point: hooks.Read, ContextID: c.id, Objects: out}); err != nil {
		return nil, err
	}
	return out, nil
}

// fetch runs the store query. Transaction contexts read through their own
// command context; root contexts open a throwaway one.
func (c *Context) fetch(ctx context.Context, t *model.Type, p model.Predicate) (rows []map[string]any, err error) {
	cs := c.contexts
	if cs == nil {
		cs = commit.NewContexts(c.manager.backend, c.logger)
		defer func() {
			err = errors.Join(err, cs.RollbackAll(context.WithoutCancel(ctx)))
		}()
	}
	a, err := cs.Acquire(ctx, t.StoreName())
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, a.Release())
	}()
	q, ok := a.Executor().(commit.Querier)
	if !ok {
		return nil, fmt.Errorf("store %s does not answer queries", a.Store())
	}
	return q.Query(ctx, t, p)
}

// materialize builds an Unchanged record from a row. References become
// Deflated placeholders routed through the cache.
func (c *Context) materialize(t *model.Type, row map[string]any) (*model.Record, error) {
	r := model.NewRecord(t, model.Unchanged)
	for _, col := range t.Columns() {
		v := row[col.Name]
		switch col.Source {
		case model.ColumnKey:
			kf := t.Keys[col.Index]
			r.Load(kf.Name, v)
			if kf.From == "" || v == nil {
				continue
			}
			ref, _ := t.Ref(kf.From)
			target, err := c.deflatedRef(ref, v)
			if err != nil {
				return nil, fmt.Errorf("materialize %s.%s: %w", t.Name, kf.Name, err)
			}
			r.LoadRef(ref.Name, target)
		case model.ColumnField:
			r.Load(t.Fields[col.Index].Name, v)
		case model.ColumnRef:
			if v == nil {
				continue
			}
			ref := t.Refs[col.Index]
			target, err := c.deflatedRef(ref, v)
			if err != nil {
				return nil, fmt.Errorf("materialize %s.%s: %w", t.Name, ref.Name, err)
			}
			r.LoadRef(ref.Name, target)
		}
	}
	return r, nil
}

func (c *Context) deflatedRef(ref model.Reference, v any) (*model.Record, error) {
	target, err := c.typ(ref.Target)
	if err != nil {
		return nil, err
	}
	key, err := model.KeyFromValue(target.ScalarKeyKind(), v)
	if err != nil {
		return nil, err
	}
	if r, ok := c.cache.Get(target, key); ok {
		return r, nil
	}
	r, err := model.NewDeflated(target, key)
	if err != nil {
		return nil, err
	}
	return c.cache.Cache(r, true)
}

// keyPredicate addresses the row of t with the given key.
func keyPredicate(t *model.Type, key model.Key) (model.Predicate, error) {
	nk, err := t.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	if ck, ok := nk.(model.CompositeKey); ok {
		terms := make([]model.Predicate, ck.Len())
		for i := range terms {
			terms[i] = model.Eq(t.Keys[i].Name, model.KeyValue(ck.Part(i)))
		}
		return model.AllOf(terms...), nil
	}
	return model.Eq(t.Keys[0].Name, model.KeyValue(nk)), nil
}

func (c *Context) pipeline() *commit.Pipeline {
	return commit.NewPipeline(c.cache, c.contexts,
		commit.WithLogger(c.logger),
		commit.WithMetrics(c.manager.metrics),
		commit.WithHooks(c.manager.hooks),
		commit.WithContextID(c.id),
		commit.WithMaxPasses(c.manager.maxPasses),
	)
}

// drain runs the commit pipeline with c exposed as the committing context
// of the flow.
func (c *Context) drain(ctx context.Context, forFlush bool) error {
	stats, err := c.pipeline().Run(withCommitting(ctx, c), forFlush)
	c.reportSize()
	if err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "pending writes drained",
		"flush", forFlush,
		"passes", stats.Passes,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted)
	return nil
}

// Flush issues every pending write inside the still-open store
// transactions. Flushed objects become Unchanged, so later reads and a
// later commit treat them as persisted rows.
func (c *Context) Flush(ctx context.Context) error {
	if err := c.checkWrite("flush"); err != nil {
		return err
	}
	if c.state != StateActive {
		return fmt.Errorf("flush context %s: state is %s", c.id, c.state)
	}
	return c.drain(ctx, true)
}

// Prepare drains pending writes and prepares every store that supports it.
func (c *Context) Prepare(ctx context.Context) error {
	if err := c.checkWrite("prepare"); err != nil {
		return err
	}
	c.state = StateCommitting
	if err := c.drain(ctx, true); err != nil {
		return err
	}
	if err := c.contexts.PrepareAll(ctx); err != nil {
		return err
	}
	c.prepared = true
	return nil
}

// Commit commits the command context of every store and disposes c.
func (c *Context) Commit(ctx context.Context) error {
	if err := c.checkWrite("commit"); err != nil {
		return err
	}
	if !c.prepared {
		c.state = StateCommitting
		if err := c.drain(ctx, false); err != nil {
			return c.abort(ctx, err)
		}
	}
	return c.commitStores(ctx)
}

// SinglePhaseCommit drains pending writes and commits without a prepare
// phase.
func (c *Context) SinglePhaseCommit(ctx context.Context) error {
	if err := c.checkWrite("commit"); err != nil {
		return err
	}
	c.state = StateCommitting
	if err := c.drain(ctx, false); err != nil {
		return c.abort(ctx, err)
	}
	return c.commitStores(ctx)
}

func (c *Context) commitStores(ctx context.Context) error {
	if err := c.contexts.CommitAll(ctx); err != nil {
		c.state = StateRolledBack
		c.dispose("rolled_back")
		c.logger.WarnContext(ctx, "transaction aborted", "error", err)
		return model.NewTransactionAborted(c.tx.ID(), err)
	}
	c.state = StateCommitted
	c.dispose("committed")
	return nil
}

// abort rolls the stores back after a failed drain and reports the
// original failure as a transaction abort.
func (c *Context) abort(ctx context.Context, err error) error {
	if rerr := c.contexts.RollbackAll(context.WithoutCancel(ctx)); rerr != nil {
		c.logger.ErrorContext(ctx, "rollback after failed commit", "error", rerr)
	}
	c.state = StateRolledBack
	c.dispose("rolled_back")
	c.logger.WarnContext(ctx, "transaction aborted", "error", err)
	return model.NewTransactionAborted(c.tx.ID(), err)
}

// Rollback rolls every store back and disposes c.
func (c *Context) Rollback(ctx context.Context) error {
	if c.state == StateDisposed {
		return nil
	}
	var err error
	if c.contexts != nil {
		err = c.contexts.RollbackAll(ctx)
	}
	c.state = StateRolledBack
	c.dispose("rolled_back")
	return err
}

// InDoubt rolls every store back after the outcome of a prepared
// transaction was lost, and disposes c.
func (c *Context) InDoubt(ctx context.Context) error {
	if c.state == StateDisposed {
		return nil
	}
	c.logger.WarnContext(ctx, "transaction in doubt, rolling back local stores")
	var err error
	if c.contexts != nil {
		err = c.contexts.RollbackAll(ctx)
	}
	c.state = StateRolledBack
	c.dispose("in_doubt")
	return err
}

// Dispose releases c. A transaction context that did not finish rolls its
// stores back. Any later use fails with CONTEXT_DISPOSED.
func (c *Context) Dispose(ctx context.Context) error {
	if c.state == StateDisposed {
		return nil
	}
	if c.tx == nil {
		c.dispose("")
		return nil
	}
	return c.Rollback(ctx)
}

func (c *Context) dispose(outcome string) {
	if c.state == StateDisposed {
		return
	}
	c.cache.Clear()
	c.reportSize()
	if c.contexts != nil {
		if err := c.contexts.RollbackAll(context.Background()); err != nil {
			c.logger.Error("rollback on dispose", "error", err)
		}
	}
	c.state = StateDisposed
	c.manager.forget(c)
	if outcome != "" {
		c.manager.metrics.TransactionFinished(outcome)
	}
}
