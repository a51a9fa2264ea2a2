package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/hooks"
	"github.com/roach88/unitofwork/internal/memstore"
	"github.com/roach88/unitofwork/internal/metrics"
	"github.com/roach88/unitofwork/internal/model"
	"github.com/roach88/unitofwork/internal/testutil"
	"github.com/roach88/unitofwork/internal/txn"
)

var shop = model.MustModel("shop",
	&model.Type{
		Name:   "Customer",
		Store:  "main",
		Keys:   []model.KeyField{{Name: "id", Kind: model.KindInt64, ServerGenerated: true}},
		Fields: []model.Field{{Name: "name", Kind: model.FieldString}},
	},
	&model.Type{
		Name:   "Order",
		Store:  "main",
		Keys:   []model.KeyField{{Name: "id", Kind: model.KindInt64, ServerGenerated: true}},
		Fields: []model.Field{{Name: "total", Kind: model.FieldInt}},
		Refs:   []model.Reference{{Name: "customer", Target: "Customer", Required: true}},
	},
	&model.Type{
		Name:   "Tag",
		Store:  "main",
		Keys:   []model.KeyField{{Name: "code", Kind: model.KindString}},
		Fields: []model.Field{{Name: "label", Kind: model.FieldString}},
	},
)

var audit = model.MustModel("audit",
	&model.Type{
		Name:   "Entry",
		Store:  "audit",
		Keys:   []model.KeyField{{Name: "id", Kind: model.KindInt64, ServerGenerated: true}},
		Fields: []model.Field{{Name: "note", Kind: model.FieldString}},
	},
)

type env struct {
	t     *testing.T
	rec   *testutil.Recorder
	store *memstore.Store
	mgr   *txn.Manager
}

func newEnv(t *testing.T, faults testutil.Faults, opts ...txn.Option) *env {
	t.Helper()
	e := &env{t: t, rec: testutil.NewRecorder(), store: memstore.New("main", shop, memstore.Options{})}
	opts = append([]txn.Option{txn.WithIDGenerator(testutil.NewSequenceIDGenerator("shop"))}, opts...)
	mgr, err := txn.New(shop, []commit.Backend{e.rec.Wrap(e.store, faults)}, opts...)
	require.NoError(t, err)
	e.mgr = mgr
	return e
}

func (e *env) typ(name string) *model.Type {
	e.t.Helper()
	ty, ok := shop.Type(name)
	require.True(e.t, ok)
	return ty
}

// seed commits the given customers and returns to a clean trace.
func (e *env) seed(names ...string) {
	e.t.Helper()
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		for _, n := range names {
			if _, err := c.Create(ctx, "Customer", map[string]any{"name": n}); err != nil {
				return err
			}
		}
		_, err := c.Create(ctx, "Tag", map[string]any{"code": "a", "label": "old"})
		return err
	})
	require.NoError(e.t, err)
	e.rec.Reset()
}

func TestRun_CustomerBeforeOrder(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	var customer, order *model.Record

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		var err error
		// The order is created first; commit ordering must still insert the
		// customer first.
		if order, err = c.Create(ctx, "Order", map[string]any{"total": 42}); err != nil {
			return err
		}
		if customer, err = c.Create(ctx, "Customer", map[string]any{"name": "ada"}); err != nil {
			return err
		}
		order.SetRef("customer", customer)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"insert Customer 1", "insert Order 1", "commit main"}, e.rec.Lines())
	rows := e.store.Rows(e.typ("Order"))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["customer_id"])

	key, ok := order.Ref("customer").Key()
	require.True(t, ok)
	assert.Equal(t, model.Int64Key(1), key)
}

func TestQuery_SharesInstances(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	e.seed("ada", "grace")

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		all, err := c.Query(ctx, "Customer", nil)
		require.NoError(t, err)
		require.Len(t, all, 2)

		again, err := c.Query(ctx, "Customer", model.Eq("name", "grace"))
		require.NoError(t, err)
		require.Len(t, again, 1)
		grace := again[0]
		assert.Contains(t, all, grace)
		assert.Equal(t, model.Unchanged, grace.State())

		key, _ := grace.Key()
		got, ok, err := c.Get(ctx, "Customer", key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Same(t, grace, got)

		deflated, err := c.GetDeflated("Customer", key)
		require.NoError(t, err)
		assert.Same(t, grace, deflated)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"commit main"}, e.rec.Lines(), "reads write nothing")
}

func TestQuery_ReferencesResolveToCachedInstances(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		customer, err := c.Create(ctx, "Customer", map[string]any{"name": "ada"})
		if err != nil {
			return err
		}
		order, err := c.Create(ctx, "Order", map[string]any{"total": 1})
		if err != nil {
			return err
		}
		order.SetRef("customer", customer)
		return nil
	})
	require.NoError(t, err)

	err = e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		orders, err := c.Query(ctx, "Order", nil)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		ref := orders[0].Ref("customer")
		require.NotNil(t, ref)
		assert.True(t, ref.State().Is(model.Deflated), "not loaded yet")

		customers, err := c.Query(ctx, "Customer", nil)
		require.NoError(t, err)
		require.Len(t, customers, 1)
		assert.Same(t, ref, customers[0], "the placeholder is inflated in place")
		assert.False(t, ref.State().Is(model.Deflated))
		assert.Equal(t, "ada", ref.Get("name"))
		return nil
	})
	require.NoError(t, err)
}

func TestGet_MissingAndDeleted(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	e.seed("ada")

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		_, ok, err := c.Get(ctx, "Customer", model.Int64Key(99))
		require.NoError(t, err)
		assert.False(t, ok)

		ada, ok, err := c.Get(ctx, "Customer", model.Int64Key(1))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, c.Delete(ctx, ada))

		_, ok, err = c.Get(ctx, "Customer", model.Int64Key(1))
		require.NoError(t, err)
		assert.False(t, ok, "pending deletions are hidden")

		all, err := c.Query(ctx, "Customer", nil)
		require.NoError(t, err)
		assert.Empty(t, all)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"delete Customer 1", "commit main"}, e.rec.Lines())
	assert.Empty(t, e.store.Rows(e.typ("Customer")))
}

func TestCreate_ResurrectsDeletedObject(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	e.seed()

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		old, ok, err := c.Get(ctx, "Tag", model.StringKey("a"))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, c.Delete(ctx, old))

		fresh, err := c.Create(ctx, "Tag", map[string]any{"code": "a", "label": "new"})
		require.NoError(t, err)
		assert.Same(t, old, fresh, "exactly one live instance")
		assert.Equal(t, model.Changed, fresh.State())
		assert.Equal(t, "new", fresh.Get("label"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"update Tag a", "commit main"}, e.rec.Lines())
	rows := e.store.Rows(e.typ("Tag"))
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0]["label"])
}

func TestCreate_CollisionAbortsTransaction(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		if _, err := c.Create(ctx, "Tag", map[string]any{"code": "b"}); err != nil {
			return err
		}
		_, err := c.Create(ctx, "Tag", map[string]any{"code": "b"})
		return err
	})
	require.Error(t, err)
	assert.True(t, model.IsObjectAlreadyExists(err))
	assert.Empty(t, e.store.Rows(e.typ("Tag")))
}

func TestCreate_RejectsUnknownField(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		_, err := c.Create(ctx, "Customer", map[string]any{"nickname": "x"})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nickname")

	err = e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		_, err := c.Create(ctx, "Nope", nil)
		return err
	})
	assert.Error(t, err)
}

func TestFlush_WritesOnceAndIsVisibleToReads(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		ada, err := c.Create(ctx, "Customer", map[string]any{"name": "ada"})
		require.NoError(t, err)
		require.NoError(t, c.Flush(ctx))
		assert.Equal(t, model.Unchanged, ada.State())
		assert.Empty(t, e.store.Rows(e.typ("Customer")), "not committed yet")

		all, err := c.Query(ctx, "Customer", nil)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Same(t, ada, all[0])

		ada.Set("name", "ada lovelace")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert Customer 1", "update Customer 1", "commit main"}, e.rec.Lines())
	rows := e.store.Rows(e.typ("Customer"))
	require.Len(t, rows, 1)
	assert.Equal(t, "ada lovelace", rows[0]["name"])
}

func TestCommitFailure_IsReportedAsAbort(t *testing.T) {
	boom := errors.New("socket closed")
	e := newEnv(t, testutil.Faults{Insert: boom})

	var captured *txn.Context
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		captured = c
		_, err := c.Create(ctx, "Customer", map[string]any{"name": "ada"})
		return err
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, model.IsTransactionAborted(err))
	assert.Contains(t, err.Error(), "may already have committed")
	assert.Equal(t, 1, e.rec.Count("rollback"))
	assert.Empty(t, e.store.Rows(e.typ("Customer")))
	assert.Equal(t, txn.StateDisposed, captured.State())
}

func TestDisposedContextRejectsUse(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	var captured *txn.Context
	require.NoError(t, e.mgr.Run(context.Background(), txn.ScopeRequired, func(_ context.Context, c *txn.Context) error {
		captured = c
		return nil
	}))
	assert.Zero(t, e.mgr.Active(), "finished contexts are forgotten")

	ctx := context.Background()
	_, err := captured.Create(ctx, "Customer", nil)
	assert.True(t, model.HasCode(err, model.CodeContextDisposed))
	_, err = captured.Query(ctx, "Customer", nil)
	assert.True(t, model.HasCode(err, model.CodeContextDisposed))
	_, _, err = captured.Get(ctx, "Customer", model.Int64Key(1))
	assert.True(t, model.HasCode(err, model.CodeContextDisposed))
	assert.NoError(t, captured.Dispose(ctx), "disposing twice is harmless")
}

func TestRootContext_ReadsOnly(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	e.seed("ada")
	ctx := txn.WithFlow(context.Background())

	root, err := e.mgr.Current(ctx)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())

	again, err := e.mgr.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, root, again, "one root per flow")

	_, err = root.Create(ctx, "Customer", map[string]any{"name": "x"})
	assert.True(t, model.HasCode(err, model.CodeNotInScope))
	assert.True(t, model.HasCode(root.Flush(ctx), model.CodeNotInScope))

	all, err := root.Query(ctx, "Customer", nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, model.HasCode(root.Delete(ctx, all[0]), model.CodeNotInScope))
	assert.Equal(t, []string{"rollback main"}, e.rec.Lines(), "root reads use a throwaway command context")

	rows, err := root.Query(ctx, "Customer", nil)
	require.NoError(t, err)
	assert.Same(t, all[0], rows[0])

	a, err := e.mgr.Current(context.Background())
	require.NoError(t, err)
	b, err := e.mgr.Current(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, b, "without a flow every call gets a fresh root")
}

func TestCurrent_ResolvesCommittingContextFirst(t *testing.T) {
	reg := hooks.NewRegistry()
	var e *env
	var seen []*txn.Context
	reg.On(hooks.BeforeSubmit, "probe", func(ctx context.Context, _ hooks.Event) error {
		// Even a flow that suppressed its transaction must observe the
		// context being committed.
		c, err := e.mgr.Current(txn.WithTransaction(ctx, nil))
		if err != nil {
			return err
		}
		seen = append(seen, c)
		return nil
	})
	e = newEnv(t, testutil.Faults{}, txn.WithHooks(reg))

	var owner *txn.Context
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		owner = c
		current, err := e.mgr.Current(ctx)
		require.NoError(t, err)
		assert.Same(t, c, current)
		_, err = c.Create(ctx, "Customer", map[string]any{"name": "ada"})
		return err
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Same(t, owner, seen[0])
}

func TestHooks_CreateAndRead(t *testing.T) {
	reg := hooks.NewRegistry()
	var points []string
	reg.On(hooks.Create, "log", func(_ context.Context, ev hooks.Event) error {
		points = append(points, string(ev.Point)+" "+ev.Objects[0].Type().Name)
		return nil
	})
	reg.On(hooks.Read, "log", func(_ context.Context, ev hooks.Event) error {
		points = append(points, string(ev.Point)+" "+ev.Objects[0].Type().Name)
		return nil
	})
	e := newEnv(t, testutil.Faults{}, txn.WithHooks(reg))
	e.seed("ada")

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		_, err := c.Query(ctx, "Customer", nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"create Customer", "create Tag", "read Customer"}, points)
}

func TestTwoManagers_CommitInTwoPhases(t *testing.T) {
	rec := testutil.NewRecorder()
	main := memstore.New("main", shop, memstore.Options{TwoPhase: true})
	journal := memstore.New("audit", audit, memstore.Options{TwoPhase: true})
	ids := testutil.NewSequenceIDGenerator("ctx")
	shopMgr, err := txn.New(shop, []commit.Backend{rec.Wrap(main, testutil.Faults{})}, txn.WithIDGenerator(ids))
	require.NoError(t, err)
	auditMgr, err := txn.New(audit, []commit.Backend{rec.Wrap(journal, testutil.Faults{})}, txn.WithIDGenerator(ids))
	require.NoError(t, err)

	err = shopMgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		if _, err := c.Create(ctx, "Customer", map[string]any{"name": "ada"}); err != nil {
			return err
		}
		ac, err := auditMgr.Current(ctx)
		if err != nil {
			return err
		}
		assert.Same(t, c.Transaction(), ac.Transaction())
		_, err = ac.Create(ctx, "Entry", map[string]any{"note": "customer created"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"insert Customer 1", "prepare main",
		"insert Entry 1", "prepare audit",
		"commit main", "commit audit",
	}, rec.Lines())
	entry, _ := audit.Type("Entry")
	assert.Len(t, journal.Rows(entry), 1)
}

func TestTwoManagers_PrepareFailureRollsBackBoth(t *testing.T) {
	rec := testutil.NewRecorder()
	main := memstore.New("main", shop, memstore.Options{TwoPhase: true})
	journal := memstore.New("audit", audit, memstore.Options{TwoPhase: true})
	boom := errors.New("journal offline")
	shopMgr, err := txn.New(shop, []commit.Backend{rec.Wrap(main, testutil.Faults{})})
	require.NoError(t, err)
	auditMgr, err := txn.New(audit, []commit.Backend{rec.Wrap(journal, testutil.Faults{Prepare: boom})})
	require.NoError(t, err)

	err = shopMgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		if _, err := c.Create(ctx, "Customer", map[string]any{"name": "ada"}); err != nil {
			return err
		}
		ac, err := auditMgr.Current(ctx)
		if err != nil {
			return err
		}
		_, err = ac.Create(ctx, "Entry", map[string]any{"note": "customer created"})
		return err
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, model.IsTransactionAborted(err))
	assert.Equal(t, 2, rec.Count("rollback"))
	assert.Zero(t, rec.Count("commit"))
	customer, _ := shop.Type("Customer")
	assert.Empty(t, main.Rows(customer))
}

func TestNew_RequiresBackendPerStore(t *testing.T) {
	_, err := txn.New(shop, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"main"`)

	m := memstore.New("main", shop, memstore.Options{})
	_, err = txn.New(shop, []commit.Backend{m, m})
	assert.Error(t, err)
}

func TestMetrics_TrackOutcomesAndCacheSize(t *testing.T) {
	mt := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, mt.Register(reg))
	e := newEnv(t, testutil.Faults{}, txn.WithMetrics(mt))
	e.seed("ada")

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		if _, err := c.Query(ctx, "Customer", nil); err != nil {
			return err
		}
		return errors.New("give up")
	})
	require.Error(t, err)

	n, err := promtest.GatherAndCount(reg, "unitofwork_txn_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	values := gather(t, reg)
	assert.Equal(t, 1.0, values["unitofwork_txn_outcomes_total committed"])
	assert.Equal(t, 1.0, values["unitofwork_txn_outcomes_total rolled_back"])
	assert.Zero(t, values["unitofwork_cache_objects"], "disposed contexts hold nothing")
}

// gather flattens counters and gauges to "name label..." keys.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += " " + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestDelete_DroppedObjectTwiceIsNotWritten(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		if _, err := c.Create(ctx, "Customer", map[string]any{"name": "ada"}); err != nil {
			return err
		}
		tag, err := c.Create(ctx, "Tag", map[string]any{"code": "t1"})
		if err != nil {
			return err
		}
		if err := c.Delete(ctx, tag); err != nil {
			return err
		}
		return c.Delete(ctx, tag)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"insert Customer 1", "commit main"}, e.rec.Lines())
}

func TestDelete_ByPredicate(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	e.seed("ada")

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		p, err := c.GetByPredicate("Tag", model.Eq("label", "old"))
		if err != nil {
			return err
		}
		return c.Delete(ctx, p)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.rec.Count("delete"))
	assert.Empty(t, e.store.Rows(e.typ("Tag")))
	assert.Len(t, e.store.Rows(e.typ("Customer")), 1)
}

func TestImport_DeletionDeletesCachedInstance(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	e.seed()

	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		live, ok, err := c.Get(ctx, "Tag", model.StringKey("a"))
		require.NoError(t, err)
		require.True(t, ok)

		gone, err := model.NewDeflated(e.typ("Tag"), model.StringKey("a"))
		require.NoError(t, err)
		gone.SetState(model.Deleted)
		got, err := c.Import(gone)
		require.NoError(t, err)
		assert.Same(t, live, got)

		_, ok, err = c.Get(ctx, "Tag", model.StringKey("a"))
		require.NoError(t, err)
		assert.False(t, ok, "a pending deletion reads as missing")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, e.store.Rows(e.typ("Tag")))
}

func TestCreate_KeyCannotChangeOnceCached(t *testing.T) {
	e := newEnv(t, testutil.Faults{})
	err := e.mgr.Run(context.Background(), txn.ScopeRequired, func(ctx context.Context, c *txn.Context) error {
		tag, err := c.Create(ctx, "Tag", map[string]any{"code": "p1"})
		require.NoError(t, err)
		assert.True(t, model.HasCode(tag.Set("code", "p2"), model.CodeImmutablePrimaryKey))

		got, ok, err := c.Get(ctx, "Tag", model.StringKey("p1"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Same(t, tag, got)

		_, err = c.Create(ctx, "Tag", map[string]any{"code": "p2"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e.rec.Count("insert"))
}
