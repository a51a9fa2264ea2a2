package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/model"
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
		Keys:   []model.KeyField{{Name: "id", Kind: model.KindUUID, ServerGenerated: true}},
		Fields: []model.Field{{Name: "total", Kind: model.FieldInt}},
		Refs:   []model.Reference{{Name: "customer", Target: "Customer", Required: true}},
	},
)

func typ(t *testing.T, name string) *model.Type {
	t.Helper()
	ty, ok := shop.Type(name)
	require.True(t, ok)
	return ty
}

func begin(t *testing.T, s *Store) commit.Executor {
	t.Helper()
	e, err := s.Begin(context.Background())
	require.NoError(t, err)
	return e
}

func TestInsert_GeneratesKeysAndCommits(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{})
	customer := typ(t, "Customer")

	e := begin(t, s)
	c := model.NewRecord(customer, model.New)
	c.Set("name", "ada")
	res, err := e.Insert(ctx, customer, []*model.Record{c})
	require.NoError(t, err)
	assert.Empty(t, res.ToRetry)
	assert.Empty(t, res.ToFixUp)

	k, ok := c.Key()
	require.True(t, ok)
	assert.Equal(t, model.Int64Key(1), k)
	assert.Empty(t, s.Rows(customer), "uncommitted rows stay private")

	require.NoError(t, e.Commit(ctx))
	require.NoError(t, e.Close())
	rows := s.Rows(customer)
	require.Len(t, rows, 1)
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestInsert_RequiredReferenceToPendingTargetIsRetried(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{})
	customer, order := typ(t, "Customer"), typ(t, "Order")

	e := begin(t, s)
	c := model.NewRecord(customer, model.New)
	o := model.NewRecord(order, model.New)
	o.SetRef("customer", c)

	res, err := e.Insert(ctx, order, []*model.Record{o})
	require.NoError(t, err)
	assert.Equal(t, []*model.Record{o}, res.ToRetry)
	_, ok := o.Key()
	assert.False(t, ok, "retried rows get no key")
}

func TestInsert_DeferredWritesNullAndReportsFixup(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{DeferredConstraints: true})
	customer, order := typ(t, "Customer"), typ(t, "Order")

	e := begin(t, s)
	c := model.NewRecord(customer, model.New)
	o := model.NewRecord(order, model.New)
	o.SetRef("customer", c)

	res, err := e.Insert(ctx, order, []*model.Record{o})
	require.NoError(t, err)
	assert.Empty(t, res.ToRetry)
	require.Len(t, res.ToFixUp, 1)
	assert.Equal(t, []string{"customer"}, res.ToFixUp[0].Refs)

	// Committing with the reference still NULL violates the deferred check.
	err = e.Commit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required reference is NULL")
	assert.Empty(t, s.Rows(order))
}

func TestUpdateAndDelete_MissingRow(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{})
	customer := typ(t, "Customer")
	e := begin(t, s)

	ghost := model.NewRecord(customer, model.Unchanged)
	require.NoError(t, ghost.SetPrimaryKey(model.Int64Key(99)))
	ghost.Set("name", "x")

	err := e.Update(ctx, customer, []commit.Change{{Object: ghost, Fields: []string{"name"}}})
	assert.True(t, model.IsMissingDataAccessObject(err))

	err = e.Delete(ctx, customer, []*model.Record{ghost})
	assert.True(t, model.IsMissingDataAccessObject(err))
}

func TestDelete_RestrictsReferencedRows(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{})
	customer, order := typ(t, "Customer"), typ(t, "Order")
	e := begin(t, s)

	c := model.NewRecord(customer, model.New)
	_, err := e.Insert(ctx, customer, []*model.Record{c})
	require.NoError(t, err)
	c.MarkInserted(true)
	o := model.NewRecord(order, model.New)
	o.SetRef("customer", c)
	_, err = e.Insert(ctx, order, []*model.Record{o})
	require.NoError(t, err)

	err = e.Delete(ctx, customer, []*model.Record{c})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key")
}

func TestQuery_SeesOwnWritesAndPredicates(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{})
	customer := typ(t, "Customer")
	e := begin(t, s).(*Executor)

	for _, name := range []string{"ada", "grace", "alan"} {
		c := model.NewRecord(customer, model.New)
		c.Set("name", name)
		_, err := e.Insert(ctx, customer, []*model.Record{c})
		require.NoError(t, err)
	}

	rows, err := e.Query(ctx, customer, model.Compare{Field: "name", Op: model.OpGe, Value: "alan"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "grace", rows[0]["name"])
	assert.Equal(t, "alan", rows[1]["name"])

	all, err := e.Query(ctx, customer, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTwoPhase_Prepare(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{TwoPhase: true, DeferredConstraints: true})
	order := typ(t, "Order")

	e := begin(t, s)
	p, ok := e.(commit.Preparer)
	require.True(t, ok)

	o := model.NewRecord(order, model.New)
	_, err := e.Insert(ctx, order, []*model.Record{o})
	require.NoError(t, err)
	assert.Error(t, p.Prepare(ctx), "dangling required reference fails prepare")

	plain := begin(t, New("other", shop, Options{}))
	_, ok = plain.(commit.Preparer)
	assert.False(t, ok)
}

func TestRollback_DiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New("main", shop, Options{})
	customer := typ(t, "Customer")
	e := begin(t, s)
	_, err := e.Insert(ctx, customer, []*model.Record{model.NewRecord(customer, model.New)})
	require.NoError(t, err)
	require.NoError(t, e.Rollback(ctx))
	require.NoError(t, e.Close())
	assert.Empty(t, s.Rows(customer))
	assert.Error(t, e.Close(), "double close is reported")
}
