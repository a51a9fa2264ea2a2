package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/memstore"
	"github.com/roach88/unitofwork/internal/model"
)

var notes = model.MustModel("notes", &model.Type{
	Name:   "Note",
	Keys:   []model.KeyField{{Name: "id", Kind: model.KindInt64, ServerGenerated: true}},
	Fields: []model.Field{{Name: "body", Kind: model.FieldString}},
})

func noteType(t *testing.T) *model.Type {
	t.Helper()
	ty, ok := notes.Type("Note")
	require.True(t, ok)
	return ty
}

func TestRecorder_TraceLines(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder()
	b := rec.Wrap(memstore.New(model.DefaultStore, notes, memstore.Options{}), Faults{})
	note := noteType(t)

	e, err := b.Begin(ctx)
	require.NoError(t, err)
	n := model.NewRecord(note, model.New)
	n.Set("body", "hello")
	_, err = e.Insert(ctx, note, []*model.Record{n})
	require.NoError(t, err)

	n.SetState(model.Unchanged)
	n.ClearChanged()
	n.Set("body", "bye")
	require.NoError(t, e.Update(ctx, note, []commit.Change{{Object: n, Fields: []string{"body"}}}))
	require.NoError(t, e.Delete(ctx, note, []*model.Record{n}))
	require.NoError(t, e.Commit(ctx))
	require.NoError(t, e.Close())

	assert.Equal(t, []string{
		"insert Note 1",
		"update Note 1",
		"delete Note 1",
		"commit default",
	}, rec.Lines())
	assert.Equal(t, 1, rec.Count("insert"))

	execs := b.Executors()
	require.Len(t, execs, 1)
	assert.Equal(t, 1, execs[0].Commits)
	assert.Equal(t, 1, execs[0].Closes)
}

func TestRecorder_FaultsAndPreparer(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	rec := NewRecorder()

	plain := rec.Wrap(memstore.New(model.DefaultStore, notes, memstore.Options{}), Faults{Commit: boom})
	e, err := plain.Begin(ctx)
	require.NoError(t, err)
	_, ok := e.(commit.Preparer)
	assert.False(t, ok)
	assert.ErrorIs(t, e.Commit(ctx), boom)
	assert.Equal(t, 0, rec.Count("commit"), "failed commits are not traced")

	twoPhase := rec.Wrap(memstore.New(model.DefaultStore, notes, memstore.Options{TwoPhase: true}), Faults{})
	e, err = twoPhase.Begin(ctx)
	require.NoError(t, err)
	p, ok := e.(commit.Preparer)
	require.True(t, ok)
	require.NoError(t, p.Prepare(ctx))
	assert.Equal(t, "prepare default", rec.Lines()[len(rec.Lines())-1])

	_, err = rec.Wrap(memstore.New(model.DefaultStore, notes, memstore.Options{}), Faults{Begin: boom}).Begin(ctx)
	assert.ErrorIs(t, err, boom)
}
