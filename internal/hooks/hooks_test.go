package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/model"
)

func sampleObjects() []*model.Record {
	t := &model.Type{Name: "Note", Keys: []model.KeyField{{Name: "id", Kind: model.KindInt64}}}
	return []*model.Record{model.NewRecord(t, model.New)}
}

func TestRegistry_FiresInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		r.On(Create, name, func(_ context.Context, ev Event) error {
			calls = append(calls, name+":"+string(ev.Point))
			return nil
		})
	}
	r.On(Read, "other", func(context.Context, Event) error {
		calls = append(calls, "read")
		return nil
	})

	require.NoError(t, r.Fire(context.Background(), Event{Point: Create, Objects: sampleObjects()}))
	assert.Equal(t, []string{"first:create", "second:create", "third:create"}, calls)
	assert.Equal(t, 3, r.Len(Create))
}

func TestRegistry_ErrorStopsChain(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	ran := false
	r.On(BeforeSubmit, "guard", func(context.Context, Event) error { return boom })
	r.On(BeforeSubmit, "later", func(context.Context, Event) error {
		ran = true
		return nil
	})

	err := r.Fire(context.Background(), Event{Point: BeforeSubmit, Objects: sampleObjects()})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"guard"`)
	assert.False(t, ran)
}

func TestRegistry_NilAndEmpty(t *testing.T) {
	var r *Registry
	assert.NoError(t, r.Fire(context.Background(), Event{Point: Create, Objects: sampleObjects()}))
	assert.Zero(t, r.Len(Create))

	called := false
	live := NewRegistry()
	live.On(AfterSubmit, "x", func(context.Context, Event) error {
		called = true
		return nil
	})
	require.NoError(t, live.Fire(context.Background(), Event{Point: AfterSubmit}))
	assert.False(t, called, "no objects, no notification")
}
