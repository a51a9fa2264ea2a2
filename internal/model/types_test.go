package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModel_Valid(t *testing.T) {
	m, err := NewModel("shop", customerType(), orderLineType())
	require.NoError(t, err)
	assert.Equal(t, "shop", m.Name())
	assert.Len(t, m.Types(), 2)
	assert.Equal(t, []string{DefaultStore}, m.Stores())

	lt, ok := m.Type("OrderLine")
	require.True(t, ok)
	cols := lt.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"order_id", "line_no", "qty"}, names,
		"derived key column doubles as the reference column")
}

func TestNewModel_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		types []*Type
		want  string
	}{
		{"no key", []*Type{{Name: "A"}}, "at least one key field"},
		{"bad kind", []*Type{{Name: "A", Keys: []KeyField{{Name: "id", Kind: "float"}}}}, "unsupported kind"},
		{"unknown target", []*Type{{
			Name: "A",
			Keys: []KeyField{{Name: "id", Kind: KindInt64}},
			Refs: []Reference{{Name: "b", Target: "B"}},
		}}, "unknown type"},
		{"derived and generated", []*Type{{
			Name: "A",
			Keys: []KeyField{{Name: "id", Kind: KindInt64, ServerGenerated: true, From: "x"}},
		}}, "cannot be both"},
		{"duplicate type", []*Type{customerType(), customerType()}, "duplicate type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewModel("bad", tt.types...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestObjectState_String(t *testing.T) {
	assert.Equal(t, "Unchanged", Unchanged.String())
	assert.Equal(t, "New|Changed", NewChanged.String())
	assert.Equal(t, "Deflated|Predicated", DeflatedPredicated.String())
	assert.True(t, NewChanged.Is(New))
	assert.False(t, New.Is(Unchanged))
	assert.True(t, Unchanged.Is(Unchanged))
}

func TestError_CodesAndWrapping(t *testing.T) {
	r := NewRecord(customerType(), New)
	err := NewTransactionAborted("tx-1", NewMissingDataAccessObject(r, "update"))

	assert.True(t, IsTransactionAborted(err))
	assert.True(t, IsMissingDataAccessObject(err), "cause stays reachable through Unwrap")
	assert.Contains(t, err.Error(), "may already have committed")
	assert.False(t, IsObjectAlreadyExists(err))

	wrapped := fmt.Errorf("commit main: %w", err)
	assert.True(t, IsMissingDataAccessObject(wrapped))
	assert.True(t, HasCode(wrapped, CodeTransactionAborted))
	assert.False(t, HasCode(nil, CodeTransactionAborted))
}

func TestType_NormalizeKey(t *testing.T) {
	ct := customerType()
	k, err := ct.NormalizeKey(Int32Key(5))
	require.NoError(t, err)
	assert.Equal(t, Int64Key(5), k)

	_, err = ct.NormalizeKey(StringKey("5"))
	assert.Error(t, err)

	lt := orderLineType()
	k, err = lt.NormalizeKey(NewCompositeKey(Int32Key(1), Int64Key(2)))
	require.NoError(t, err)
	assert.True(t, KeysEqual(NewCompositeKey(Int64Key(1), Int32Key(2)), k))

	_, err = lt.NormalizeKey(Int64Key(1))
	assert.Error(t, err)
}
