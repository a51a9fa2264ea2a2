package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysEqual_Scalars(t *testing.T) {
	id := uuid.MustParse("0192b7a4-7c1e-7000-8000-000000000001")

	assert.True(t, KeysEqual(Int64Key(5), Int64Key(5)))
	assert.False(t, KeysEqual(Int64Key(5), Int64Key(6)))
	assert.False(t, KeysEqual(Int64Key(5), Int32Key(5)), "different scalar kinds are different keys")
	assert.True(t, KeysEqual(UUIDKey(id), UUIDKey(id)))
	assert.True(t, KeysEqual(StringKey("a"), StringKey("a")))
	assert.True(t, KeysEqual(nil, nil))
	assert.False(t, KeysEqual(nil, StringKey("a")))
}

func TestCompositeKey_StructuralEquality(t *testing.T) {
	a := NewCompositeKey(Int64Key(1), StringKey("x"))
	b := NewCompositeKey(Int64Key(1), StringKey("x"))
	reordered := NewCompositeKey(StringKey("x"), Int64Key(1))
	longer := NewCompositeKey(Int64Key(1), StringKey("x"), Int32Key(0))

	assert.True(t, a.Equal(b))
	assert.True(t, KeysEqual(a, b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Canonical(), b.Canonical())

	assert.False(t, a.Equal(reordered), "order matters")
	assert.False(t, a.Equal(longer), "size matters")
	assert.False(t, KeysEqual(a, Int64Key(1)), "composite never equals scalar")
}

func TestCompositeKey_NeverPanics(t *testing.T) {
	withNil := NewCompositeKey(Int64Key(1), nil)
	assert.NotPanics(t, func() {
		_ = withNil.Canonical()
		_ = withNil.String()
		_ = withNil.Hash()
		_ = KeysEqual(withNil, NewCompositeKey(Int64Key(1), nil))
		_ = KeysEqual(withNil, NewCompositeKey())
	})
}

func TestCompositeKey_FlattensNestedParts(t *testing.T) {
	nested := NewCompositeKey(NewCompositeKey(Int64Key(1), Int64Key(2)), Int64Key(3))
	flat := NewCompositeKey(Int64Key(1), Int64Key(2), Int64Key(3))
	assert.True(t, nested.Equal(flat))
	assert.Equal(t, 3, nested.Len())
}

func TestCanonical_StringsDoNotCollideWithIntegers(t *testing.T) {
	assert.NotEqual(t, StringKey("5").Canonical(), Int64Key(5).Canonical())
	assert.NotEqual(t,
		NewCompositeKey(StringKey("a,b")).Canonical(),
		NewCompositeKey(StringKey("a"), StringKey("b")).Canonical())
}

func TestKeyFromValue(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name string
		kind KeyKind
		in   any
		want Key
	}{
		{"int to int64", KindInt64, 7, Int64Key(7)},
		{"int64 to int32", KindInt32, int64(7), Int32Key(7)},
		{"integral float", KindInt64, float64(9), Int64Key(9)},
		{"numeric string", KindInt64, "12", Int64Key(12)},
		{"uuid", KindUUID, id, UUIDKey(id)},
		{"uuid string", KindUUID, id.String(), UUIDKey(id)},
		{"string", KindString, "abc", StringKey("abc")},
		{"bytes", KindString, []byte("abc"), StringKey("abc")},
		{"key passthrough", KindInt64, Int32Key(3), Int64Key(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := KeyFromValue(tt.kind, tt.in)
			require.NoError(t, err)
			assert.True(t, KeysEqual(tt.want, got), "want %v got %v", tt.want, got)
		})
	}
}

func TestKeyFromValue_Errors(t *testing.T) {
	_, err := KeyFromValue(KindInt64, 1.5)
	assert.Error(t, err)
	_, err = KeyFromValue(KindUUID, "not-a-uuid")
	assert.Error(t, err)
	_, err = KeyFromValue(KindString, 5)
	assert.Error(t, err)
	_, err = KeyFromValue(KindString, Int64Key(5))
	assert.Error(t, err)
}
