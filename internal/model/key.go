package model

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Key is a primary key value.
//
// This is a sealed interface: only the scalar key types and CompositeKey in
// this package implement it.
type Key interface {
	// Canonical returns an unambiguous, type-tagged encoding of the key.
	// Two keys are equal exactly when their canonical encodings are equal.
	Canonical() string
	String() string
	isKey()
}

// KeyKind identifies the scalar type of one key component.
type KeyKind string

const (
	KindInt32  KeyKind = "int32"
	KindInt64  KeyKind = "int64"
	KindUUID   KeyKind = "uuid"
	KindString KeyKind = "string"
)

// ValidKeyKind reports whether kind names a supported scalar key type.
func ValidKeyKind(kind KeyKind) bool {
	switch kind {
	case KindInt32, KindInt64, KindUUID, KindString:
		return true
	}
	return false
}

// Int32Key is a 32-bit integer key.
type Int32Key int32

// Int64Key is a 64-bit integer key.
type Int64Key int64

// UUIDKey is a UUID key.
type UUIDKey uuid.UUID

// StringKey is a string key.
type StringKey string

func (Int32Key) isKey()  {}
func (Int64Key) isKey()  {}
func (UUIDKey) isKey()   {}
func (StringKey) isKey() {}

func (k Int32Key) Canonical() string  { return "i32:" + strconv.FormatInt(int64(k), 10) }
func (k Int64Key) Canonical() string  { return "i64:" + strconv.FormatInt(int64(k), 10) }
func (k UUIDKey) Canonical() string   { return "uuid:" + uuid.UUID(k).String() }
func (k StringKey) Canonical() string { return "str:" + strconv.Quote(string(k)) }

func (k Int32Key) String() string  { return strconv.FormatInt(int64(k), 10) }
func (k Int64Key) String() string  { return strconv.FormatInt(int64(k), 10) }
func (k UUIDKey) String() string   { return uuid.UUID(k).String() }
func (k StringKey) String() string { return string(k) }

// CompositeKey is an ordered tuple of scalar sub-keys.
//
// CompositeKey is not comparable with == (it holds a slice); use Equal,
// KeysEqual or Canonical instead.
type CompositeKey struct {
	parts []Key
}

// NewCompositeKey builds a composite key from scalar parts.
// Nested composite keys are flattened so that equality stays positional.
func NewCompositeKey(parts ...Key) CompositeKey {
	flat := make([]Key, 0, len(parts))
	for _, p := range parts {
		if c, ok := p.(CompositeKey); ok {
			flat = append(flat, c.parts...)
			continue
		}
		flat = append(flat, p)
	}
	return CompositeKey{parts: flat}
}

func (CompositeKey) isKey() {}

// Len returns the number of sub-keys.
func (k CompositeKey) Len() int { return len(k.parts) }

// Part returns the i-th sub-key.
func (k CompositeKey) Part(i int) Key { return k.parts[i] }

// Parts returns a copy of the sub-keys.
func (k CompositeKey) Parts() []Key {
	out := make([]Key, len(k.parts))
	copy(out, k.parts)
	return out
}

// Canonical joins the canonical encodings of the parts positionally.
func (k CompositeKey) Canonical() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range k.parts {
		if i > 0 {
			b.WriteByte(',')
		}
		if p == nil {
			b.WriteString("nil")
			continue
		}
		b.WriteString(p.Canonical())
	}
	b.WriteByte(')')
	return b.String()
}

func (k CompositeKey) String() string {
	parts := make([]string, len(k.parts))
	for i, p := range k.parts {
		if p == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Equal compares two composite keys element by element.
// Tuples of different length are unequal.
func (k CompositeKey) Equal(other CompositeKey) bool {
	if len(k.parts) != len(other.parts) {
		return false
	}
	for i := range k.parts {
		if !KeysEqual(k.parts[i], other.parts[i]) {
			return false
		}
	}
	return true
}

// Hash combines the sub-keys positionally into a 64-bit FNV-1a hash.
func (k CompositeKey) Hash() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.Canonical()))
	return h.Sum64()
}

// KeysEqual reports whether two keys are structurally equal.
// It never panics, including on nil or on mixed scalar/composite inputs.
func KeysEqual(a, b Key) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, aComposite := a.(CompositeKey)
	cb, bComposite := b.(CompositeKey)
	switch {
	case aComposite && bComposite:
		return ca.Equal(cb)
	case aComposite || bComposite:
		return false
	default:
		return a == b
	}
}

// KeyFromValue converts a raw field value into a scalar key of the given kind.
// It accepts the representations produced by database drivers and YAML/CUE
// decoding (int, int64, float64 with integral value, string, []byte, uuid.UUID).
func KeyFromValue(kind KeyKind, v any) (Key, error) {
	if k, ok := v.(Key); ok {
		return coerceKey(kind, k)
	}
	switch kind {
	case KindInt32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return Int32Key(n), nil
	case KindInt64:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return Int64Key(n), nil
	case KindUUID:
		switch val := v.(type) {
		case uuid.UUID:
			return UUIDKey(val), nil
		case string:
			id, err := uuid.Parse(val)
			if err != nil {
				return nil, fmt.Errorf("parse uuid key: %w", err)
			}
			return UUIDKey(id), nil
		case []byte:
			id, err := uuid.ParseBytes(val)
			if err != nil {
				id, err = uuid.FromBytes(val)
			}
			if err != nil {
				return nil, fmt.Errorf("parse uuid key: %w", err)
			}
			return UUIDKey(id), nil
		}
	case KindString:
		switch val := v.(type) {
		case string:
			return StringKey(val), nil
		case []byte:
			return StringKey(string(val)), nil
		}
	default:
		return nil, fmt.Errorf("unsupported key kind %q", kind)
	}
	return nil, fmt.Errorf("cannot convert %T to %s key", v, kind)
}

func coerceKey(kind KeyKind, k Key) (Key, error) {
	switch val := k.(type) {
	case Int32Key:
		if kind == KindInt64 {
			return Int64Key(val), nil
		}
	case Int64Key:
		if kind == KindInt32 {
			return Int32Key(val), nil
		}
	}
	if KeyKindOf(k) != kind {
		return nil, fmt.Errorf("key %s is not of kind %s", k, kind)
	}
	return k, nil
}

// KeyKindOf returns the kind of a scalar key, or "" for composite keys.
func KeyKindOf(k Key) KeyKind {
	switch k.(type) {
	case Int32Key:
		return KindInt32
	case Int64Key:
		return KindInt64
	case UUIDKey:
		return KindUUID
	case StringKey:
		return KindString
	}
	return ""
}

// KeyValue returns the raw field value of a scalar key: int64 for integer
// kinds, uuid.UUID or string. Composite keys yield nil.
func KeyValue(k Key) any {
	switch val := k.(type) {
	case Int32Key:
		return int64(val)
	case Int64Key:
		return int64(val)
	case UUIDKey:
		return uuid.UUID(val)
	case StringKey:
		return string(val)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("non-integral key value %v", n)
		}
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse integer key: %w", err)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer key", v)
}
