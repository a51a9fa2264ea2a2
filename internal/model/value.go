package model

import (
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// NormalizeField converts v to the canonical Go type of kind: string, int64,
// bool, float64 or uuid.UUID. Nil stays nil.
//
// Drivers and decoders hand back a wider set of representations (int, []byte,
// integer-valued booleans, UUID text); writing and comparing only canonical
// values keeps stores and predicates in agreement.
func NormalizeField(kind FieldKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case FieldString:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		}
	case FieldInt:
		if isInteger(v) {
			return toInt64(v)
		}
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			return int64(f), nil
		}
	case FieldBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case int:
			return val != 0, nil
		}
	case FieldFloat:
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case string:
			return strconv.ParseFloat(val, 64)
		}
	case FieldUUID:
		switch val := v.(type) {
		case uuid.UUID:
			return val, nil
		case string:
			return uuid.Parse(val)
		case []byte:
			return uuid.ParseBytes(val)
		}
	default:
		return nil, fmt.Errorf("unsupported field kind %q", kind)
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, kind)
}

// NormalizeKeyValue converts a raw key column value to the canonical value
// of kind: int64, uuid.UUID or string.
func NormalizeKeyValue(kind KeyKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	k, err := KeyFromValue(kind, v)
	if err != nil {
		return nil, err
	}
	return KeyValue(k), nil
}
