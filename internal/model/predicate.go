package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Predicate is a stored query predicate that addresses objects without a key.
//
// This is a sealed interface: Compare, And and Or are the only node types,
// which keeps store compilers exhaustive.
type Predicate interface {
	predicateNode()
}

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpLt Op = "lt"
	OpLe Op = "le"
	OpGt Op = "gt"
	OpGe Op = "ge"
)

// Compare compares a column with a literal.
//
// Value must be a string, bool, integer or uuid.UUID. Floats are rejected
// because they have no canonical encoding.
type Compare struct {
	Field string
	Op    Op
	Value any
}

// And is a conjunction. An empty And is always true.
type And struct {
	Terms []Predicate
}

// Or is a disjunction. An empty Or is always false.
type Or struct {
	Terms []Predicate
}

func (Compare) predicateNode() {}
func (And) predicateNode()     {}
func (Or) predicateNode()      {}

// Eq is shorthand for Compare{Field: field, Op: OpEq, Value: v}.
func Eq(field string, v any) Compare { return Compare{Field: field, Op: OpEq, Value: v} }

// AllOf is shorthand for And{Terms: terms}.
func AllOf(terms ...Predicate) And { return And{Terms: terms} }

// CanonicalKey encodes p as canonical JSON. Structurally equal predicates
// produce identical keys; the encoding tags literal types so that 5 and "5"
// stay distinct.
func CanonicalKey(p Predicate) (string, error) {
	tree, err := predicateTree(p)
	if err != nil {
		return "", err
	}
	b, err := MarshalCanonical(tree)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func predicateTree(p Predicate) (map[string]any, error) {
	switch node := p.(type) {
	case Compare:
		return compareTree(node)
	case *Compare:
		return compareTree(*node)
	case And:
		return junctionTree("and", node.Terms)
	case *And:
		return junctionTree("and", node.Terms)
	case Or:
		return junctionTree("or", node.Terms)
	case *Or:
		return junctionTree("or", node.Terms)
	case nil:
		return nil, fmt.Errorf("nil predicate")
	default:
		return nil, fmt.Errorf("unsupported predicate type %T", p)
	}
}

func compareTree(c Compare) (map[string]any, error) {
	if !validOp(c.Op) {
		return nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
	lit, err := literalTree(c.Value)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", c.Field, err)
	}
	return map[string]any{"cmp": c.Field, "op": string(c.Op), "value": lit}, nil
}

func junctionTree(op string, terms []Predicate) (map[string]any, error) {
	list := make([]any, len(terms))
	for i, t := range terms {
		sub, err := predicateTree(t)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", op, i, err)
		}
		list[i] = sub
	}
	return map[string]any{op: list}, nil
}

func literalTree(v any) (map[string]any, error) {
	switch val := v.(type) {
	case string:
		return map[string]any{"str": val}, nil
	case bool:
		return map[string]any{"bool": val}, nil
	case int:
		return map[string]any{"int": int64(val)}, nil
	case int32:
		return map[string]any{"int": int64(val)}, nil
	case int64:
		return map[string]any{"int": val}, nil
	case uuid.UUID:
		return map[string]any{"uuid": val.String()}, nil
	case Key:
		if _, composite := val.(CompositeKey); composite {
			return nil, fmt.Errorf("composite key literal")
		}
		return literalTree(KeyValue(val))
	case float32, float64:
		return nil, fmt.Errorf("float literal %v has no canonical form", val)
	case nil:
		return nil, fmt.Errorf("null literal")
	default:
		return nil, fmt.Errorf("unsupported literal type %T", v)
	}
}

func validOp(op Op) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Evaluate tests p against a row. lookup returns a column value and whether
// it is set; unset columns never satisfy a comparison.
func Evaluate(p Predicate, lookup func(field string) (any, bool)) (bool, error) {
	switch node := p.(type) {
	case Compare:
		return evalCompare(node, lookup)
	case *Compare:
		return evalCompare(*node, lookup)
	case And:
		return evalJunction(node.Terms, true, lookup)
	case *And:
		return evalJunction(node.Terms, true, lookup)
	case Or:
		return evalJunction(node.Terms, false, lookup)
	case *Or:
		return evalJunction(node.Terms, false, lookup)
	default:
		return false, fmt.Errorf("unsupported predicate type %T", p)
	}
}

func evalJunction(terms []Predicate, all bool, lookup func(string) (any, bool)) (bool, error) {
	for _, t := range terms {
		ok, err := Evaluate(t, lookup)
		if err != nil {
			return false, err
		}
		if all && !ok {
			return false, nil
		}
		if !all && ok {
			return true, nil
		}
	}
	return all, nil
}

func evalCompare(c Compare, lookup func(string) (any, bool)) (bool, error) {
	have, ok := lookup(c.Field)
	if !ok || have == nil {
		return false, nil
	}
	cmp, err := compareValues(have, c.Value)
	if err != nil {
		return false, fmt.Errorf("field %q: %w", c.Field, err)
	}
	switch c.Op {
	case OpEq:
		return cmp == 0, nil
	case OpNe:
		return cmp != 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", c.Op)
}

// compareValues orders two literals of compatible type.
func compareValues(a, b any) (int, error) {
	if k, ok := a.(Key); ok {
		a = KeyValue(k)
	}
	if k, ok := b.(Key); ok {
		b = KeyValue(k)
	}
	if af, ok := a.(float64); ok {
		switch bv := b.(type) {
		case float64:
			return cmpOrdered(af, bv), nil
		case int64:
			return cmpOrdered(af, float64(bv)), nil
		case int:
			return cmpOrdered(af, float64(bv)), nil
		}
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	if isInteger(a) {
		ai, _ := toInt64(a)
		bi, err := toInt64(b)
		if err != nil || !isInteger(b) {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return cmpOrdered(ai, bi), nil
	}
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return cmpOrdered(av, bv), nil
		case uuid.UUID:
			return cmpOrdered(av, bv.String()), nil
		}
	case uuid.UUID:
		switch bv := b.(type) {
		case uuid.UUID:
			return cmpOrdered(av.String(), bv.String()), nil
		case string:
			return cmpOrdered(av.String(), bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !av:
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint32:
		return true
	}
	return false
}

func cmpOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
