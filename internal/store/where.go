package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/unitofwork/internal/model"
)

// compileWhere compiles a predicate over t to a parameterised SQL fragment.
// Values are never interpolated.
func compileWhere(t *model.Type, p model.Predicate) (string, []any, error) {
	switch node := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case model.Compare:
		return compileCompare(t, node)
	case *model.Compare:
		return compileCompare(t, *node)
	case model.And:
		return compileJunction(t, node.Terms, " AND ", "1 = 1")
	case *model.And:
		return compileJunction(t, node.Terms, " AND ", "1 = 1")
	case model.Or:
		return compileJunction(t, node.Terms, " OR ", "1 = 0")
	case *model.Or:
		return compileJunction(t, node.Terms, " OR ", "1 = 0")
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

var sqlOps = map[model.Op]string{
	model.OpEq: "=",
	model.OpNe: "<>",
	model.OpLt: "<",
	model.OpLe: "<=",
	model.OpGt: ">",
	model.OpGe: ">=",
}

func compileCompare(t *model.Type, c model.Compare) (string, []any, error) {
	op, ok := sqlOps[c.Op]
	if !ok {
		return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
	col, err := predicateColumn(t, c.Field)
	if err != nil {
		return "", nil, err
	}
	param, err := toParam(c.Value)
	if err != nil {
		return "", nil, fmt.Errorf("field %q: %w", c.Field, err)
	}
	return fmt.Sprintf("%s %s ?", quoteIdent(col), op), []any{param}, nil
}

func compileJunction(t *model.Type, terms []model.Predicate, sep, empty string) (string, []any, error) {
	if len(terms) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(terms))
	var params []any
	for _, term := range terms {
		sql, ps, err := compileWhere(t, term)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		params = append(params, ps...)
	}
	return strings.Join(parts, sep), params, nil
}

// predicateColumn resolves a predicate field to a column of t. Reference
// names resolve to their reference column.
func predicateColumn(t *model.Type, field string) (string, error) {
	if _, ok := t.KeyField(field); ok {
		return field, nil
	}
	if _, ok := t.Field(field); ok {
		return field, nil
	}
	if ref, ok := t.Ref(field); ok {
		return ref.RefColumn(), nil
	}
	return "", fmt.Errorf("type %s has no field %q", t.Name, field)
}

// toParam converts a predicate literal to a driver value.
func toParam(v any) (any, error) {
	switch val := v.(type) {
	case model.CompositeKey:
		return nil, fmt.Errorf("composite key literal")
	case model.Key:
		return toParam(model.KeyValue(val))
	case uuid.UUID:
		return val.String(), nil
	case string, bool, int, int32, int64:
		return val, nil
	case nil:
		return nil, fmt.Errorf("null literal")
	}
	return nil, fmt.Errorf("unsupported literal type %T", v)
}

// keyWhere builds "k1 = ? AND k2 = ?" for the primary key of r.
func keyWhere(r *model.Record) (string, []any, error) {
	t := r.Type()
	parts := make([]string, len(t.Keys))
	params := make([]any, len(t.Keys))
	for i, kf := range t.Keys {
		k, ok := r.KeyComponent(kf)
		if !ok {
			return "", nil, model.NewMissingOrInvalidPrimaryKey(r)
		}
		k, err := model.KeyFromValue(kf.Kind, k)
		if err != nil {
			return "", nil, err
		}
		param, err := toParam(k)
		if err != nil {
			return "", nil, err
		}
		parts[i] = quoteIdent(kf.Name) + " = ?"
		params[i] = param
	}
	return strings.Join(parts, " AND "), params, nil
}

// orderBy returns the stable ORDER BY clause of t.
func orderBy(t *model.Type) string {
	cols := make([]string, len(t.Keys))
	for i, kf := range t.Keys {
		cols[i] = quoteIdent(kf.Name) + " ASC"
	}
	return " ORDER BY " + strings.Join(cols, ", ")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
