package memstore

import (
	"fmt"

	"github.com/roach88/unitofwork/internal/model"
)

type row map[string]any

func (r row) clone() row {
	out := make(row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// table keeps rows keyed by canonical primary key in insertion order.
type table struct {
	typ  *model.Type
	keys []string
	rows map[string]row
}

func newTable(t *model.Type) *table {
	return &table{typ: t, rows: make(map[string]row)}
}

func (tb *table) clone() *table {
	out := &table{typ: tb.typ, keys: make([]string, len(tb.keys)), rows: make(map[string]row, len(tb.rows))}
	copy(out.keys, tb.keys)
	for k, r := range tb.rows {
		out.rows[k] = r.clone()
	}
	return out
}

func (tb *table) insert(key string, r row) error {
	if _, dup := tb.rows[key]; dup {
		return fmt.Errorf("%s: duplicate primary key %s", tb.typ.TableName(), key)
	}
	tb.keys = append(tb.keys, key)
	tb.rows[key] = r
	return nil
}

func (tb *table) update(key string, cols []string, vals []any) error {
	r, ok := tb.rows[key]
	if !ok {
		return fmt.Errorf("%s: no row %s", tb.typ.TableName(), key)
	}
	for i, c := range cols {
		r[c] = vals[i]
	}
	return nil
}

func (tb *table) remove(key string) error {
	if _, ok := tb.rows[key]; !ok {
		return fmt.Errorf("%s: no row %s", tb.typ.TableName(), key)
	}
	delete(tb.rows, key)
	for i, k := range tb.keys {
		if k == key {
			tb.keys = append(tb.keys[:i], tb.keys[i+1:]...)
			break
		}
	}
	return nil
}

func (tb *table) snapshot() []map[string]any {
	out := make([]map[string]any, 0, len(tb.keys))
	for _, k := range tb.keys {
		out = append(out, tb.rows[k].clone())
	}
	return out
}

// match returns the keys of rows satisfying p, in insertion order.
func (tb *table) match(p model.Predicate) ([]string, error) {
	var out []string
	for _, k := range tb.keys {
		r := tb.rows[k]
		ok, err := model.Evaluate(p, func(field string) (any, bool) {
			v, set := r[columnOf(tb.typ, field)]
			return v, set
		})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// columnOf maps a predicate field to its column. Reference names map to the
// reference column.
func columnOf(t *model.Type, field string) string {
	if ref, ok := t.Ref(field); ok {
		return ref.RefColumn()
	}
	return field
}

// rowKey returns the canonical key of a row.
func rowKey(t *model.Type, r row) (string, error) {
	parts := make([]model.Key, len(t.Keys))
	for i, kf := range t.Keys {
		k, err := model.KeyFromValue(kf.Kind, r[kf.Name])
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", t.TableName(), kf.Name, err)
		}
		parts[i] = k
	}
	if len(parts) == 1 {
		return parts[0].Canonical(), nil
	}
	return model.NewCompositeKey(parts...).Canonical(), nil
}

type tables map[string]*table

func (ts tables) clone() tables {
	out := make(tables, len(ts))
	for name, tb := range ts {
		out[name] = tb.clone()
	}
	return out
}

func (ts tables) get(t *model.Type) (*table, error) {
	tb, ok := ts[t.TableName()]
	if !ok {
		return nil, fmt.Errorf("no table %s", t.TableName())
	}
	return tb, nil
}

// hasKey reports whether the target type holds a row with the given scalar
// key value.
func (ts tables) hasKey(target *model.Type, v any) bool {
	tb, ok := ts[target.TableName()]
	if !ok {
		return false
	}
	k, err := model.KeyFromValue(target.Keys[0].Kind, v)
	if err != nil {
		return false
	}
	_, ok = tb.rows[k.Canonical()]
	return ok
}

// checkRow verifies the required references of one row.
func (ts tables) checkRow(m *model.Model, t *model.Type, r row, store string) error {
	for _, ref := range t.Refs {
		if !ref.Required {
			continue
		}
		target, ok := m.Type(ref.Target)
		if !ok || target.StoreName() != store {
			continue
		}
		v := r[ref.RefColumn()]
		if v == nil {
			return fmt.Errorf("%s.%s: required reference is NULL", t.TableName(), ref.RefColumn())
		}
		if !ts.hasKey(target, v) {
			return fmt.Errorf("%s.%s: foreign key violation, no %s row %v", t.TableName(), ref.RefColumn(), target.TableName(), v)
		}
	}
	return nil
}

// checkReferences verifies every required reference within the store.
func (ts tables) checkReferences(m *model.Model, store string) error {
	for _, t := range m.Types() {
		tb, ok := ts[t.TableName()]
		if !ok || t.StoreName() != store {
			continue
		}
		for _, k := range tb.keys {
			if err := ts.checkRow(m, t, tb.rows[k], store); err != nil {
				return err
			}
		}
	}
	return nil
}

// referenced reports whether a required reference anywhere in the store
// still points at the row of t with the given key value.
func (ts tables) referenced(m *model.Model, t *model.Type, keyValue any, store string) (string, bool) {
	if t.IsComposite() {
		return "", false
	}
	for _, other := range m.Types() {
		tb, ok := ts[other.TableName()]
		if !ok || other.StoreName() != store {
			continue
		}
		for _, ref := range other.Refs {
			if !ref.Required || ref.Target != t.Name {
				continue
			}
			for _, k := range tb.keys {
				if model.KeysEqual(mustKey(t, tb.rows[k][ref.RefColumn()]), mustKey(t, keyValue)) {
					return other.TableName(), true
				}
			}
		}
	}
	return "", false
}

func mustKey(t *model.Type, v any) model.Key {
	if v == nil {
		return nil
	}
	k, err := model.KeyFromValue(t.Keys[0].Kind, v)
	if err != nil {
		return nil
	}
	return k
}
