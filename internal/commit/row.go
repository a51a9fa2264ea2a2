package commit

import (
	"fmt"

	"github.com/roach88/unitofwork/internal/model"
)

// Pending reports whether r is a new object whose row is not written yet.
func Pending(r *model.Record) bool {
	return r != nil && r.State().Is(model.New) && !r.Inserted()
}

// InsertRow is the column list an executor writes for one new object.
type InsertRow struct {
	Columns []string
	Values  []any

	// Fixup names references written as NULL.
	Fixup []string

	// Retry is set when a required reference targets a pending object and
	// constraints are checked per statement. Columns is empty then.
	Retry bool
}

// BuildInsertRow classifies r for insertion and lays out its columns.
// Server-generated key columns are left out; the executor generates them.
//
// A reference to a pending target is written directly when the target's key
// is already known. Otherwise it is written as NULL and reported for fixup,
// unless it is required and constraints are immediate, in which case the
// whole row must be retried.
func BuildInsertRow(r *model.Record, deferred bool) (InsertRow, error) {
	t := r.Type()
	var row InsertRow
	if !deferred {
		for _, ref := range t.Refs {
			if ref.Required && Pending(liveRef(r, ref.Name)) {
				row.Retry = true
				return row, nil
			}
		}
	}
	for _, c := range t.Columns() {
		switch c.Source {
		case model.ColumnKey:
			kf := t.Keys[c.Index]
			if kf.ServerGenerated {
				continue
			}
			k, ok := r.KeyComponent(kf)
			if !ok {
				return InsertRow{}, model.NewMissingOrInvalidPrimaryKey(r)
			}
			row.Columns = append(row.Columns, c.Name)
			row.Values = append(row.Values, model.KeyValue(k))
		case model.ColumnField:
			v, err := model.NormalizeField(t.Fields[c.Index].Kind, r.Get(c.Name))
			if err != nil {
				return InsertRow{}, fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
			}
			row.Columns = append(row.Columns, c.Name)
			row.Values = append(row.Values, v)
		case model.ColumnRef:
			ref := t.Refs[c.Index]
			v, unresolved, err := RefValue(r, ref)
			if err != nil {
				return InsertRow{}, err
			}
			if unresolved {
				row.Fixup = append(row.Fixup, ref.Name)
			}
			row.Columns = append(row.Columns, c.Name)
			row.Values = append(row.Values, v)
		}
	}
	return row, nil
}

// RefValue returns the column value of reference ref. unresolved is set when
// the target exists but has no key yet.
func RefValue(r *model.Record, ref model.Reference) (v any, unresolved bool, err error) {
	target := liveRef(r, ref.Name)
	if target == nil {
		return nil, false, nil
	}
	k, ok := target.Key()
	if !ok {
		if target.State().Is(model.New) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("%s.%s: target %s has no key", r.Type().Name, ref.Name, target)
	}
	return model.KeyValue(k), false, nil
}

// UpdateRow is the column list an executor writes for one change.
type UpdateRow struct {
	Columns []string
	Values  []any
}

// BuildUpdateRow resolves the fields of c to columns. Key components are
// never updated.
func BuildUpdateRow(c Change) (UpdateRow, error) {
	r := c.Object
	t := r.Type()
	var row UpdateRow
	for _, name := range c.Fields {
		if _, isKey := t.KeyField(name); isKey {
			continue
		}
		if ref, isRef := t.Ref(name); isRef {
			if kf, derived := t.KeyField(ref.RefColumn()); derived && kf.From == ref.Name {
				continue
			}
			v, unresolved, err := RefValue(r, ref)
			if err != nil {
				return UpdateRow{}, err
			}
			if unresolved {
				return UpdateRow{}, fmt.Errorf("%s.%s: target still has no key", t.Name, name)
			}
			row.Columns = append(row.Columns, ref.RefColumn())
			row.Values = append(row.Values, v)
			continue
		}
		f, isField := t.Field(name)
		if !isField {
			return UpdateRow{}, fmt.Errorf("%s: unknown field %q", t.Name, name)
		}
		v, err := model.NormalizeField(f.Kind, r.Get(name))
		if err != nil {
			return UpdateRow{}, fmt.Errorf("%s.%s: %w", t.Name, name, err)
		}
		row.Columns = append(row.Columns, name)
		row.Values = append(row.Values, v)
	}
	return row, nil
}

// liveRef returns the target of a reference, ignoring targets that were
// dropped from the cache.
func liveRef(r *model.Record, name string) *model.Record {
	target := r.Ref(name)
	if target == nil || target.State().Is(model.Transient) {
		return nil
	}
	return target
}
