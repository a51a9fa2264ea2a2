package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/model"
)

// Executor is one SQLite transaction of a Store.
type Executor struct {
	store    *Store
	tx       *sql.Tx
	finished bool
	closed   bool
}

var _ commit.Executor = (*Executor)(nil)

// DeferredConstraints reports whether the transaction defers foreign keys.
func (e *Executor) DeferredConstraints() bool { return e.store.opts.DeferredConstraints }

// Insert writes each object. Generated integer keys come from
// LastInsertId; generated UUID and string keys are UUIDv7 values.
func (e *Executor) Insert(ctx context.Context, t *model.Type, objs []*model.Record) (commit.InsertResult, error) {
	var res commit.InsertResult
	for _, obj := range objs {
		row, err := commit.BuildInsertRow(obj, e.DeferredConstraints())
		if err != nil {
			return res, err
		}
		if row.Retry {
			res.ToRetry = append(res.ToRetry, obj)
			continue
		}
		cols, vals := row.Columns, row.Values
		generated := make(map[string]any)
		var rowidKey *model.KeyField
		for i := range t.Keys {
			kf := t.Keys[i]
			if !kf.ServerGenerated {
				continue
			}
			switch kf.Kind {
			case model.KindUUID, model.KindString:
				id, err := uuid.NewV7()
				if err != nil {
					return res, fmt.Errorf("%s.%s: %w", t.Name, kf.Name, err)
				}
				cols = append(cols, kf.Name)
				vals = append(vals, id.String())
				generated[kf.Name] = id.String()
			default:
				rowidKey = &kf
			}
		}

		query := insertSQL(t.TableName(), cols)
		result, err := e.tx.ExecContext(ctx, query, params(vals)...)
		if err != nil {
			return res, fmt.Errorf("insert %s: %w", obj, err)
		}
		if rowidKey != nil {
			id, err := result.LastInsertId()
			if err != nil {
				return res, fmt.Errorf("insert %s: last insert id: %w", obj, err)
			}
			generated[rowidKey.Name] = id
		}
		for _, kf := range t.Keys {
			if v, ok := generated[kf.Name]; ok {
				nv, err := model.NormalizeKeyValue(kf.Kind, v)
				if err != nil {
					return res, err
				}
				obj.Load(kf.Name, nv)
			}
		}
		if len(row.Fixup) > 0 {
			res.ToFixUp = append(res.ToFixUp, commit.Fixup{Object: obj, Refs: row.Fixup})
		}
	}
	return res, nil
}

func insertSQL(table string, cols []string) string {
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(table))
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

// params converts canonical values to driver values.
func params(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		if id, ok := v.(uuid.UUID); ok {
			out[i] = id.String()
			continue
		}
		out[i] = v
	}
	return out
}

// Update writes the changed columns of each object, addressing rows by key
// or, for placeholders without one, by predicate.
func (e *Executor) Update(ctx context.Context, t *model.Type, changes []commit.Change) error {
	for _, c := range changes {
		row, err := commit.BuildUpdateRow(c)
		if err != nil {
			return err
		}
		if len(row.Columns) == 0 {
			continue
		}
		where, whereParams, err := e.target(c.Object)
		if err != nil {
			return err
		}
		sets := make([]string, len(row.Columns))
		for i, col := range row.Columns {
			sets[i] = quoteIdent(col) + " = ?"
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			quoteIdent(t.TableName()), strings.Join(sets, ", "), where)
		args := append(params(row.Values), whereParams...)
		if err := e.execAffecting(ctx, c.Object, "update", query, args); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the row of each object.
func (e *Executor) Delete(ctx context.Context, t *model.Type, objs []*model.Record) error {
	for _, obj := range objs {
		where, whereParams, err := e.target(obj)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(t.TableName()), where)
		if err := e.execAffecting(ctx, obj, "delete", query, whereParams); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) target(obj *model.Record) (string, []any, error) {
	if _, ok := obj.Key(); ok {
		return keyWhere(obj)
	}
	if obj.State().Is(model.Predicated) {
		return compileWhere(obj.Type(), obj.Predicate())
	}
	return "", nil, model.NewMissingOrInvalidPrimaryKey(obj)
}

// execAffecting runs a write that must touch at least one row.
func (e *Executor) execAffecting(ctx context.Context, obj *model.Record, op, query string, args []any) error {
	result, err := e.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, obj, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", op, obj, err)
	}
	if n == 0 {
		return model.NewMissingDataAccessObject(obj, op)
	}
	return nil
}

// Query returns the rows of t matching p, ordered by primary key. A nil
// predicate matches every row.
func (e *Executor) Query(ctx context.Context, t *model.Type, p model.Predicate) ([]map[string]any, error) {
	where, args, err := compileWhere(t, p)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	cols := t.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s",
		strings.Join(names, ", "), quoteIdent(t.TableName()), where, orderBy(t))

	rows, err := e.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			v, err := e.canonical(t, c, vals[i])
			if err != nil {
				return nil, fmt.Errorf("scan %s.%s: %w", t.Name, c.Name, err)
			}
			m[c.Name] = v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.Name, err)
	}
	return out, nil
}

// canonical converts a scanned driver value to the canonical value of its
// column, matching what the in-memory store hands back.
func (e *Executor) canonical(t *model.Type, c model.Column, v any) (any, error) {
	switch c.Source {
	case model.ColumnKey:
		return model.NormalizeKeyValue(t.Keys[c.Index].Kind, v)
	case model.ColumnField:
		return model.NormalizeField(t.Fields[c.Index].Kind, v)
	case model.ColumnRef:
		target, ok := e.store.model.Type(t.Refs[c.Index].Target)
		if !ok {
			return nil, fmt.Errorf("unknown target %q", t.Refs[c.Index].Target)
		}
		return model.NormalizeKeyValue(target.ScalarKeyKind(), v)
	}
	return v, nil
}

// Commit commits the transaction. With deferred constraints this is where
// foreign key violations surface.
func (e *Executor) Commit(context.Context) error {
	if e.finished {
		return errors.New("store: transaction already finished")
	}
	e.finished = true
	return e.tx.Commit()
}

// Rollback rolls the transaction back.
func (e *Executor) Rollback(context.Context) error {
	if e.finished {
		return nil
	}
	e.finished = true
	return e.tx.Rollback()
}

// Close rolls back an unfinished transaction. It fails when called twice.
func (e *Executor) Close() error {
	if e.closed {
		return errors.New("store: executor closed twice")
	}
	e.closed = true
	if !e.finished {
		e.finished = true
		if err := e.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return err
		}
	}
	return nil
}
