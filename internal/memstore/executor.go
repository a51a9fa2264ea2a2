package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/model"
)

// op is one logged write, replayed onto the shared tables at commit.
type op struct {
	kind string
	typ  *model.Type
	key  string
	row  row
	cols []string
	vals []any
}

func (o op) replay(ts tables) error {
	tb, err := ts.get(o.typ)
	if err != nil {
		return err
	}
	switch o.kind {
	case "insert":
		return tb.insert(o.key, o.row.clone())
	case "update":
		return tb.update(o.key, o.cols, o.vals)
	case "delete":
		return tb.remove(o.key)
	}
	return fmt.Errorf("unknown op %q", o.kind)
}

// Executor is one memstore transaction.
type Executor struct {
	store    *Store
	work     tables
	log      []op
	prepared bool
	finished bool
	closed   bool
}

// TwoPhaseExecutor is an Executor of a store with two-phase commit enabled.
type TwoPhaseExecutor struct {
	*Executor
}

var (
	_ commit.Executor = (*Executor)(nil)
	_ commit.Preparer = TwoPhaseExecutor{}
)

// ErrFinished is returned by writes after Commit or Rollback.
var ErrFinished = errors.New("memstore: transaction already finished")

func (e *Executor) check(ctx context.Context) error {
	if e.finished {
		return ErrFinished
	}
	return ctx.Err()
}

// DeferredConstraints reports the store option.
func (e *Executor) DeferredConstraints() bool { return e.store.opts.DeferredConstraints }

// Insert writes each object, generating server key components.
func (e *Executor) Insert(ctx context.Context, t *model.Type, objs []*model.Record) (commit.InsertResult, error) {
	var res commit.InsertResult
	if err := e.check(ctx); err != nil {
		return res, err
	}
	tb, err := e.work.get(t)
	if err != nil {
		return res, err
	}
	deferred := e.DeferredConstraints()
	for _, obj := range objs {
		ir, err := commit.BuildInsertRow(obj, deferred)
		if err != nil {
			return res, err
		}
		if ir.Retry {
			res.ToRetry = append(res.ToRetry, obj)
			continue
		}
		r := make(row, len(ir.Columns)+len(t.Keys))
		for i, c := range ir.Columns {
			r[c] = ir.Values[i]
		}
		for _, kf := range t.Keys {
			if !kf.ServerGenerated {
				continue
			}
			v, err := e.store.nextKey(t, kf)
			if err != nil {
				return res, fmt.Errorf("%s.%s: %w", t.Name, kf.Name, err)
			}
			r[kf.Name] = v
		}
		if !deferred {
			if err := e.work.checkRow(e.store.model, t, r, e.store.name); err != nil {
				return res, err
			}
		}
		key, err := rowKey(t, r)
		if err != nil {
			return res, err
		}
		if err := tb.insert(key, r); err != nil {
			return res, err
		}
		for _, kf := range t.Keys {
			if kf.ServerGenerated {
				obj.Load(kf.Name, r[kf.Name])
			}
		}
		e.log = append(e.log, op{kind: "insert", typ: t, key: key, row: r.clone()})
		if len(ir.Fixup) > 0 {
			res.ToFixUp = append(res.ToFixUp, commit.Fixup{Object: obj, Refs: ir.Fixup})
		}
	}
	return res, nil
}

// Update writes the changed columns of each object. Predicate-addressed
// objects update every matching row.
func (e *Executor) Update(ctx context.Context, t *model.Type, changes []commit.Change) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	tb, err := e.work.get(t)
	if err != nil {
		return err
	}
	for _, c := range changes {
		ur, err := commit.BuildUpdateRow(c)
		if err != nil {
			return err
		}
		if len(ur.Columns) == 0 {
			continue
		}
		keys, err := e.locate(tb, c.Object)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return model.NewMissingDataAccessObject(c.Object, "update")
		}
		for _, key := range keys {
			if err := tb.update(key, ur.Columns, ur.Values); err != nil {
				return err
			}
			if !e.DeferredConstraints() {
				if err := e.work.checkRow(e.store.model, t, tb.rows[key], e.store.name); err != nil {
					return err
				}
			}
			e.log = append(e.log, op{kind: "update", typ: t, key: key, cols: ur.Columns, vals: ur.Values})
		}
	}
	return nil
}

// Delete removes the row of each object.
func (e *Executor) Delete(ctx context.Context, t *model.Type, objs []*model.Record) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	tb, err := e.work.get(t)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		keys, err := e.locate(tb, obj)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return model.NewMissingDataAccessObject(obj, "delete")
		}
		for _, key := range keys {
			keyValue := tb.rows[key][t.Keys[0].Name]
			if err := tb.remove(key); err != nil {
				return err
			}
			if !e.DeferredConstraints() {
				if by, ok := e.work.referenced(e.store.model, t, keyValue, e.store.name); ok {
					return fmt.Errorf("%s: delete %s violates a foreign key of %s", t.TableName(), obj, by)
				}
			}
			e.log = append(e.log, op{kind: "delete", typ: t, key: key})
		}
	}
	return nil
}

// locate finds the rows addressed by obj: by key, or by predicate for
// placeholders without one.
func (e *Executor) locate(tb *table, obj *model.Record) ([]string, error) {
	if k, ok := obj.Key(); ok {
		nk, err := obj.Type().NormalizeKey(k)
		if err != nil {
			return nil, err
		}
		if _, exists := tb.rows[nk.Canonical()]; exists {
			return []string{nk.Canonical()}, nil
		}
		return nil, nil
	}
	if obj.State().Is(model.Predicated) {
		return tb.match(obj.Predicate())
	}
	return nil, model.NewMissingOrInvalidPrimaryKey(obj)
}

// Query returns the rows of t matching p as seen by this transaction.
// A nil predicate matches every row.
func (e *Executor) Query(ctx context.Context, t *model.Type, p model.Predicate) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tb, err := e.work.get(t)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return tb.snapshot(), nil
	}
	keys, err := tb.match(p)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(keys))
	for i, k := range keys {
		out[i] = tb.rows[k].clone()
	}
	return out, nil
}

// Prepare validates deferred constraints so that Commit cannot fail on them.
func (e TwoPhaseExecutor) Prepare(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	if err := e.work.checkReferences(e.store.model, e.store.name); err != nil {
		return fmt.Errorf("store %s: %w", e.store.name, err)
	}
	e.prepared = true
	return nil
}

// Prepared reports whether Prepare succeeded.
func (e *Executor) Prepared() bool { return e.prepared }

// Commit replays the write log onto the shared tables.
func (e *Executor) Commit(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.finished = true
	if len(e.log) == 0 {
		return nil
	}
	return e.store.apply(e.log)
}

// Rollback discards the write log.
func (e *Executor) Rollback(context.Context) error {
	e.finished = true
	e.log = nil
	return nil
}

// Close releases the private table copy.
func (e *Executor) Close() error {
	if e.closed {
		return errors.New("memstore: executor closed twice")
	}
	e.closed = true
	e.work = nil
	return nil
}
