package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/model"
)

// Call is one recorded command.
type Call struct {
	Store string
	Op    string
	Type  string
	Key   string
}

// String renders the call as one trace line:
//
//	insert Customer 1
//	fixup Order 2
//	commit main
func (c Call) String() string {
	if c.Type == "" {
		return fmt.Sprintf("%s %s", c.Op, c.Store)
	}
	return fmt.Sprintf("%s %s %s", c.Op, c.Type, c.Key)
}

// Faults makes a wrapped backend fail on purpose. Nil fields never fail.
type Faults struct {
	Begin    error
	Insert   error
	Update   error
	Delete   error
	Prepare  error
	Commit   error
	Rollback error
	Close    error
}

// Recorder collects the commands issued through every backend it wraps, in
// issue order.
//
// Thread-safety: safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) add(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines renders the recorded calls as trace lines.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many calls of op were recorded.
func (r *Recorder) Count(op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset drops the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Wrap returns a backend that records through r and fails as faults says.
func (r *Recorder) Wrap(inner commit.Backend, faults Faults) *Backend {
	return &Backend{inner: inner, rec: r, faults: faults}
}

// Backend wraps a commit.Backend, recording every command of the executors
// it opens.
type Backend struct {
	inner  commit.Backend
	rec    *Recorder
	faults Faults

	mu        sync.Mutex
	executors []*Executor
}

var _ commit.Backend = (*Backend)(nil)

// Name returns the wrapped store name.
func (b *Backend) Name() string { return b.inner.Name() }

// Begin opens an executor on the wrapped backend. The result implements
// commit.Preparer only when the wrapped executor does.
func (b *Backend) Begin(ctx context.Context) (commit.Executor, error) {
	if b.faults.Begin != nil {
		return nil, b.faults.Begin
	}
	inner, err := b.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	e := &Executor{inner: inner, store: b.inner.Name(), rec: b.rec, faults: b.faults}
	b.mu.Lock()
	b.executors = append(b.executors, e)
	b.mu.Unlock()
	if _, ok := inner.(commit.Preparer); ok {
		return PreparingExecutor{e}, nil
	}
	return e, nil
}

// Executors returns the executors opened so far.
func (b *Backend) Executors() []*Executor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Executor, len(b.executors))
	copy(out, b.executors)
	return out
}

// Executor records the commands issued through it and counts lifecycle calls.
type Executor struct {
	inner  commit.Executor
	store  string
	rec    *Recorder
	faults Faults

	Commits   int
	Rollbacks int
	Closes    int
}

var _ commit.Executor = (*Executor)(nil)

// Unwrap returns the wrapped executor.
func (e *Executor) Unwrap() commit.Executor { return e.inner }

func (e *Executor) record(op string, r *model.Record) {
	c := Call{Store: e.store, Op: op}
	if r != nil {
		c.Type = r.Type().Name
		c.Key = keyString(r)
	}
	e.rec.add(c)
}

func keyString(r *model.Record) string {
	if k, ok := r.Key(); ok {
		return k.String()
	}
	if r.State().Is(model.Predicated) {
		return "[" + r.PredicateKey() + "]"
	}
	return "?"
}

// DeferredConstraints delegates to the wrapped executor.
func (e *Executor) DeferredConstraints() bool { return e.inner.DeferredConstraints() }

// Insert records one line per written object.
func (e *Executor) Insert(ctx context.Context, t *model.Type, objs []*model.Record) (commit.InsertResult, error) {
	if e.faults.Insert != nil {
		return commit.InsertResult{}, e.faults.Insert
	}
	res, err := e.inner.Insert(ctx, t, objs)
	if err != nil {
		return res, err
	}
	retried := make(map[*model.Record]bool, len(res.ToRetry))
	for _, r := range res.ToRetry {
		retried[r] = true
	}
	for _, r := range objs {
		if !retried[r] {
			e.record("insert", r)
		}
	}
	return res, nil
}

// Update records one line per change; reference patches record as fixup.
func (e *Executor) Update(ctx context.Context, t *model.Type, changes []commit.Change) error {
	if e.faults.Update != nil {
		return e.faults.Update
	}
	if err := e.inner.Update(ctx, t, changes); err != nil {
		return err
	}
	for _, c := range changes {
		op := "update"
		if c.Fixup {
			op = "fixup"
		}
		e.record(op, c.Object)
	}
	return nil
}

// Delete records one line per object.
func (e *Executor) Delete(ctx context.Context, t *model.Type, objs []*model.Record) error {
	if e.faults.Delete != nil {
		return e.faults.Delete
	}
	if err := e.inner.Delete(ctx, t, objs); err != nil {
		return err
	}
	for _, r := range objs {
		e.record("delete", r)
	}
	return nil
}

// Commit counts and records the commit, then fails if told to.
func (e *Executor) Commit(ctx context.Context) error {
	e.Commits++
	if e.faults.Commit != nil {
		return e.faults.Commit
	}
	if err := e.inner.Commit(ctx); err != nil {
		return err
	}
	e.record("commit", nil)
	return nil
}

// Rollback counts and records the rollback.
func (e *Executor) Rollback(ctx context.Context) error {
	e.Rollbacks++
	e.record("rollback", nil)
	if e.faults.Rollback != nil {
		return e.faults.Rollback
	}
	return e.inner.Rollback(ctx)
}

// Close counts the close and closes the wrapped executor.
func (e *Executor) Close() error {
	e.Closes++
	if err := e.inner.Close(); err != nil {
		return err
	}
	return e.faults.Close
}

// Query delegates to the wrapped executor without recording; reads are not
// part of the write trace.
func (e *Executor) Query(ctx context.Context, t *model.Type, p model.Predicate) ([]map[string]any, error) {
	q, ok := e.inner.(commit.Querier)
	if !ok {
		return nil, fmt.Errorf("store %s does not answer queries", e.store)
	}
	return q.Query(ctx, t, p)
}

// PreparingExecutor is an Executor over a store with a prepare phase.
type PreparingExecutor struct {
	*Executor
}

var _ commit.Preparer = PreparingExecutor{}

// Prepare records and delegates the prepare phase.
func (e PreparingExecutor) Prepare(ctx context.Context) error {
	if e.faults.Prepare != nil {
		return e.faults.Prepare
	}
	if err := e.inner.(commit.Preparer).Prepare(ctx); err != nil {
		return err
	}
	e.record("prepare", nil)
	return nil
}
