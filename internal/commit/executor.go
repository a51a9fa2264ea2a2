package commit

import (
	"context"

	"github.com/roach88/unitofwork/internal/model"
)

// Executor issues writes to one backing store inside one transaction.
//
// An Executor is a command context: it is opened lazily by Contexts the
// first time its store is touched, used by every commit or flush of the
// owning transaction, then committed or rolled back and closed exactly once.
type Executor interface {
	// Insert writes new objects of type t. Every object must be classified:
	// objects listed in ToRetry were not written, every other object was.
	// Written objects whose references could not be resolved yet are also
	// listed in ToFixUp. Server-generated key components are assigned to the
	// written objects before Insert returns.
	Insert(ctx context.Context, t *model.Type, objs []*model.Record) (InsertResult, error)

	// Update writes the listed fields of each change. A change that matches
	// no row fails with MISSING_DATA_ACCESS_OBJECT.
	Update(ctx context.Context, t *model.Type, changes []Change) error

	// Delete removes the rows of objs. A missing row fails with
	// MISSING_DATA_ACCESS_OBJECT.
	Delete(ctx context.Context, t *model.Type, objs []*model.Record) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Close releases the underlying connection. It is called exactly once,
	// after Commit or Rollback.
	Close() error

	// DeferredConstraints reports whether foreign keys are checked at
	// commit rather than per statement.
	DeferredConstraints() bool
}

// Preparer is implemented by executors whose store supports the prepare
// phase of two-phase commit.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Querier is the query execution provider of a store. Executors that
// implement it answer reads inside their transaction, so reads see the
// transaction's own flushed writes. Rows map column names to canonical
// values; a nil predicate matches every row.
type Querier interface {
	Query(ctx context.Context, t *model.Type, p model.Predicate) ([]map[string]any, error)
}

// Backend opens command contexts for one named backing store.
type Backend interface {
	Name() string
	Begin(ctx context.Context) (Executor, error)
}

// InsertResult is the outcome of one Insert call. The two lists are
// disjoint: a fixup was written, a retry was not.
type InsertResult struct {
	ToFixUp []Fixup
	ToRetry []*model.Record
}

// Fixup is a written row whose references were stored as NULL because their
// targets had no key yet.
type Fixup struct {
	Object *model.Record

	// Refs names the references to patch.
	Refs []string
}

// Change is one row update: the object and the fields or reference names
// to write.
type Change struct {
	Object *model.Record
	Fields []string

	// Fixup is set for the patch of references written as NULL on insert.
	Fixup bool
}
