// Package memstore is an in-memory backing store.
//
// It implements the same command executor and query contracts as the SQLite
// store, adds the prepare phase of two-phase commit, and can defer foreign
// key checks to commit time. Each transaction works on a private copy of the
// tables and replays its write log onto the shared tables at commit, so a
// rolled back transaction leaves nothing behind.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/unitofwork/internal/commit"
	"github.com/roach88/unitofwork/internal/model"
)

// Options configures a Store.
type Options struct {
	// DeferredConstraints checks required references at commit instead of
	// per statement.
	DeferredConstraints bool

	// TwoPhase enables Prepare on executors.
	TwoPhase bool
}

// Store is a named in-memory database holding one table per type.
//
// Thread-safety: safe for concurrent use. Transactions are isolated from each
// other until commit; the last committer wins on conflicting rows only when
// its replay still validates.
type Store struct {
	name  string
	model *model.Model
	opts  Options

	mu     sync.Mutex
	tables tables
	seq    map[string]int64
}

var _ commit.Backend = (*Store)(nil)

// New returns an empty store for the types of m that name it as their store.
func New(name string, m *model.Model, opts Options) *Store {
	s := &Store{name: name, model: m, opts: opts, tables: make(tables), seq: make(map[string]int64)}
	for _, t := range m.Types() {
		if t.StoreName() == name {
			s.tables[t.TableName()] = newTable(t)
		}
	}
	return s
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Begin starts a transaction on a private copy of the tables.
func (s *Store) Begin(ctx context.Context) (commit.Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &Executor{store: s, work: s.tables.clone()}
	if s.opts.TwoPhase {
		return TwoPhaseExecutor{e}, nil
	}
	return e, nil
}

// Rows returns a copy of the committed rows of t in insertion order.
func (s *Store) Rows(t *model.Type) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.tables[t.TableName()]
	if !ok {
		return nil
	}
	return tb.snapshot()
}

// nextKey generates a server key component. Sequences are not rolled back.
func (s *Store) nextKey(t *model.Type, kf model.KeyField) (any, error) {
	switch kf.Kind {
	case model.KindInt32, model.KindInt64:
		s.mu.Lock()
		defer s.mu.Unlock()
		name := t.TableName() + "." + kf.Name
		s.seq[name]++
		return s.seq[name], nil
	case model.KindUUID:
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		return id, nil
	case model.KindString:
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	}
	return nil, fmt.Errorf("cannot generate %s key", kf.Kind)
}

// apply replays a write log onto the shared tables atomically.
func (s *Store) apply(log []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.tables.clone()
	for _, o := range log {
		if err := o.replay(next); err != nil {
			return fmt.Errorf("store %s: %w", s.name, err)
		}
	}
	if err := next.checkReferences(s.model, s.name); err != nil {
		return fmt.Errorf("store %s: %w", s.name, err)
	}
	s.tables = next
	return nil
}
