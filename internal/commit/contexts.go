package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Contexts holds the command contexts of one transaction, one per backing
// store, in the order the stores were first touched.
//
// Acquisitions are reference counted: acquiring a store twice returns the
// same *Acquisition. Contexts itself holds one reference to every
// acquisition until CommitAll or RollbackAll, so releases made by the
// commit pipeline never close an executor the transaction still needs.
type Contexts struct {
	lookup func(store string) (Backend, bool)
	logger *slog.Logger

	open    []*Acquisition
	byStore map[string]*Acquisition
	done    bool
}

// NewContexts returns an empty set. lookup resolves store names to backends.
func NewContexts(lookup func(store string) (Backend, bool), logger *slog.Logger) *Contexts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Contexts{lookup: lookup, logger: logger, byStore: make(map[string]*Acquisition)}
}

// Acquisition is a reference-counted lease on one command context.
type Acquisition struct {
	store  string
	exec   Executor
	refs   int
	closed bool
}

// Store returns the backing store name.
func (a *Acquisition) Store() string { return a.store }

// Executor returns the command executor.
func (a *Acquisition) Executor() Executor { return a.exec }

// Release drops one reference and closes the executor when the last one is
// gone. Releasing a closed acquisition does nothing.
func (a *Acquisition) Release() error {
	if a.closed || a.refs == 0 {
		return nil
	}
	a.refs--
	if a.refs > 0 {
		return nil
	}
	a.closed = true
	if err := a.exec.Close(); err != nil {
		return fmt.Errorf("close store %s: %w", a.store, err)
	}
	return nil
}

// Acquire returns the command context of store, opening it on first use.
// The caller must Release it.
func (cs *Contexts) Acquire(ctx context.Context, store string) (*Acquisition, error) {
	if cs.done {
		return nil, fmt.Errorf("acquire store %s: command contexts already finished", store)
	}
	if a, ok := cs.byStore[store]; ok {
		a.refs++
		return a, nil
	}
	backend, ok := cs.lookup(store)
	if !ok {
		return nil, fmt.Errorf("unknown store %q", store)
	}
	exec, err := backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin store %s: %w", store, err)
	}
	a := &Acquisition{store: store, exec: exec, refs: 2}
	cs.byStore[store] = a
	cs.open = append(cs.open, a)
	return a, nil
}

// Stores returns the acquired store names in acquisition order.
func (cs *Contexts) Stores() []string {
	out := make([]string, len(cs.open))
	for i, a := range cs.open {
		out[i] = a.store
	}
	return out
}

// Len returns the number of acquired stores.
func (cs *Contexts) Len() int { return len(cs.open) }

// PrepareAll prepares every executor that supports it, in order.
func (cs *Contexts) PrepareAll(ctx context.Context) error {
	for _, a := range cs.open {
		p, ok := a.exec.(Preparer)
		if !ok {
			continue
		}
		if err := p.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare store %s: %w", a.store, err)
		}
	}
	return nil
}

// CommitAll commits the executors sequentially. After the first failure the
// remaining executors are rolled back best effort. Every executor is closed
// exactly once whatever happens; the commit failure, if any, is returned
// joined with close failures.
func (cs *Contexts) CommitAll(ctx context.Context) error {
	if cs.done {
		return nil
	}
	var commitErr error
	for _, a := range cs.open {
		if commitErr == nil {
			if err := a.exec.Commit(ctx); err != nil {
				commitErr = fmt.Errorf("commit store %s: %w", a.store, err)
			}
			continue
		}
		if err := a.exec.Rollback(ctx); err != nil {
			cs.logger.Error("rollback after failed commit", "store", a.store, "error", err)
		}
	}
	return errors.Join(commitErr, cs.finish())
}

// RollbackAll rolls every executor back and closes it. Rollback failures are
// logged and returned joined.
func (cs *Contexts) RollbackAll(ctx context.Context) error {
	if cs.done {
		return nil
	}
	var errs []error
	for _, a := range cs.open {
		if err := a.exec.Rollback(ctx); err != nil {
			cs.logger.Error("rollback failed", "store", a.store, "error", err)
			errs = append(errs, fmt.Errorf("rollback store %s: %w", a.store, err))
		}
	}
	errs = append(errs, cs.finish())
	return errors.Join(errs...)
}

// finish drops the references held by the set.
func (cs *Contexts) finish() error {
	if cs.done {
		return nil
	}
	cs.done = true
	var errs []error
	for _, a := range cs.open {
		if err := a.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
