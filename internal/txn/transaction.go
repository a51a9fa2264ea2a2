package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/unitofwork/internal/model"
)

// Participant is the two-phase commit contract of a resource enlisted in a
// Transaction. Context implements it; non-relational resources can enlist
// their own.
type Participant interface {
	// Prepare makes every pending write durable enough that Commit cannot
	// fail on constraints.
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error

	// SinglePhaseCommit is called instead of Prepare and Commit when the
	// participant is the only one enlisted.
	SinglePhaseCommit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// InDoubt is called when the outcome of a prepared transaction cannot
	// be determined.
	InDoubt(ctx context.Context) error
}

// Status is the lifecycle position of a Transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusRolledBack
	StatusInDoubt
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusInDoubt:
		return "in_doubt"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ErrDoomed is the cause of the abort of a transaction that an inner scope
// closed without completing.
var ErrDoomed = errors.New("transaction doomed by an incomplete scope")

// Transaction is a local two-phase commit coordinator.
//
// Thread-safety: safe for concurrent use. Participants are driven outside
// the lock.
type Transaction struct {
	id     string
	logger *slog.Logger

	mu           sync.Mutex
	participants []Participant
	status       Status
	doomed       bool
}

// NewTransaction returns an active transaction with the given ID.
func NewTransaction(id string, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{id: id, logger: logger}
}

// ID returns the transaction ID.
func (t *Transaction) ID() string { return t.id }

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Enlist adds p to the participants. Only active transactions accept
// participants.
func (t *Transaction) Enlist(p Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return fmt.Errorf("enlist in transaction %s: status is %s", t.id, t.status)
	}
	t.participants = append(t.participants, p)
	return nil
}

// Doom marks the transaction so that Commit rolls it back.
func (t *Transaction) Doom() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doomed = true
}

// Doomed reports whether Doom was called.
func (t *Transaction) Doomed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doomed
}

// begin moves an active transaction to committing and returns its
// participants.
func (t *Transaction) begin(op string) ([]Participant, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return nil, false, fmt.Errorf("%s transaction %s: status is %s", op, t.id, t.status)
	}
	t.status = StatusCommitting
	ps := make([]Participant, len(t.participants))
	copy(ps, t.participants)
	return ps, t.doomed, nil
}

func (t *Transaction) finish(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// Commit commits every participant. A single participant is committed in
// one phase. Several participants are all prepared first; if any prepare
// fails, all are rolled back. A doomed transaction is rolled back and
// reported aborted.
func (t *Transaction) Commit(ctx context.Context) error {
	ps, doomed, err := t.begin("commit")
	if err != nil {
		return err
	}
	if doomed {
		t.rollbackAll(ctx, ps)
		t.finish(StatusRolledBack)
		return model.NewTransactionAborted(t.id, ErrDoomed)
	}

	switch len(ps) {
	case 0:
		t.finish(StatusCommitted)
		return nil
	case 1:
		if err := ps[0].SinglePhaseCommit(ctx); err != nil {
			t.finish(StatusAborted)
			return err
		}
		t.finish(StatusCommitted)
		return nil
	}

	for i, p := range ps {
		if err := p.Prepare(ctx); err != nil {
			t.logger.Warn("prepare failed, rolling back", "transaction", t.id, "participant", i, "error", err)
			t.rollbackAll(ctx, ps)
			t.finish(StatusRolledBack)
			return model.NewTransactionAborted(t.id, fmt.Errorf("prepare participant %d: %w", i, err))
		}
	}

	if err := ctx.Err(); err != nil {
		cleanup := context.WithoutCancel(ctx)
		for i, p := range ps {
			if derr := p.InDoubt(cleanup); derr != nil {
				t.logger.Error("in-doubt notification failed", "transaction", t.id, "participant", i, "error", derr)
			}
		}
		t.finish(StatusInDoubt)
		return model.NewTransactionAborted(t.id, err)
	}

	var errs []error
	for _, p := range ps {
		if err := p.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		t.finish(StatusAborted)
		return errors.Join(errs...)
	}
	t.finish(StatusCommitted)
	return nil
}

// Rollback rolls every participant back. Participant failures are logged
// and returned joined; every participant is still rolled back.
func (t *Transaction) Rollback(ctx context.Context) error {
	ps, _, err := t.begin("rollback")
	if err != nil {
		return err
	}
	err = t.rollbackAll(ctx, ps)
	t.finish(StatusRolledBack)
	return err
}

func (t *Transaction) rollbackAll(ctx context.Context, ps []Participant) error {
	cleanup := context.WithoutCancel(ctx)
	var errs []error
	for i, p := range ps {
		if err := p.Rollback(cleanup); err != nil {
			t.logger.Error("rollback failed", "transaction", t.id, "participant", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
