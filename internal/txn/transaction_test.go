package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/model"
	"github.com/roach88/unitofwork/internal/txn"
)

// participant records the calls it receives into a shared log.
type participant struct {
	name       string
	log        *[]string
	prepareErr error
	commitErr  error
}

func (p *participant) add(op string) { *p.log = append(*p.log, op+" "+p.name) }

func (p *participant) Prepare(context.Context) error {
	p.add("prepare")
	return p.prepareErr
}

func (p *participant) Commit(context.Context) error {
	p.add("commit")
	return p.commitErr
}

func (p *participant) SinglePhaseCommit(context.Context) error {
	p.add("single")
	return p.commitErr
}

func (p *participant) Rollback(context.Context) error {
	p.add("rollback")
	return nil
}

func (p *participant) InDoubt(context.Context) error {
	p.add("in_doubt")
	return nil
}

func enlist(t *testing.T, tx *txn.Transaction, log *[]string, names ...string) []*participant {
	t.Helper()
	out := make([]*participant, len(names))
	for i, n := range names {
		out[i] = &participant{name: n, log: log}
		require.NoError(t, tx.Enlist(out[i]))
	}
	return out
}

func TestTransaction_Commit(t *testing.T) {
	tests := []struct {
		name   string
		parts  []string
		want   []string
		status txn.Status
	}{
		{name: "no participants", want: nil, status: txn.StatusCommitted},
		{name: "single participant commits in one phase", parts: []string{"a"}, want: []string{"single a"}, status: txn.StatusCommitted},
		{
			name:   "several participants prepare then commit",
			parts:  []string{"a", "b"},
			want:   []string{"prepare a", "prepare b", "commit a", "commit b"},
			status: txn.StatusCommitted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log []string
			tx := txn.NewTransaction("tx-1", nil)
			enlist(t, tx, &log, tt.parts...)

			require.NoError(t, tx.Commit(context.Background()))
			assert.Equal(t, tt.want, log)
			assert.Equal(t, tt.status, tx.Status())
		})
	}
}

func TestTransaction_PrepareFailureRollsBackEveryone(t *testing.T) {
	var log []string
	tx := txn.NewTransaction("tx-1", nil)
	ps := enlist(t, tx, &log, "a", "b", "c")
	boom := errors.New("disk full")
	ps[1].prepareErr = boom

	err := tx.Commit(context.Background())
	require.ErrorIs(t, err, boom)
	assert.True(t, model.IsTransactionAborted(err))
	assert.Equal(t, []string{"prepare a", "prepare b", "rollback a", "rollback b", "rollback c"}, log)
	assert.Equal(t, txn.StatusRolledBack, tx.Status())
}

func TestTransaction_SinglePhaseFailureIsReturnedAsIs(t *testing.T) {
	var log []string
	tx := txn.NewTransaction("tx-1", nil)
	ps := enlist(t, tx, &log, "a")
	boom := errors.New("constraint")
	ps[0].commitErr = boom

	err := tx.Commit(context.Background())
	assert.Same(t, boom, err)
	assert.Equal(t, txn.StatusAborted, tx.Status())
}

func TestTransaction_DoomedRollsBack(t *testing.T) {
	var log []string
	tx := txn.NewTransaction("tx-1", nil)
	enlist(t, tx, &log, "a", "b")
	tx.Doom()
	assert.True(t, tx.Doomed())

	err := tx.Commit(context.Background())
	require.ErrorIs(t, err, txn.ErrDoomed)
	assert.True(t, model.IsTransactionAborted(err))
	assert.Equal(t, []string{"rollback a", "rollback b"}, log)
}

func TestTransaction_CancelledAfterPrepareIsInDoubt(t *testing.T) {
	var log []string
	tx := txn.NewTransaction("tx-1", nil)
	enlist(t, tx, &log, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tx.Commit(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"prepare a", "prepare b", "in_doubt a", "in_doubt b"}, log)
	assert.Equal(t, txn.StatusInDoubt, tx.Status())
}

func TestTransaction_FinishedRejectsEverything(t *testing.T) {
	var log []string
	tx := txn.NewTransaction("tx-1", nil)
	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, txn.StatusRolledBack, tx.Status())

	assert.Error(t, tx.Enlist(&participant{name: "late", log: &log}))
	assert.Error(t, tx.Commit(context.Background()))
	assert.Error(t, tx.Rollback(context.Background()))
	assert.Empty(t, log)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "in_doubt", txn.StatusInDoubt.String())
	assert.Equal(t, "status(42)", txn.Status(42).String())
}
