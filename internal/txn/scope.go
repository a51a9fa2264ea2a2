package txn

import (
	"context"
	"errors"
	"fmt"
)

// ScopeOption selects how a scope relates to the flow's transaction.
type ScopeOption int

const (
	// ScopeRequired joins the flow's transaction, or starts one.
	ScopeRequired ScopeOption = iota
	// ScopeRequiresNew always starts a transaction.
	ScopeRequiresNew
	// ScopeSuppress runs without a transaction, on the flow's root context.
	ScopeSuppress
)

func (o ScopeOption) String() string {
	switch o {
	case ScopeRequired:
		return "required"
	case ScopeRequiresNew:
		return "requires_new"
	case ScopeSuppress:
		return "suppress"
	}
	return fmt.Sprintf("scope(%d)", int(o))
}

// Scope is one entry into a transaction context. Close it exactly once,
// after Complete when its work succeeded.
//
// A scope that started its transaction owns it: Close commits when the
// scope completed and rolls back otherwise. A scope that joined a
// transaction dooms it when closed without Complete, so the owning scope
// rolls back.
type Scope struct {
	tx        *Transaction
	context   *Context
	owner     bool
	joined    bool // joined a committing context without entering it
	completed bool
	closed    bool
}

// Scope derives a flow for opt and enters its context. The returned
// context.Context carries the scope's transaction; pass it to everything
// running inside the scope.
func (m *Manager) Scope(ctx context.Context, opt ScopeOption) (context.Context, *Scope, error) {
	ctx = WithFlow(ctx)
	s := &Scope{}
	switch opt {
	case ScopeSuppress:
		ctx = withCommitting(WithTransaction(ctx, nil), nil)
		s.context = m.root(ctx)
		s.context.enter()
		return ctx, s, nil
	case ScopeRequired:
		// Hooks fired during a commit join the committing context. Joining
		// does not enter it, so the context's version stays put.
		if c := committingFrom(ctx); c != nil && c.manager == m && c.tx != nil {
			s.tx = c.tx
			s.context = c
			s.joined = true
			return ctx, s, nil
		}
		if tx := TransactionFrom(ctx); tx != nil && tx.Status() == StatusActive {
			s.tx = tx
		}
	case ScopeRequiresNew:
	default:
		return nil, nil, fmt.Errorf("unknown scope option %d", int(opt))
	}
	if s.tx == nil {
		s.tx = m.Begin()
		s.owner = true
		ctx = WithTransaction(ctx, s.tx)
	}
	c, err := m.Context(s.tx)
	if err != nil {
		return nil, nil, err
	}
	s.context = c
	c.enter()
	return ctx, s, nil
}

// Context returns the context the scope entered.
func (s *Scope) Context() *Context { return s.context }

// Transaction returns the scope's transaction, or nil when suppressed.
func (s *Scope) Transaction() *Transaction { return s.tx }

// Complete marks the scope's work as successful.
func (s *Scope) Complete() { s.completed = true }

// Close leaves the scope. Closing twice does nothing.
func (s *Scope) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.joined {
		s.context.leave()
	}
	if s.tx == nil {
		return nil
	}
	if !s.owner {
		if !s.completed {
			s.tx.Doom()
		}
		return nil
	}
	if s.completed {
		return s.tx.Commit(ctx)
	}
	return s.tx.Rollback(ctx)
}

// Run runs fn in a scope and closes it: completed when fn returns nil,
// rolled back or doomed otherwise, including when fn panics.
func (m *Manager) Run(ctx context.Context, opt ScopeOption, fn func(ctx context.Context, c *Context) error) error {
	sctx, s, err := m.Scope(ctx, opt)
	if err != nil {
		return err
	}
	returned := false
	defer func() {
		if !returned {
			_ = s.Close(context.WithoutCancel(sctx))
		}
	}()
	ferr := fn(sctx, s.Context())
	returned = true
	if ferr != nil {
		return errors.Join(ferr, s.Close(sctx))
	}
	s.Complete()
	return s.Close(sctx)
}
