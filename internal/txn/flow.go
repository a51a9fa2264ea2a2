package txn

import (
	"context"
	"sync"
)

// flowKey, txKey and committingKey are unexported context keys. Private key
// types prevent collisions with other context values.
type (
	flowKey       struct{}
	txKey         struct{}
	committingKey struct{}
)

// flowState holds the root contexts of one execution flow, one per manager.
type flowState struct {
	mu    sync.Mutex
	roots map[*Manager]*Context
}

// WithFlow starts an execution flow. Every Current call on a context derived
// from the result shares one root Context per Manager. Without a flow, each
// Current call outside a transaction returns a fresh root Context.
//
// WithFlow on a context that already carries a flow returns it unchanged.
func WithFlow(ctx context.Context) context.Context {
	if flowFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, flowKey{}, &flowState{roots: make(map[*Manager]*Context)})
}

func flowFrom(ctx context.Context) *flowState {
	fs, _ := ctx.Value(flowKey{}).(*flowState)
	return fs
}

// txSlot distinguishes "no transaction set" from "transaction suppressed".
type txSlot struct {
	tx *Transaction
}

// WithTransaction attaches tx to the flow. A nil tx suppresses any
// transaction attached further up.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(WithFlow(ctx), txKey{}, txSlot{tx: tx})
}

// TransactionFrom returns the transaction attached to the flow, or nil when
// there is none or it is suppressed.
func TransactionFrom(ctx context.Context) *Transaction {
	slot, _ := ctx.Value(txKey{}).(txSlot)
	return slot.tx
}

func withCommitting(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, committingKey{}, c)
}

func committingFrom(ctx context.Context) *Context {
	c, _ := ctx.Value(committingKey{}).(*Context)
	return c
}
