// Package txn scopes identity caches to transactions.
//
// A Manager serves one model. For every Transaction it creates exactly one
// Context, which owns an identity cache and the command contexts of the
// stores the transaction touches, and enlists the Context in the
// Transaction as a two-phase commit participant.
//
// The transaction of the current execution flow travels in context.Context.
// Manager.Current resolves the Context of a flow in this order:
//
//  1. the Context currently committing on this flow, so hooks fired during a
//     commit observe the committing Context instead of creating a new one;
//  2. the Context registered for the flow's transaction;
//  3. the flow's root Context, created on first use. Root contexts serve
//     reads only; writes through them fail with NOT_IN_SCOPE.
//
// Scopes (Required, RequiresNew, Suppress) derive flows with a transaction
// attached or removed, and complete or doom the transaction when closed.
package txn
