// Package commit drains an identity cache into the backing stores.
//
// The Pipeline runs three passes in a fixed order: inserts, updates,
// deletes. Inserts use a retry-until-fixed-point loop instead of a
// topological sort: every pass writes what it can, the executor reports
// what it could not write (ToRetry) and what it wrote with NULL references
// (ToFixUp), and the loop repeats until nothing is left. Passes are bounded
// by the longest chain of required references between new objects.
//
// Executors are reached through Contexts, which opens one command context
// per backing store and transaction and hands out reference-counted
// acquisitions of it.
package commit
