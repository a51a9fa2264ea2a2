// Package store is the SQLite backing store.
//
// A Store wraps one database file and serves one named store of a model.
// Begin opens a command context (an *Executor over one sql.Tx) that
// implements the commit executor contract and answers queries inside the
// same transaction, so flushed rows are visible to later reads.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// The settings go into the DSN so every pooled connection gets them.
// With Options.DeferredConstraints each transaction also sets
// defer_foreign_keys, which postpones foreign key checks to COMMIT.
//
// Tables are not created here: the store expects one table per type with
// the columns returned by model.Type.Columns.
//
// Every SELECT orders by the primary key columns so results are
// deterministic.
package store
