// Package model defines the persistent-object vocabulary shared by every
// other package: entity type declarations, object state, primary keys,
// stored predicates and the error taxonomy.
//
// # Objects
//
// A Record is the in-memory representative of one durable row. Records are
// produced by an Activator and are only ever mutated by the flow that owns
// the enclosing transaction context, so they carry no locks.
//
// # Keys
//
// Primary keys are either scalar (Int32Key, Int64Key, UUIDKey, StringKey) or
// a CompositeKey over an ordered tuple of scalars. Scalar keys are plain
// comparable values and can be used directly as map keys. Composite keys hold
// a slice and are compared structurally through KeysEqual and Canonical.
//
// # Predicates
//
// A Predicate addresses an object that has no known key. Two predicates that
// are structurally equal produce the same CanonicalKey, independent of
// pointer identity and of the order in which map-valued literals were built.
package model
