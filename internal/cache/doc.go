// Package cache implements the identity map of one transaction context.
//
// IdentityCache guarantees that at most one live *model.Record exists per
// (type, primary key). Re-caching an object with a known key merges into and
// returns the instance already held, so every outstanding reference keeps
// pointing at the canonical object.
//
// Objects are partitioned by state:
//   - live: keyed objects (loaded, changed, deflated, and new objects whose
//     key is already complete)
//   - new: objects awaiting insert, in creation order
//   - not ready: new objects whose key still depends on another new object
//   - deleted: objects pending deletion, still addressable by key
//   - predicated: placeholders addressed by a stored predicate
//
// Every index preserves insertion order so that commit passes, and the
// traces built from them, are deterministic.
//
// An IdentityCache is owned by one transaction context and is not safe for
// concurrent use.
package cache
