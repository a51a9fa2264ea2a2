package cache

import (
	"fmt"

	"github.com/roach88/unitofwork/internal/model"
)

// IdentityCache is the per-context identity map.
type IdentityCache struct {
	types    map[*model.Type]*typeCache
	order    []*typeCache
	fresh    *orderedMap[*model.Record, struct{}]
	notReady *orderedMap[*model.Record, struct{}]

	committing bool
}

// typeCache holds the indexes of one concrete type.
type typeCache struct {
	typ        *model.Type
	live       keyIndex
	deleted    keyIndex
	predicated *orderedMap[string, *model.Record]

	// predicatedDeleted holds deletions addressed only by predicate.
	predicatedDeleted *orderedMap[string, *model.Record]

	// callerKeys maps the caller-assigned key portion of each pending new
	// object to that object, for the collision guard.
	callerKeys map[string]*model.Record
}

// New returns an empty cache.
func New() *IdentityCache {
	return &IdentityCache{
		types:    make(map[*model.Type]*typeCache),
		fresh:    newOrderedMap[*model.Record, struct{}](),
		notReady: newOrderedMap[*model.Record, struct{}](),
	}
}

func (c *IdentityCache) typeCache(t *model.Type) *typeCache {
	if tc, ok := c.types[t]; ok {
		return tc
	}
	tc := &typeCache{
		typ:        t,
		live:       newKeyIndex(t),
		deleted:    newKeyIndex(t),
		predicated: newOrderedMap[string, *model.Record](),
		callerKeys: make(map[string]*model.Record),

		predicatedDeleted: newOrderedMap[string, *model.Record](),
	}
	c.types[t] = tc
	c.order = append(c.order, tc)
	return tc
}

// Cache inserts r or merges it into the instance already cached for the same
// identity, and returns the canonical instance.
//
// When forImport is set an existing instance is returned untouched instead of
// absorbing r's data. Resurrection of deleted placeholders happens either way.
//
// New objects whose key is incomplete are parked in the not-ready set and
// returned as is. Transient objects are never cached. Objects indexed by key
// are pinned, so their key cannot be reassigned while cached.
func (c *IdentityCache) Cache(r *model.Record, forImport bool) (*model.Record, error) {
	if r == nil {
		return nil, fmt.Errorf("cache nil record")
	}
	state := r.State()
	switch {
	case state.Is(model.Transient):
		return r, nil
	case state.Is(model.Deleted):
		return c.cacheDeleted(r)
	case state.Is(model.Predicated):
		return c.cachePredicated(r, forImport), nil
	case state.Is(model.New):
		if !r.CommitReady() {
			c.notReady.put(r, struct{}{})
			return r, nil
		}
		return c.addNew(r)
	default:
		return c.cacheKeyed(r, forImport)
	}
}

func (c *IdentityCache) cachePredicated(r *model.Record, forImport bool) *model.Record {
	tc := c.typeCache(r.Type())
	if placeholder, ok := tc.predicatedDeleted.get(r.PredicateKey()); ok {
		return placeholder
	}
	if existing, ok := tc.predicated.get(r.PredicateKey()); ok {
		if !forImport {
			existing.MergeFrom(r)
		}
		return existing
	}
	tc.predicated.put(r.PredicateKey(), r)
	return r
}

func (c *IdentityCache) cacheKeyed(r *model.Record, forImport bool) (*model.Record, error) {
	tc := c.typeCache(r.Type())
	key, err := recordKey(r)
	if err != nil {
		return nil, err
	}
	if existing, ok := tc.live.get(key); ok {
		if existing != r && !forImport {
			existing.MergeFrom(r)
		}
		return existing, nil
	}
	// A pending deletion wins over rows read back from the store.
	if placeholder, ok := tc.deleted.get(key); ok {
		return placeholder, nil
	}
	tc.live.put(key, r)
	r.Pin()
	return r, nil
}

// cacheDeleted records a deletion. When another instance is cached for the
// same identity, that instance is deleted instead and returned.
func (c *IdentityCache) cacheDeleted(r *model.Record) (*model.Record, error) {
	tc := c.typeCache(r.Type())
	if _, complete := r.Key(); !complete && r.State().Is(model.Predicated) {
		pk := r.PredicateKey()
		if existing, ok := tc.predicatedDeleted.get(pk); ok {
			return existing, nil
		}
		if existing, ok := tc.predicated.get(pk); ok && existing != r {
			return existing, c.Deleted(existing)
		}
		tc.predicated.remove(pk)
		tc.predicatedDeleted.put(pk, r)
		return r, nil
	}
	key, err := recordKey(r)
	if err != nil {
		return nil, err
	}
	if existing, ok := tc.deleted.get(key); ok {
		return existing, nil
	}
	if existing, ok := tc.live.get(key); ok && existing != r {
		return existing, c.Deleted(existing)
	}
	tc.live.remove(key)
	tc.deleted.put(key, r)
	r.Pin()
	return r, nil
}

// addNew registers a commit-ready new object. It resurrects a deleted
// placeholder with the same key and enforces the collision guard.
func (c *IdentityCache) addNew(r *model.Record) (*model.Record, error) {
	tc := c.typeCache(r.Type())
	c.notReady.remove(r)
	if _, ok := c.fresh.get(r); ok {
		return r, nil
	}

	key, complete := r.Key()
	if complete {
		nk, err := r.Type().NormalizeKey(key)
		if err != nil {
			return nil, &model.Error{
				Code:    model.CodeMissingOrInvalidPrimaryKey,
				Message: "new object has an invalid primary key",
				Type:    r.Type().Name,
				Object:  r.String(),
				Err:     err,
			}
		}
		key = nk
		if placeholder, ok := tc.deleted.get(key); ok {
			tc.deleted.remove(key)
			placeholder.Resurrect(r)
			tc.live.put(key, placeholder)
			return placeholder, nil
		}
		if existing, ok := tc.live.get(key); ok && existing != r {
			return nil, model.NewObjectAlreadyExists(r, existing)
		}
	}

	if ck, ok := r.CallerKey(); ok {
		if existing := tc.callerKeys[ck]; existing != nil && existing != r {
			return nil, model.NewObjectAlreadyExists(r, existing)
		}
		tc.callerKeys[ck] = r
		r.Pin()
	}
	if complete {
		tc.live.put(key, r)
		r.Pin()
	}
	c.fresh.put(r, struct{}{})
	return r, nil
}

// Get returns the live object of type t with the given key.
func (c *IdentityCache) Get(t *model.Type, key model.Key) (*model.Record, bool) {
	tc, ok := c.types[t]
	if !ok {
		return nil, false
	}
	nk, err := t.NormalizeKey(key)
	if err != nil {
		return nil, false
	}
	return tc.live.get(nk)
}

// GetDeleted returns the pending deletion of type t with the given key.
func (c *IdentityCache) GetDeleted(t *model.Type, key model.Key) (*model.Record, bool) {
	tc, ok := c.types[t]
	if !ok {
		return nil, false
	}
	nk, err := t.NormalizeKey(key)
	if err != nil {
		return nil, false
	}
	return tc.deleted.get(nk)
}

// GetByPredicate returns the placeholder cached for a structurally equal
// predicate.
func (c *IdentityCache) GetByPredicate(t *model.Type, p model.Predicate) (*model.Record, bool, error) {
	pk, err := model.CanonicalKey(p)
	if err != nil {
		return nil, false, err
	}
	tc, ok := c.types[t]
	if !ok {
		return nil, false, nil
	}
	r, ok := tc.predicated.get(pk)
	return r, ok, nil
}

// Deleted moves r from the live index to the deleted index. A new object is
// simply dropped from the pending sets and becomes Transient; deleting it
// again does nothing. A placeholder known only by predicate is deleted by
// that predicate.
func (c *IdentityCache) Deleted(r *model.Record) error {
	if r.State().Is(model.Transient) {
		return nil
	}
	tc := c.typeCache(r.Type())
	if r.State().Is(model.New) {
		c.forgetNew(tc, r)
		r.SetState(model.Transient)
		return nil
	}
	if _, complete := r.Key(); !complete && r.State().Is(model.Predicated) {
		pk := r.PredicateKey()
		if existing, ok := tc.predicated.get(pk); ok && existing == r {
			tc.predicated.remove(pk)
		}
		r.SetState(model.Deleted | model.Predicated)
		tc.predicatedDeleted.put(pk, r)
		return nil
	}
	key, err := recordKey(r)
	if err != nil {
		return err
	}
	if r.State().Is(model.Predicated) {
		tc.predicated.remove(r.PredicateKey())
	}
	if existing, ok := tc.live.get(key); ok && existing == r {
		tc.live.remove(key)
	}
	r.SetState(model.Deleted)
	tc.deleted.put(key, r)
	r.Pin()
	return nil
}

// Evict removes r from every index without marking it deleted.
// It does nothing while a commit is in progress.
func (c *IdentityCache) Evict(r *model.Record) {
	if c.committing {
		return
	}
	tc, ok := c.types[r.Type()]
	if !ok {
		return
	}
	c.forgetNew(tc, r)
	if r.State().Is(model.Predicated) {
		if existing, ok := tc.predicated.get(r.PredicateKey()); ok && existing == r {
			tc.predicated.remove(r.PredicateKey())
		}
		if existing, ok := tc.predicatedDeleted.get(r.PredicateKey()); ok && existing == r {
			tc.predicatedDeleted.remove(r.PredicateKey())
		}
	}
	key, complete := r.Key()
	if !complete {
		return
	}
	if nk, err := r.Type().NormalizeKey(key); err == nil {
		key = nk
	}
	if existing, ok := tc.live.get(key); ok && existing == r {
		tc.live.remove(key)
	}
	if existing, ok := tc.deleted.get(key); ok && existing == r {
		tc.deleted.remove(key)
	}
}

func (c *IdentityCache) forgetNew(tc *typeCache, r *model.Record) {
	r.Unpin()
	c.fresh.remove(r)
	c.notReady.remove(r)
	for ck, other := range tc.callerKeys {
		if other == r {
			delete(tc.callerKeys, ck)
		}
	}
	if key, ok := r.Key(); ok {
		if nk, err := r.Type().NormalizeKey(key); err == nil {
			if existing, ok := tc.live.get(nk); ok && existing == r {
				tc.live.remove(nk)
			}
		}
	}
}

// BeginCommit marks the start of a commit; Evict becomes a no-op.
func (c *IdentityCache) BeginCommit() { c.committing = true }

// EndCommit marks the end of a commit.
func (c *IdentityCache) EndCommit() { c.committing = false }

// Committing reports whether a commit is in progress.
func (c *IdentityCache) Committing() bool { return c.committing }

// PromoteReady moves every not-ready object whose key has become complete
// into the new-object set and returns the promoted objects.
func (c *IdentityCache) PromoteReady() ([]*model.Record, error) {
	var promoted []*model.Record
	for _, r := range c.notReady.keys() {
		if !r.CommitReady() {
			continue
		}
		canonical, err := c.addNew(r)
		if err != nil {
			return promoted, err
		}
		promoted = append(promoted, canonical)
	}
	return promoted, nil
}

// AssertObjectsAreReadyForCommit promotes what it can and fails with
// MISSING_OR_INVALID_PRIMARY_KEY naming the first object still incomplete.
func (c *IdentityCache) AssertObjectsAreReadyForCommit() error {
	if _, err := c.PromoteReady(); err != nil {
		return err
	}
	if pending := c.notReady.keys(); len(pending) > 0 {
		return model.NewMissingOrInvalidPrimaryKey(pending[0])
	}
	return nil
}

// NotReady returns the new objects whose key is still incomplete.
func (c *IdentityCache) NotReady() []*model.Record { return c.notReady.keys() }

// NewObjects returns the commit-ready new objects in creation order.
func (c *IdentityCache) NewObjects() []*model.Record { return c.fresh.keys() }

// ObjectsByID returns every live keyed object, type by type in first-cached
// order. New objects with a complete key are included.
func (c *IdentityCache) ObjectsByID() []*model.Record {
	var out []*model.Record
	for _, tc := range c.order {
		out = append(out, tc.live.records()...)
	}
	return out
}

// ObjectsByPredicate returns every predicate-addressed placeholder.
func (c *IdentityCache) ObjectsByPredicate() []*model.Record {
	var out []*model.Record
	for _, tc := range c.order {
		out = append(out, tc.predicated.values()...)
	}
	return out
}

// DeletedObjects returns every pending deletion, keyed deletions of a type
// before its predicate deletions.
func (c *IdentityCache) DeletedObjects() []*model.Record {
	var out []*model.Record
	for _, tc := range c.order {
		out = append(out, tc.deleted.records()...)
		out = append(out, tc.predicatedDeleted.values()...)
	}
	return out
}

// Len returns the number of cached objects across all partitions.
func (c *IdentityCache) Len() int {
	n := c.notReady.len()
	for _, tc := range c.order {
		n += tc.live.len() + tc.deleted.len() + tc.predicated.len() + tc.predicatedDeleted.len()
	}
	for _, r := range c.fresh.keys() {
		if _, complete := r.Key(); !complete {
			n++
		}
	}
	return n
}

// CommitCompleted relabels the cache after the pending writes reached the
// store: inserted objects become Unchanged and are indexed by their now
// complete key, changed objects forget their changes and deletions are
// dropped.
func (c *IdentityCache) CommitCompleted() error {
	for _, r := range c.fresh.keys() {
		if !r.Inserted() {
			continue
		}
		tc := c.typeCache(r.Type())
		key, err := recordKey(r)
		if err != nil {
			return err
		}
		tc.live.put(key, r)
		r.Pin()
		r.SetState(model.Unchanged)
		r.ClearChanged()
		r.MarkInserted(false)
		c.fresh.remove(r)
	}
	for _, tc := range c.order {
		tc.callerKeys = make(map[string]*model.Record)
		for _, r := range tc.live.records() {
			if r.State().Is(model.Changed) {
				r.SetState(r.State() &^ model.Changed)
				r.ClearChanged()
			}
		}
		for _, r := range tc.predicated.values() {
			if r.State().Is(model.Changed) {
				r.SetState(r.State() &^ model.Changed)
				r.ClearChanged()
			}
		}
		for _, r := range tc.deleted.records() {
			r.SetState(model.Transient)
			r.Unpin()
		}
		for _, r := range tc.predicatedDeleted.values() {
			r.SetState(model.Transient)
		}
		tc.deleted = newKeyIndex(tc.typ)
		tc.predicatedDeleted.clear()
	}
	// Objects that were not inserted stay pending; rebuild their guard.
	for _, r := range c.fresh.keys() {
		if ck, ok := r.CallerKey(); ok {
			c.typeCache(r.Type()).callerKeys[ck] = r
		}
	}
	return nil
}

// Clear drops every object. Used when the owning context is disposed.
func (c *IdentityCache) Clear() {
	for _, tc := range c.order {
		for _, r := range tc.live.records() {
			r.Unpin()
		}
		for _, r := range tc.deleted.records() {
			r.Unpin()
		}
	}
	for _, r := range c.fresh.keys() {
		r.Unpin()
	}
	c.types = make(map[*model.Type]*typeCache)
	c.order = nil
	c.fresh.clear()
	c.notReady.clear()
}

func recordKey(r *model.Record) (model.Key, error) {
	key, ok := r.Key()
	if !ok {
		return nil, model.NewMissingOrInvalidPrimaryKey(r)
	}
	nk, err := r.Type().NormalizeKey(key)
	if err != nil {
		return nil, &model.Error{
			Code:    model.CodeMissingOrInvalidPrimaryKey,
			Message: "object has an invalid primary key",
			Type:    r.Type().Name,
			Object:  r.String(),
			Err:     err,
		}
	}
	return nk, nil
}
