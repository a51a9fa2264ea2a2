package model

import (
	"fmt"
	"sort"
	"strings"
)

// Record is the concrete persistent object: one in-memory representative of
// one durable row of a Type.
//
// Thread-safety: a Record belongs to exactly one transaction context and is
// only touched by that context's flow. It performs no locking.
type Record struct {
	typ     *Type
	state   ObjectState
	values  map[string]any
	refs    map[string]*Record
	changed map[string]struct{}

	predicate    Predicate
	predicateKey string

	// inserted is set by the commit pipeline once the row exists in the
	// store but before the record is relabelled Unchanged.
	inserted bool

	// pinned is set while an identity cache indexes the record by its key.
	pinned bool
}

// NewRecord returns an empty record of type t in the given state.
func NewRecord(t *Type, state ObjectState) *Record {
	return &Record{
		typ:     t,
		state:   state,
		values:  make(map[string]any),
		refs:    make(map[string]*Record),
		changed: make(map[string]struct{}),
	}
}

// NewDeflated returns a Deflated placeholder that only knows its key.
func NewDeflated(t *Type, key Key) (*Record, error) {
	r := NewRecord(t, Deflated)
	if err := r.assignKey(key); err != nil {
		return nil, err
	}
	return r, nil
}

// NewPredicated returns a DeflatedPredicated placeholder resolved by p.
func NewPredicated(t *Type, p Predicate) (*Record, error) {
	key, err := CanonicalKey(p)
	if err != nil {
		return nil, fmt.Errorf("predicate for %s: %w", t.Name, err)
	}
	r := NewRecord(t, DeflatedPredicated)
	r.predicate = p
	r.predicateKey = key
	return r, nil
}

// Type returns the concrete type of the record.
func (r *Record) Type() *Type { return r.typ }

// State returns the current object state.
func (r *Record) State() ObjectState { return r.state }

// SetState overwrites the object state.
func (r *Record) SetState(s ObjectState) { r.state = s }

// Predicate returns the resolving predicate of a predicated placeholder.
func (r *Record) Predicate() Predicate { return r.predicate }

// PredicateKey returns the canonical key of the resolving predicate, or "".
func (r *Record) PredicateKey() string { return r.predicateKey }

// Get returns a field or key value, or nil when unset.
func (r *Record) Get(name string) any { return r.values[name] }

// Lookup returns a field or key value and whether it is set.
func (r *Record) Lookup(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Set assigns a field or caller-assigned key value and marks it changed.
// Changing the key of a pinned record fails with IMMUTABLE_PRIMARY_KEY and
// leaves the record untouched.
func (r *Record) Set(name string, v any) error {
	if _, isKey := r.typ.KeyField(name); isKey && r.pinned {
		before := r.identity()
		old, had := r.values[name]
		r.values[name] = v
		if r.identity() != before {
			if had {
				r.values[name] = old
			} else {
				delete(r.values, name)
			}
			return NewImmutablePrimaryKey(r, name)
		}
	}
	r.values[name] = v
	r.markChanged(name)
	return nil
}

// Load assigns a value as read from the store, without marking it changed.
func (r *Record) Load(name string, v any) {
	r.values[name] = v
}

// Ref returns the record referenced by name, or nil.
func (r *Record) Ref(name string) *Record { return r.refs[name] }

// SetRef points reference name at target and marks it changed. Like Set,
// it fails when the reference derives a key component of a pinned record
// and the key would change.
func (r *Record) SetRef(name string, target *Record) error {
	if r.pinned && r.derivesKey(name) {
		before := r.identity()
		old := r.refs[name]
		r.LoadRef(name, target)
		if r.identity() != before {
			r.LoadRef(name, old)
			return NewImmutablePrimaryKey(r, name)
		}
	}
	r.LoadRef(name, target)
	r.markChanged(name)
	return nil
}

// Pin marks r as indexed by its key; Set and SetRef then refuse to change
// the key.
func (r *Record) Pin() { r.pinned = true }

// Unpin lifts the restriction set by Pin.
func (r *Record) Unpin() { r.pinned = false }

// Pinned reports whether r is indexed by its key.
func (r *Record) Pinned() bool { return r.pinned }

func (r *Record) derivesKey(ref string) bool {
	for _, kf := range r.typ.Keys {
		if kf.From == ref {
			return true
		}
	}
	return false
}

// identity encodes the key the record is indexed under: the full key when
// complete, else the caller-assigned part.
func (r *Record) identity() string {
	if k, ok := r.Key(); ok {
		return k.Canonical()
	}
	ck, _ := r.CallerKey()
	return ck
}

// LoadRef points reference name at target without marking it changed.
func (r *Record) LoadRef(name string, target *Record) {
	if target == nil {
		delete(r.refs, name)
		return
	}
	r.refs[name] = target
}

// RefNames returns the names of the set references in sorted order.
func (r *Record) RefNames() []string {
	names := make([]string, 0, len(r.refs))
	for n := range r.refs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of the field and key values.
func (r *Record) Values() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

func (r *Record) markChanged(name string) {
	r.changed[name] = struct{}{}
	if r.state.Is(Transient) || r.state.Is(Deleted) {
		return
	}
	r.state |= Changed
}

// ChangedFields returns the changed field and reference names, sorted.
func (r *Record) ChangedFields() []string {
	out := make([]string, 0, len(r.changed))
	for n := range r.changed {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ClearChanged forgets the changed-field set.
func (r *Record) ClearChanged() {
	r.changed = make(map[string]struct{})
}

// Inserted reports whether the row has been written by the current commit.
func (r *Record) Inserted() bool { return r.inserted }

// MarkInserted records that the row now exists in the store.
func (r *Record) MarkInserted(v bool) { r.inserted = v }

// Key returns the primary key and whether every component is known.
func (r *Record) Key() (Key, bool) {
	if len(r.typ.Keys) == 1 {
		return r.component(r.typ.Keys[0])
	}
	parts := make([]Key, len(r.typ.Keys))
	for i, kf := range r.typ.Keys {
		k, ok := r.component(kf)
		if !ok {
			return nil, false
		}
		parts[i] = k
	}
	return NewCompositeKey(parts...), true
}

// KeyComponent returns one key component, resolving derived components
// through their reference.
func (r *Record) KeyComponent(kf KeyField) (Key, bool) { return r.component(kf) }

func (r *Record) component(kf KeyField) (Key, bool) {
	if kf.From != "" {
		if target := r.refs[kf.From]; target != nil {
			k, ok := target.Key()
			if !ok {
				return nil, false
			}
			k, err := coerceKey(kf.Kind, k)
			if err != nil {
				return nil, false
			}
			return k, true
		}
	}
	v, ok := r.values[kf.Name]
	if !ok || v == nil {
		return nil, false
	}
	k, err := KeyFromValue(kf.Kind, v)
	if err != nil {
		return nil, false
	}
	return k, true
}

// CommitReady reports whether every key component is either known or will be
// generated by the store on insert.
func (r *Record) CommitReady() bool {
	for _, kf := range r.typ.Keys {
		if kf.ServerGenerated {
			continue
		}
		if _, ok := r.component(kf); !ok {
			return false
		}
	}
	return true
}

// CallerKey encodes only the caller-assigned key components. It reports
// false when the type has none or when one of them is still unknown.
//
// Two new objects with equal caller keys would collide on insert, whatever
// the store later generates for the remaining components.
func (r *Record) CallerKey() (string, bool) {
	if !r.typ.HasCallerAssignedKey() {
		return "", false
	}
	var b strings.Builder
	for _, kf := range r.typ.Keys {
		if kf.ServerGenerated {
			continue
		}
		k, ok := r.component(kf)
		if !ok {
			return "", false
		}
		b.WriteString(kf.Name)
		b.WriteByte('=')
		b.WriteString(k.Canonical())
		b.WriteByte(';')
	}
	return b.String(), true
}

// SetPrimaryKey writes every component of key into the record.
func (r *Record) SetPrimaryKey(key Key) error {
	return r.assignKey(key)
}

func (r *Record) assignKey(key Key) error {
	if key == nil {
		return fmt.Errorf("%s: nil key", r.typ.Name)
	}
	var parts []Key
	if c, ok := key.(CompositeKey); ok {
		parts = c.parts
	} else {
		parts = []Key{key}
	}
	if len(parts) != len(r.typ.Keys) {
		return fmt.Errorf("%s: key %s has %d components, type declares %d", r.typ.Name, key, len(parts), len(r.typ.Keys))
	}
	for i, kf := range r.typ.Keys {
		k, err := coerceKey(kf.Kind, parts[i])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", r.typ.Name, kf.Name, err)
		}
		r.values[kf.Name] = KeyValue(k)
	}
	return nil
}

// MergeFrom copies data from src into r without clobbering local changes.
// A deflated receiver becomes inflated when src carries loaded data.
func (r *Record) MergeFrom(src *Record) {
	if src == r || src == nil {
		return
	}
	for name, v := range src.values {
		if _, dirty := r.changed[name]; dirty {
			continue
		}
		r.values[name] = v
	}
	for name, target := range src.refs {
		if _, dirty := r.changed[name]; dirty {
			continue
		}
		r.refs[name] = target
	}
	if r.state.Is(Deflated) && !src.state.Is(Deflated) {
		r.state &^= DeflatedPredicated
	}
}

// Resurrect swaps the data of src into r, which must be a deleted
// placeholder for the same key. r becomes Changed with every column dirty,
// so the row that still exists in the store is overwritten on commit.
func (r *Record) Resurrect(src *Record) {
	r.values = make(map[string]any, len(src.values))
	for name, v := range src.values {
		r.values[name] = v
	}
	r.refs = make(map[string]*Record, len(src.refs))
	for name, target := range src.refs {
		r.refs[name] = target
	}
	r.changed = make(map[string]struct{})
	for _, c := range r.typ.Columns() {
		if c.Source == ColumnKey {
			continue
		}
		if c.Source == ColumnRef {
			r.changed[r.typ.Refs[c.Index].Name] = struct{}{}
			continue
		}
		r.changed[c.Name] = struct{}{}
	}
	r.state = Changed
}

// String renders the record as Type(key) for logs and error messages.
func (r *Record) String() string {
	if r.state.Is(Predicated) {
		return fmt.Sprintf("%s[%s]", r.typ.Name, r.predicateKey)
	}
	if k, ok := r.Key(); ok {
		return fmt.Sprintf("%s(%s)", r.typ.Name, k)
	}
	return fmt.Sprintf("%s(<new %p>)", r.typ.Name, r)
}
