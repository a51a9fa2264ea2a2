package model

import (
	"errors"
	"fmt"
)

// FieldKind is the value type of a non-key field.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldInt    FieldKind = "int"
	FieldBool   FieldKind = "bool"
	FieldFloat  FieldKind = "float"
	FieldUUID   FieldKind = "uuid"
)

// ValidFieldKind reports whether kind names a supported field type.
func ValidFieldKind(kind FieldKind) bool {
	switch kind {
	case FieldString, FieldInt, FieldBool, FieldFloat, FieldUUID:
		return true
	}
	return false
}

// KeyField declares one component of a primary key.
type KeyField struct {
	Name string
	Kind KeyKind

	// ServerGenerated components are filled in by the store on insert.
	ServerGenerated bool

	// From names a Reference whose target's scalar key supplies this
	// component. While the target is new and unkeyed the owning object is
	// not commit-ready.
	From string
}

// Field declares a plain data column.
type Field struct {
	Name string
	Kind FieldKind
}

// Reference declares a foreign key to another type.
type Reference struct {
	Name   string
	Target string

	// Column holds the target's key. Defaults to Name + "_id".
	Column string

	// Required references are constrained foreign keys checked immediately
	// by the store: the referencing row cannot be inserted before the
	// referenced row unless the store defers constraint checking.
	Required bool
}

// Type declares one concrete persistent type.
type Type struct {
	Name  string
	Table string
	Store string

	Keys   []KeyField
	Fields []Field
	Refs   []Reference
}

// DefaultStore is used for types that do not name a backing store.
const DefaultStore = "default"

// StoreName returns the backing store of the type.
func (t *Type) StoreName() string {
	if t.Store == "" {
		return DefaultStore
	}
	return t.Store
}

// TableName returns the table of the type, defaulting to its name.
func (t *Type) TableName() string {
	if t.Table == "" {
		return t.Name
	}
	return t.Table
}

// IsComposite reports whether the primary key has more than one component.
func (t *Type) IsComposite() bool { return len(t.Keys) > 1 }

// ScalarKeyKind returns the kind of a single-component key, or "" when the
// key is composite.
func (t *Type) ScalarKeyKind() KeyKind {
	if len(t.Keys) != 1 {
		return ""
	}
	return t.Keys[0].Kind
}

// HasCallerAssignedKey reports whether any key component is supplied by the
// caller rather than the store.
func (t *Type) HasCallerAssignedKey() bool {
	for _, k := range t.Keys {
		if !k.ServerGenerated {
			return true
		}
	}
	return false
}

// NormalizeKey converts key to the declared component kinds of t, so that
// Int32Key(5) and Int64Key(5) address the same int64-keyed object.
func (t *Type) NormalizeKey(key Key) (Key, error) {
	if key == nil {
		return nil, fmt.Errorf("%s: nil key", t.Name)
	}
	c, composite := key.(CompositeKey)
	if !t.IsComposite() {
		if composite {
			if c.Len() != 1 {
				return nil, fmt.Errorf("%s: composite key %s for scalar key type", t.Name, key)
			}
			key = c.Part(0)
		}
		return coerceKey(t.Keys[0].Kind, key)
	}
	if !composite || c.Len() != len(t.Keys) {
		return nil, fmt.Errorf("%s: key %s does not have %d components", t.Name, key, len(t.Keys))
	}
	parts := make([]Key, c.Len())
	for i, kf := range t.Keys {
		p := c.Part(i)
		if p == nil {
			return nil, fmt.Errorf("%s.%s: nil key component", t.Name, kf.Name)
		}
		k, err := coerceKey(kf.Kind, p)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, kf.Name, err)
		}
		parts[i] = k
	}
	return NewCompositeKey(parts...), nil
}

// KeyField looks up a key component by name.
func (t *Type) KeyField(name string) (KeyField, bool) {
	for _, k := range t.Keys {
		if k.Name == name {
			return k, true
		}
	}
	return KeyField{}, false
}

// Field looks up a data field by name.
func (t *Type) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Ref looks up a reference by name.
func (t *Type) Ref(name string) (Reference, bool) {
	for _, r := range t.Refs {
		if r.Name == name {
			return r, true
		}
	}
	return Reference{}, false
}

// RefColumn returns the column that stores the reference's target key.
func (r Reference) RefColumn() string {
	if r.Column != "" {
		return r.Column
	}
	return r.Name + "_id"
}

func (t *Type) String() string { return t.Name }

// Model is a named registry of persistent types.
//
// A Model is immutable after NewModel returns and is safe for concurrent use.
type Model struct {
	name   string
	types  []*Type
	byName map[string]*Type
}

// NewModel validates and registers the given types. Types keep their
// declaration order, which is also the order commit passes visit them in.
func NewModel(name string, types ...*Type) (*Model, error) {
	m := &Model{name: name, byName: make(map[string]*Type, len(types))}
	for _, t := range types {
		if t == nil {
			return nil, errors.New("nil type")
		}
		if _, dup := m.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate type %q", t.Name)
		}
		m.byName[t.Name] = t
		m.types = append(m.types, t)
	}
	var errs []error
	for _, t := range m.types {
		if err := m.validateType(t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// MustModel is NewModel that panics on error. Intended for tests and
// package-level fixtures.
func MustModel(name string, types ...*Type) *Model {
	m, err := NewModel(name, types...)
	if err != nil {
		panic(fmt.Sprintf("model %s: %v", name, err))
	}
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Type looks up a type by name.
func (m *Model) Type(name string) (*Type, bool) {
	t, ok := m.byName[name]
	return t, ok
}

// Types returns the types in declaration order.
func (m *Model) Types() []*Type {
	out := make([]*Type, len(m.types))
	copy(out, m.types)
	return out
}

// Stores returns the distinct backing store names in first-use order.
func (m *Model) Stores() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range m.types {
		s := t.StoreName()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (m *Model) validateType(t *Type) error {
	if t.Name == "" {
		return errors.New("type with empty name")
	}
	if len(t.Keys) == 0 {
		return fmt.Errorf("type %s: at least one key field is required", t.Name)
	}
	names := make(map[string]bool)
	for _, k := range t.Keys {
		if !ValidKeyKind(k.Kind) {
			return fmt.Errorf("type %s: key %q has unsupported kind %q", t.Name, k.Name, k.Kind)
		}
		if names[k.Name] {
			return fmt.Errorf("type %s: duplicate column %q", t.Name, k.Name)
		}
		names[k.Name] = true
		if k.ServerGenerated && k.From != "" {
			return fmt.Errorf("type %s: key %q cannot be both server generated and derived from %q", t.Name, k.Name, k.From)
		}
		if k.From != "" {
			if _, ok := t.Ref(k.From); !ok {
				return fmt.Errorf("type %s: key %q derives from unknown reference %q", t.Name, k.Name, k.From)
			}
		}
	}
	for _, f := range t.Fields {
		if !ValidFieldKind(f.Kind) {
			return fmt.Errorf("type %s: field %q has unsupported kind %q", t.Name, f.Name, f.Kind)
		}
		if names[f.Name] {
			return fmt.Errorf("type %s: duplicate column %q", t.Name, f.Name)
		}
		names[f.Name] = true
	}
	for _, r := range t.Refs {
		target, ok := m.byName[r.Target]
		if !ok {
			return fmt.Errorf("type %s: reference %q targets unknown type %q", t.Name, r.Name, r.Target)
		}
		if target.IsComposite() {
			return fmt.Errorf("type %s: reference %q targets %s which has a composite key", t.Name, r.Name, r.Target)
		}
		if names[r.RefColumn()] && !t.keyDerivedFrom(r.Name, r.RefColumn()) {
			return fmt.Errorf("type %s: duplicate column %q", t.Name, r.RefColumn())
		}
		names[r.RefColumn()] = true
	}
	return nil
}

// keyDerivedFrom reports whether column is a key component derived from ref,
// in which case the key column doubles as the reference column.
func (t *Type) keyDerivedFrom(ref, column string) bool {
	k, ok := t.KeyField(column)
	return ok && k.From == ref
}

// ColumnSource says where a column's value comes from.
type ColumnSource int

const (
	ColumnKey ColumnSource = iota
	ColumnField
	ColumnRef
)

// Column is one physical column of a type's table.
type Column struct {
	Name   string
	Source ColumnSource

	// Index points into Keys, Fields or Refs depending on Source.
	Index int
}

// Columns lists the physical columns in key, field, reference order. A
// reference whose column is also a derived key component appears once, as
// the key column.
func (t *Type) Columns() []Column {
	cols := make([]Column, 0, len(t.Keys)+len(t.Fields)+len(t.Refs))
	for i, k := range t.Keys {
		cols = append(cols, Column{Name: k.Name, Source: ColumnKey, Index: i})
	}
	for i, f := range t.Fields {
		cols = append(cols, Column{Name: f.Name, Source: ColumnField, Index: i})
	}
	for i, r := range t.Refs {
		if t.keyDerivedFrom(r.Name, r.RefColumn()) {
			continue
		}
		cols = append(cols, Column{Name: r.RefColumn(), Source: ColumnRef, Index: i})
	}
	return cols
}
