package model

// Activator is the narrow activation contract the cache and commit pipeline
// depend on. How concrete objects are manufactured is up to the
// implementation.
type Activator interface {
	NewInstance(t *Type) *Record
	PrimaryKey(r *Record) (Key, bool)
	SetPrimaryKey(r *Record, key Key) error
	ChangedFields(r *Record) []string
}

// RecordActivator activates map-backed Records.
type RecordActivator struct{}

var _ Activator = RecordActivator{}

// NewInstance returns a fresh New record of type t.
func (RecordActivator) NewInstance(t *Type) *Record { return NewRecord(t, New) }

// PrimaryKey returns the record's key and whether it is complete.
func (RecordActivator) PrimaryKey(r *Record) (Key, bool) { return r.Key() }

// SetPrimaryKey writes every key component into the record.
func (RecordActivator) SetPrimaryKey(r *Record, key Key) error { return r.SetPrimaryKey(key) }

// ChangedFields returns the record's changed field names.
func (RecordActivator) ChangedFields(r *Record) []string { return r.ChangedFields() }
