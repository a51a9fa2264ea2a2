package cache

import (
	"github.com/roach88/unitofwork/internal/model"
)

// keyIndex maps primary keys of one type to records.
//
// Implementations are specialised per scalar key type so that the hot lookup
// path hashes the key value directly instead of a boxed interface.
type keyIndex interface {
	get(k model.Key) (*model.Record, bool)
	put(k model.Key, r *model.Record)
	remove(k model.Key) bool
	len() int
	records() []*model.Record
}

// scalarIndex is a keyIndex over one comparable key representation K.
type scalarIndex[K comparable] struct {
	m    *orderedMap[K, *model.Record]
	conv func(model.Key) (K, bool)
}

func newScalarIndex[K comparable](conv func(model.Key) (K, bool)) *scalarIndex[K] {
	return &scalarIndex[K]{m: newOrderedMap[K, *model.Record](), conv: conv}
}

func (ix *scalarIndex[K]) get(k model.Key) (*model.Record, bool) {
	kk, ok := ix.conv(k)
	if !ok {
		return nil, false
	}
	return ix.m.get(kk)
}

func (ix *scalarIndex[K]) put(k model.Key, r *model.Record) {
	if kk, ok := ix.conv(k); ok {
		ix.m.put(kk, r)
	}
}

func (ix *scalarIndex[K]) remove(k model.Key) bool {
	kk, ok := ix.conv(k)
	if !ok {
		return false
	}
	return ix.m.remove(kk)
}

func (ix *scalarIndex[K]) len() int { return ix.m.len() }

func (ix *scalarIndex[K]) records() []*model.Record { return ix.m.values() }

func asScalar[K model.Int32Key | model.Int64Key | model.UUIDKey | model.StringKey](k model.Key) (K, bool) {
	kk, ok := k.(K)
	return kk, ok
}

func asComposite(k model.Key) (string, bool) {
	c, ok := k.(model.CompositeKey)
	if !ok {
		return "", false
	}
	return c.Canonical(), true
}

// newKeyIndex picks the index specialisation for t's key shape.
func newKeyIndex(t *model.Type) keyIndex {
	switch t.ScalarKeyKind() {
	case model.KindInt32:
		return newScalarIndex(asScalar[model.Int32Key])
	case model.KindInt64:
		return newScalarIndex(asScalar[model.Int64Key])
	case model.KindUUID:
		return newScalarIndex(asScalar[model.UUIDKey])
	case model.KindString:
		return newScalarIndex(asScalar[model.StringKey])
	default:
		return newScalarIndex(asComposite)
	}
}
