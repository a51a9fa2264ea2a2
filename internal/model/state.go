package model

import "strings"

// ObjectState tags the lifecycle position of a Record.
//
// States are bit flags so that compound states (NewChanged,
// DeflatedPredicated) can be tested with Is.
type ObjectState uint8

// Unchanged is a loaded object whose fields match the store.
const Unchanged ObjectState = 0

const (
	// New marks an object that has not been inserted yet.
	New ObjectState = 1 << iota
	// Changed marks an object with modified fields.
	Changed
	// Deleted marks an object moved to the deleted index.
	Deleted
	// Deflated marks an object whose key is known but whose data is not loaded.
	Deflated
	// Predicated marks a deflated object resolved through a stored predicate.
	Predicated
	// Transient objects are never cached and never committed.
	Transient
)

const (
	// NewChanged is a new object modified after creation.
	NewChanged = New | Changed
	// DeflatedPredicated is a placeholder addressed only by predicate.
	DeflatedPredicated = Deflated | Predicated
)

// Is reports whether every bit of flag is set in s.
// Is(Unchanged) reports whether s carries no flags at all.
func (s ObjectState) Is(flag ObjectState) bool {
	if flag == Unchanged {
		return s == Unchanged
	}
	return s&flag == flag
}

// String renders the state as a "|"-joined list of flag names.
func (s ObjectState) String() string {
	if s == Unchanged {
		return "Unchanged"
	}
	names := []struct {
		flag ObjectState
		name string
	}{
		{New, "New"},
		{Changed, "Changed"},
		{Deleted, "Deleted"},
		{Deflated, "Deflated"},
		{Predicated, "Predicated"},
		{Transient, "Transient"},
	}
	var parts []string
	for _, n := range names {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
