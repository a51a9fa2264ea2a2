package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/unitofwork/internal/model"
	"github.com/roach88/unitofwork/internal/txn"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Trace    []string // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, line := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, line)
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains the line.
func assertTraceContains(trace []string, assertion Assertion) error {
	for _, line := range trace {
		if line == assertion.Line {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("line %q", assertion.Line),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if lines appear in the specified order.
// Lines don't need to be consecutive (intervening lines are allowed).
func assertTraceOrder(trace []string, assertion Assertion) error {
	// Step 1: Find first position of each expected line
	positions := make(map[string]int)
	for i, line := range trace {
		if positions[line] == 0 {
			positions[line] = i + 1 // 1-indexed for readability
		}
	}

	// Step 2: Verify all lines found
	for _, line := range assertion.Lines {
		if positions[line] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all lines present: %q", assertion.Lines),
				Actual:   fmt.Sprintf("missing line: %s", line),
				Trace:    trace,
			}
		}
	}

	// Step 3: Verify order
	for i := 1; i < len(assertion.Lines); i++ {
		prev, curr := assertion.Lines[i-1], assertion.Lines[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("lines in order: %q", assertion.Lines),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count lines start with Prefix, as a
// whole word sequence: "insert Order" matches "insert Order 1" but not
// "insert OrderLine 1".
func assertTraceCount(trace []string, assertion Assertion) error {
	count := 0
	for _, line := range trace {
		if line == assertion.Prefix || strings.HasPrefix(line, assertion.Prefix+" ") {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d lines starting with %q", assertion.Count, assertion.Prefix),
			Actual:   fmt.Sprintf("%d lines", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState queries the committed state through a root context.
//
// With Expect set, exactly one object must match Where and its values are
// checked with subset semantics. Without Expect, Count objects must match.
func assertFinalState(ctx context.Context, mgr *txn.Manager, assertion Assertion) error {
	t, ok := mgr.Model().Type(assertion.Object)
	if !ok {
		return fmt.Errorf("final_state: unknown type %q", assertion.Object)
	}
	p, err := wherePredicate(t, assertion.Where)
	if err != nil {
		return err
	}
	root, err := mgr.Current(ctx)
	if err != nil {
		return err
	}
	defer root.Dispose(ctx)

	objs, err := root.Query(ctx, t.Name, p)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s", t.Name),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	whereDesc := formatWhereClause(assertion.Where)

	if len(assertion.Expect) == 0 {
		if len(objs) != assertion.Count {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%d objects of %s where %s", assertion.Count, t.Name, whereDesc),
				Actual:   fmt.Sprintf("%d objects", len(objs)),
			}
		}
		return nil
	}

	switch len(objs) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("object of %s where %s", t.Name, whereDesc),
			Actual:   "object not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one object of %s where %s", t.Name, whereDesc),
			Actual:   "multiple objects matched (assertion is ambiguous)",
		}
	}

	obj := objs[0]
	for _, name := range sortedKeys(assertion.Expect) {
		expected := assertion.Expect[name]
		actual, err := stateValue(obj, name)
		if err != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", name),
				Actual:   err.Error(),
			}
		}
		if !stateValuesEqual(t, name, expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", name, expected, expected),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", name, actual, actual),
			}
		}
	}
	return nil
}

// stateValue reads a field, key component or reference of obj. Keys and
// references are rendered as key strings, an unset reference as nil.
func stateValue(obj *model.Record, name string) (any, error) {
	t := obj.Type()
	if kf, ok := t.KeyField(name); ok {
		k, ok := obj.KeyComponent(kf)
		if !ok {
			return nil, nil
		}
		return k.String(), nil
	}
	if _, ok := t.Field(name); ok {
		return obj.Get(name), nil
	}
	if _, ok := t.Ref(name); ok {
		target := obj.Ref(name)
		if target == nil {
			return nil, nil
		}
		k, ok := target.Key()
		if !ok {
			return nil, nil
		}
		return k.String(), nil
	}
	return nil, fmt.Errorf("%s has no field, key or reference %q", t.Name, name)
}

// stateValuesEqual compares an expected YAML value with a stored value.
// Fields compare after normalizing the expectation to the field's kind; keys
// and references compare by their string form.
func stateValuesEqual(t *model.Type, name string, expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if f, ok := t.Field(name); ok {
		norm, err := model.NormalizeField(f.Kind, expected)
		if err != nil {
			return false
		}
		return reflect.DeepEqual(norm, actual)
	}
	return fmt.Sprint(expected) == actual
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	// Sort keys for deterministic output
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Manager *txn.Manager
	Ctx     context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Manager == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a manager", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Manager, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
