package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/unitofwork/internal/config"
)

// Scenario defines a unit of work scenario.
// Scenarios run a sequence of steps against fresh stores and assert on the
// resulting command trace and final stored state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Models is the directory holding the CUE model declarations.
	// Relative paths resolve against the scenario file location.
	Models string `yaml:"models"`

	// Stores overrides the backend of individual stores. Stores the model
	// uses but this map omits get a memory store. A sqlite store without a
	// path gets a database in a temporary directory.
	Stores map[string]config.Store `yaml:"stores,omitempty"`

	// Faults makes store commands fail, by store then operation:
	//
	//	faults:
	//	  audit: {commit: "disk full"}
	Faults map[string]map[string]string `yaml:"faults,omitempty"`

	// Steps run in order. A transaction begins at the first step that needs
	// one and ends at commit or rollback.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation on the current transaction. Exactly one of the
// operation fields is set.
type Step struct {
	// Create a new object of the named type.
	Create string `yaml:"create,omitempty"`

	// Load the object of the named type with Key.
	Load string `yaml:"load,omitempty"`

	// Query the named type with the Where filter.
	Query string `yaml:"query,omitempty"`

	// Set the Values on the aliased object.
	Set string `yaml:"set,omitempty"`

	// Ref points the aliased object's references at the aliases in Refs.
	Ref string `yaml:"ref,omitempty"`

	// Delete the aliased object.
	Delete string `yaml:"delete,omitempty"`

	Flush    bool `yaml:"flush,omitempty"`
	Commit   bool `yaml:"commit,omitempty"`
	Rollback bool `yaml:"rollback,omitempty"`

	// As names the created, loaded or first queried object.
	As string `yaml:"as,omitempty"`

	// Key is a scalar key, or a list of components for composite keys.
	Key any `yaml:"key,omitempty"`

	Values map[string]any `yaml:"values,omitempty"`

	// Refs maps reference names to aliases. An empty alias clears the
	// reference.
	Refs map[string]string `yaml:"refs,omitempty"`

	Where map[string]any `yaml:"where,omitempty"`

	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect specifies the expected outcome of a step.
type StepExpect struct {
	// Error is the expected error code, e.g. TRANSACTION_ABORTED.
	Error string `yaml:"error,omitempty"`

	// Count is the expected number of queried objects.
	Count *int `yaml:"count,omitempty"`

	// Missing expects a load to find nothing.
	Missing bool `yaml:"missing,omitempty"`
}

// Op returns the name of the step's operation, or "" when the step names
// none or several.
func (s Step) Op() string {
	var ops []string
	add := func(set bool, name string) {
		if set {
			ops = append(ops, name)
		}
	}
	add(s.Create != "", "create")
	add(s.Load != "", "load")
	add(s.Query != "", "query")
	add(s.Set != "", "set")
	add(s.Ref != "", "ref")
	add(s.Delete != "", "delete")
	add(s.Flush, "flush")
	add(s.Commit, "commit")
	add(s.Rollback, "rollback")
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check a line appears in the trace
	// - "trace_order": Check lines appear in order
	// - "trace_count": Check lines starting with Prefix appear exactly Count times
	// - "final_state": Query a type and verify expected values
	Type string `yaml:"type"`

	// Line is the expected trace line (used by trace_contains).
	Line string `yaml:"line,omitempty"`

	// Lines is the expected line order (used by trace_order).
	Lines []string `yaml:"lines,omitempty"`

	// Prefix selects lines by prefix, e.g. "insert" or "insert Order"
	// (used by trace_count).
	Prefix string `yaml:"prefix,omitempty"`

	// Object is the type to query (used by final_state).
	Object string `yaml:"object,omitempty"`

	// Where specifies query filters (used by final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (used by final_state).
	// Subset match - only specified fields are validated. References
	// compare by target key.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (used by trace_count) or
	// of matching objects (used by final_state when Expect is empty).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file, resolving the models
// path relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML. basePath anchors a relative models
// path; empty leaves it as is.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve the models path BEFORE validation
	if scenario.Models != "" && !filepath.IsAbs(scenario.Models) && basePath != "" {
		scenario.Models = filepath.Join(basePath, scenario.Models)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Models == "" {
		return fmt.Errorf("models is required")
	}
	if _, err := os.Stat(s.Models); os.IsNotExist(err) {
		return fmt.Errorf("models directory not found: %s", s.Models)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for store, ops := range s.Faults {
		for op := range ops {
			if !faultOps[op] {
				return fmt.Errorf("faults.%s: unknown operation %q", store, op)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

var faultOps = map[string]bool{
	"begin": true, "insert": true, "update": true, "delete": true,
	"prepare": true, "commit": true, "rollback": true, "close": true,
}

func validateStep(i int, s Step) error {
	op := s.Op()
	switch op {
	case "":
		return fmt.Errorf("steps[%d]: exactly one operation is required", i)
	case "load":
		if s.Key == nil {
			return fmt.Errorf("steps[%d]: key is required for load", i)
		}
	case "set":
		if len(s.Values) == 0 {
			return fmt.Errorf("steps[%d]: values are required for set", i)
		}
	case "ref":
		if len(s.Refs) == 0 {
			return fmt.Errorf("steps[%d]: refs are required for ref", i)
		}
	}
	if s.As != "" && op != "create" && op != "load" && op != "query" {
		return fmt.Errorf("steps[%d]: as is not supported by %s", i, op)
	}
	if s.Expect != nil && s.Expect.Count != nil && op != "query" {
		return fmt.Errorf("steps[%d]: expect.count is only supported by query", i)
	}
	if s.Expect != nil && s.Expect.Missing && op != "load" {
		return fmt.Errorf("steps[%d]: expect.missing is only supported by load", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Lines) == 0 {
			return fmt.Errorf("assertions[%d]: lines list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Prefix == "" {
			return fmt.Errorf("assertions[%d]: prefix is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Object == "" {
			return fmt.Errorf("assertions[%d]: object is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q (valid: trace_contains, trace_order, trace_count, final_state)", index, a.Type)
	}
	return nil
}
