package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unitofwork/internal/config"
)

const modelsDir = "testdata/models"

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/order_before_customer.yaml")
	require.NoError(t, err)

	assert.Equal(t, "order_before_customer", scenario.Name)
	assert.Equal(t, filepath.Join("testdata", "models"), scenario.Models, "models resolve against the scenario file")
	require.Len(t, scenario.Steps, 4)
	assert.Equal(t, "Order", scenario.Steps[0].Create)
	assert.Equal(t, "order", scenario.Steps[0].As)
	assert.Equal(t, 42, scenario.Steps[0].Values["total"])
	assert.Equal(t, map[string]string{"customer": "ada"}, scenario.Steps[2].Refs)
	assert.True(t, scenario.Steps[3].Commit)
	assert.Len(t, scenario.Assertions, 3)
}

func TestLoadScenario_StoresAndFaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	abs, err := filepath.Abs(modelsDir)
	require.NoError(t, err)
	content := `
name: s
description: d
models: ` + abs + `
stores:
  main: {driver: sqlite, deferred_constraints: true}
faults:
  main: {prepare: nope}
steps:
  - rollback: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, abs, scenario.Models, "absolute paths are kept")
	assert.Equal(t, config.Store{Driver: config.DriverSQLite, DeferredConstraints: true}, scenario.Stores["main"])
	assert.Equal(t, "nope", scenario.Faults["main"]["prepare"])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nstep: []\n",
			want: "field step not found",
		},
		{
			name: "missing name",
			yaml: "description: d\nmodels: testdata/models\nsteps: [{commit: true}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: s\nmodels: testdata/models\nsteps: [{commit: true}]\n",
			want: "description is required",
		},
		{
			name: "missing models",
			yaml: "name: s\ndescription: d\nsteps: [{commit: true}]\n",
			want: "models is required",
		},
		{
			name: "models not found",
			yaml: "name: s\ndescription: d\nmodels: testdata/nope\nsteps: [{commit: true}]\n",
			want: "models directory not found",
		},
		{
			name: "no steps",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\n",
			want: "steps list is required",
		},
		{
			name: "step without operation",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{as: x}]\n",
			want: "steps[0]: exactly one operation is required",
		},
		{
			name: "step with two operations",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{flush: true, commit: true}]\n",
			want: "exactly one operation",
		},
		{
			name: "load without key",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{load: Customer}]\n",
			want: "key is required for load",
		},
		{
			name: "alias on delete",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{delete: x, as: y}]\n",
			want: "as is not supported by delete",
		},
		{
			name: "count on create",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{create: Customer, expect: {count: 1}}]\n",
			want: "expect.count is only supported by query",
		},
		{
			name: "unknown fault",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nfaults: {main: {explode: x}}\nsteps: [{commit: true}]\n",
			want: `unknown operation "explode"`,
		},
		{
			name: "unknown assertion",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{commit: true}]\nassertions: [{type: vibes}]\n",
			want: `unknown type "vibes"`,
		},
		{
			name: "trace_count without prefix",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{commit: true}]\nassertions: [{type: trace_count, count: 1}]\n",
			want: "prefix is required",
		},
		{
			name: "final_state without object",
			yaml: "name: s\ndescription: d\nmodels: testdata/models\nsteps: [{commit: true}]\nassertions: [{type: final_state}]\n",
			want: "object is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStepOp(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{Create: "Customer"}, "create"},
		{Step{Load: "Customer", Key: 1}, "load"},
		{Step{Query: "Customer"}, "query"},
		{Step{Set: "a"}, "set"},
		{Step{Ref: "a"}, "ref"},
		{Step{Delete: "a"}, "delete"},
		{Step{Flush: true}, "flush"},
		{Step{Commit: true}, "commit"},
		{Step{Rollback: true}, "rollback"},
		{Step{}, ""},
		{Step{Create: "Customer", Commit: true}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.step.Op())
	}
}
