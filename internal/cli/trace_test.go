package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeTrace(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTrace_Text(t *testing.T) {
	out, err := executeTrace(t, "text", filepath.Join(scenariosDir, "order_before_customer.yaml"))
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario: order_before_customer")
	assert.Contains(t, out, "   1. create   ok")
	assert.Contains(t, out, "   4. commit   ok")
	assert.Contains(t, out, "Trace:\n  insert Customer 1\n  insert Order 1\n  commit main\n")
}

func TestTrace_JSON(t *testing.T) {
	out, err := executeTrace(t, "json", filepath.Join(scenariosDir, "commit_failure.yaml"))
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Pass)
	assert.Equal(t, []string{"insert Customer 1"}, resp.Data.Trace)
	require.Len(t, resp.Data.Steps, 2)
	assert.Equal(t, "error TRANSACTION_ABORTED", resp.Data.Steps[1].Outcome)
}

func TestTrace_MissingScenario(t *testing.T) {
	_, err := executeTrace(t, "text", "/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load scenario")
}
