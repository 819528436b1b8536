package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nestedScenario = `name: box_nested
description: "A box renders with a nested leaf"
flow_token: cli-flow
components:
  - name: leaf
    config: { title: leaf }
  - name: box
    config: { title: box }
steps:
  - render: box
    config:
      child: ["ccm.instance", "leaf"]
    expect: { title: box }
assertions:
  - type: trace_order
    events: ["init box-1", "init leaf-1", "ready leaf-1", "ready box-1"]
`

const brokenScenario = `name: broken
description: "Expects a render that never happens"
components:
  - name: leaf
steps:
  - instance: leaf
assertions:
  - type: trace_contains
    kind: render
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, files)
	return dir
}

func TestTestCommand_Golden(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"nested.yaml": nestedScenario})
	scenario := filepath.Join(dir, "nested.yaml")
	golden := filepath.Join(dir, "golden", "nested.golden")

	out, err := execute(NewTestCommand(testRoot(t, dir)), scenario)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ box_nested\n")
	assert.NoFileExists(t, golden, "golden files are only written with --update")

	out, err = execute(NewTestCommand(testRoot(t, dir)), scenario, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ box_nested (golden updated)")
	require.FileExists(t, golden)

	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	var snap struct {
		ScenarioName string           `json:"scenario_name"`
		FlowToken    string           `json:"flow_token"`
		Trace        []map[string]any `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "box_nested", snap.ScenarioName)
	assert.Equal(t, "cli-flow", snap.FlowToken)
	require.Len(t, snap.Trace, 7)
	assert.Equal(t, "render", snap.Trace[6]["kind"])

	out, err = execute(NewTestCommand(testRoot(t, dir)), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")

	require.NoError(t, os.WriteFile(golden, []byte(`{"scenario_name":"box_nested","trace":[]}`), 0o644))
	out, err = execute(NewTestCommand(testRoot(t, dir)), scenario)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_Failures(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"a_nested.yaml": nestedScenario,
		"b_broken.yaml": brokenScenario,
		"c_bad.yml":     "name: bad\n",
		"notes.txt":     "ignored",
	})

	out, err := execute(NewTestCommand(testRoot(t, dir)), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ box_nested")
	assert.Contains(t, out, "✗ broken")
	assert.Contains(t, out, "✗ c_bad.yml")
	assert.Contains(t, out, "failed to load scenario")
	assert.Contains(t, out, "1 passed, 2 failed, 3 total")
}

func TestTestCommand_JSON(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"a_nested.yaml": nestedScenario,
		"b_broken.yaml": brokenScenario,
	})
	opts := testRoot(t, dir)
	opts.Format = "json"

	out, err := execute(NewTestCommand(opts), dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 2)
	assert.True(t, resp.Data.Scenarios[0].Pass)
	assert.False(t, resp.Data.Scenarios[1].Pass)
	assert.NotEmpty(t, resp.Data.Scenarios[1].Errors)
}

func TestTestCommand_Filter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"a_nested.yaml": nestedScenario,
		"b_broken.yaml": brokenScenario,
	})

	out, err := execute(NewTestCommand(testRoot(t, dir)), dir, "--filter", "a_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	out, err = execute(NewTestCommand(testRoot(t, dir)), dir, "--filter", "zzz*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MissingPath(t *testing.T) {
	_, err := execute(NewTestCommand(testRoot(t, t.TempDir())), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenario path not found")
}
