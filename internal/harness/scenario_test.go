package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/manifest_dataset.yaml")
	require.NoError(t, err)

	assert.Equal(t, "manifest_dataset", s.Name)
	assert.Empty(t, s.FlowToken)
	assert.Contains(t, s.Resources, "ccm.card.json")
	require.Len(t, s.Components, 1)
	assert.Equal(t, "leaf", s.Components[0].Name)
	require.Len(t, s.Stores, 1)
	assert.Equal(t, "notes", s.Stores[0].Settings["store"])
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "ccm.card.json", s.Steps[0].Ref())
	assert.Equal(t, "missing", s.Steps[1].Ref())
	assert.Equal(t, "UNKNOWN_COMPONENT", s.Steps[1].Error)
	require.Len(t, s.Assertions, 3)
	assert.Equal(t, AssertRecord, s.Assertions[2].Type)
}

func TestLoadScenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"lazy_proxy", "manifest_dataset", "nested_lifecycle"}, names)
}

func TestLoadScenarios_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
name: same
description: d
steps: [{ instance: box }]
assertions: [{ type: trace_count, kind: created, count: 1 }]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), body, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), body, 0o644))

	_, err := LoadScenarios(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `scenario "same" already defined`)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
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
			yaml: "name: x\ndescription: d\nstep: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{instance: a}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: x\nsteps: [{instance: a}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: x\ndescription: d\nassertions: [{type: trace_count, kind: init}]\n",
			want: "steps list is required",
		},
		{
			name: "no assertions",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\n",
			want: "assertions list is required",
		},
		{
			name: "step with both refs",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a, render: b}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "steps[0]: exactly one of instance and render",
		},
		{
			name: "step with no ref",
			yaml: "name: x\ndescription: d\nsteps: [{config: {a: 1}}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "steps[0]: exactly one of instance and render",
		},
		{
			name: "failing step with expect",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a, error: QUOTA_EXCEEDED, expect: {a: 1}}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "a failing step cannot expect fields",
		},
		{
			name: "component without name",
			yaml: "name: x\ndescription: d\ncomponents: [{version: 1.0.0}]\nsteps: [{instance: a}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "components[0]: name is required",
		},
		{
			name: "store without settings",
			yaml: "name: x\ndescription: d\nstores: [{records: [{key: a}]}]\nsteps: [{instance: a}]\nassertions: [{type: trace_count, kind: init}]\n",
			want: "stores[0]: settings are required",
		},
		{
			name: "unknown assertion",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\nassertions: [{type: final_state}]\n",
			want: `unknown assertion type "final_state"`,
		},
		{
			name: "trace_contains without kind",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\nassertions: [{type: trace_contains, subject: a-1}]\n",
			want: "kind is required for trace_contains",
		},
		{
			name: "trace_order with one event",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\nassertions: [{type: trace_order, events: [init a-1]}]\n",
			want: "at least two events",
		},
		{
			name: "negative count",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\nassertions: [{type: trace_count, kind: init, count: -1}]\n",
			want: "count must be non-negative",
		},
		{
			name: "record without key",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\nassertions: [{type: record, store: {store: s}}]\n",
			want: "key is required for record",
		},
		{
			name: "record without store",
			yaml: "name: x\ndescription: d\nsteps: [{instance: a}]\nassertions: [{type: record, key: k}]\n",
			want: "store is required for record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
