package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "One zoom"
steps:
  - enqueue: zoom_in
  - iterate: 1
assertions:
  - type: command
    command: cmd-0001
    status: executed
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "minimal.yaml", minimalScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, StepEnqueue, scenario.Steps[0].Kind())
	assert.Equal(t, StepIterate, scenario.Steps[1].Kind())
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertCommand, scenario.Assertions[0].Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "flow_token: abc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: x\nsteps: [{iterate: 1}]\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "name is required",
		},
		{
			name:    "no steps",
			yaml:    "name: x\ndescription: x\nsteps: []\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: x\ndescription: x\nsteps: [{iterate: 1}]\n",
			wantErr: "assertions list is required",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\ndescription: x\nsteps: [{iterate: 1, claim: 1}]\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "exactly one action",
		},
		{
			name:    "params outside enqueue",
			yaml:    "name: x\ndescription: x\nsteps: [{iterate: 1, params: {a: 1}}]\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "params only apply to enqueue",
		},
		{
			name:    "bad request type",
			yaml:    "name: x\ndescription: x\nsteps: [{request: everything}]\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "unknown request type",
		},
		{
			name:    "bad advance",
			yaml:    "name: x\ndescription: x\nsteps: [{advance: soon}]\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "not a positive duration",
		},
		{
			name:    "bad sweep timeout",
			yaml:    "name: x\ndescription: x\nengine: {sweep_timeout: -1h}\nsteps: [{iterate: 1}]\nassertions: [{type: heartbeat, status: online}]\n",
			wantErr: "engine.sweep_timeout",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\ndescription: x\nsteps: [{iterate: 1}]\nassertions: [{type: trace_order}]\n",
			wantErr: "unknown assertion type",
		},
		{
			name:    "command without expectation",
			yaml:    "name: x\ndescription: x\nsteps: [{iterate: 1}]\nassertions: [{type: command, command: cmd-0001}]\n",
			wantErr: "needs status",
		},
		{
			name:    "unknown count",
			yaml:    "name: x\ndescription: x\nsteps: [{iterate: 1}]\nassertions: [{type: stats, counts: {lost: 1}}]\n",
			wantErr: "unknown count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", minimalScenario)
	writeScenario(t, dir, "a.yml", minimalScenario)
	writeScenario(t, dir, "nested/c.yaml", minimalScenario)
	writeScenario(t, dir, "notes.txt", "ignored")
	writeScenario(t, dir, "golden/a.yaml", "ignored")

	files, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, files)

	files, err = FindScenarios(dir, "[ab]")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)
}
