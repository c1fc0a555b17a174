package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vizq/internal/engine"
	"github.com/roach88/vizq/internal/store"
)

func TestRun_AllScenariosPass(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Minimal(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	result, err := RunIn(context.Background(), scenario, t.TempDir())
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Commands, 1)
	assert.Equal(t, store.StatusExecuted, result.Commands[0].Status)
	assert.True(t, result.Published)
	assert.Equal(t, DefaultOwner, result.Snapshot.Owner)
	assert.Equal(t, engine.StatusOnline, result.Heartbeat.Status)
	assert.Equal(t, 2, result.Applied)

	require.Len(t, result.Reports, 1)
	assert.Equal(t, int64(1), result.Reports[0].Loop)
	assert.Equal(t, 1, result.Reports[0].Executed)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, "enqueue zoom_in -> cmd-0001", result.Trace[0].Kind+" "+result.Trace[0].Detail)
	assert.Equal(t, StepIterate, result.Trace[1].Kind)
}

func TestRun_StepExpectationMismatch(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: mismatch
description: "Expects two executions but only one command exists"
steps:
  - enqueue: zoom_out
  - iterate: 1
    expect: { executed: 2 }
assertions:
  - type: heartbeat
    status: online
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected executed=2, got 1")
}

func TestRun_OwnerIsolation(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: owner
description: "A custom owner sees its own snapshot"
owner: viewer-9
steps:
  - request: state
  - iterate: 1
    expect: { request: true }
assertions:
  - type: template
    template: default
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "viewer-9", result.Snapshot.Owner)
	assert.Empty(t, result.Commands)
}

func TestRun_UnknownStartingTemplate(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: missing_template
description: "Starting from a template that does not exist fails setup"
template: nowhere
steps:
  - iterate: 1
assertions:
  - type: heartbeat
    status: online
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start engine")
}
