package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cliEnv isolates a test from real config files and points every command
// at a fresh database.
type cliEnv struct {
	dir string
	db  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return &cliEnv{dir: dir, db: filepath.Join(dir, "vizq.db")}
}

// run executes the CLI with --db set and returns stdout, stderr and the
// command error.
func (e *cliEnv) run(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := NewRootCommand()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--db", e.db}, args...))
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// runJSON executes with --format json and decodes the response envelope.
func (e *cliEnv) runJSON(t *testing.T, args ...string) (CLIResponse, json.RawMessage, error) {
	t.Helper()
	out, _, err := e.run(t, nil, append([]string{"--format", "json"}, args...)...)
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	if out != "" {
		require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}, raw.Data, err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "vizq", cmd.Use)
	assert.Contains(t, cmd.Long, "visualization host")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"}, {"enqueue"}, {"undo"}, {"redo"}, {"resubmit"},
		{"status"}, {"recent"}, {"stats"}, {"state"}, {"request"},
		{"heartbeat"}, {"sweep"}, {"cleanup"}, {"config", "init"}, {"test"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "C", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"db", "driver", "owner"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	env := newCLIEnv(t)
	_, _, err := env.run(t, nil, "--format", "yaml", "stats")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	newCLIEnv(t)
	opts := &RootOptions{Database: "other.db", Driver: "sqlite", Owner: "viewer-7"}

	cfg, err := opts.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "other.db", cfg.Store.DSN)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "viewer-7", cfg.Queue.Owner)
}

func TestLoadConfig_BadDriver(t *testing.T) {
	newCLIEnv(t)
	opts := &RootOptions{Driver: "oracle"}

	_, err := opts.LoadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigInit(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, nil, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote vizq.toml")
	assert.FileExists(t, filepath.Join(env.dir, "vizq.toml"))

	out, _, err = env.run(t, nil, "config", "init")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "already exists")
}
