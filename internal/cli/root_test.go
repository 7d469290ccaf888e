package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config file whose data directory and vault live in
// a temp directory, and returns its path and the data directory.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := map[string]interface{}{
		"data_dir": dir,
		"vault":    map[string]interface{}{"root": filepath.Join(dir, "vault")},
		"inbox":    map[string]interface{}{"enabled": false},
		"approval": map[string]interface{}{"poll_interval_seconds": 1},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "fte.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, dir
}

// executeCommand runs the root command with args and returns its stdout.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetFlags(cmd)
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags puts every flag of cmd and its subcommands back to its default.
// The command tree is shared, so --help or an option given to one Execute
// would otherwise stick to the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			var vals []string
			if def := strings.Trim(f.DefValue, "[]"); def != "" {
				vals = strings.Split(def, ",")
			}
			_ = sv.Replace(vals)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := executeCommand(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "fte version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := executeCommand(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "FTE")
		assert.Contains(t, out, "vault")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		// Check config flag exists
		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		// Check log-level flag exists
		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"start", "stop", "status", "configure", "route", "submit", "plan", "approvals"} {
			assert.True(t, names[want], "%s command should exist", want)
		}
	})
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fte.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"planner": {"confidence_threshold": 3}}`), 0644))

	_, err := executeCommand(t, "", "--config", path, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestExecuteCommandDoesNotLeakFlags(t *testing.T) {
	path, _ := writeTestConfig(t)

	out, err := executeCommand(t, "", "stop", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Stop the FTE daemon service")

	_, err = executeCommand(t, "", "--config", path, "stop")
	require.Error(t, err, "--help from the previous run must not stick")
	assert.Contains(t, err.Error(), "not running")

	_, err = executeCommand(t, "", "--version")
	require.NoError(t, err)
	out, err = executeCommand(t, "", "--config", path, "status")
	require.NoError(t, err)
	assert.NotContains(t, out, "fte version")
	assert.Contains(t, out, "Status: stopped")
}
