package logx

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFileSinkWritesStructuredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "d.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.With(String("comp", "executor")).Info("execution finished", Int("attempts", 2), Err(errors.New("boom")))
	log.Debug("hidden")

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, "execution finished", lines[0]["message"])
	require.Equal(t, "executor", lines[0]["comp"])
	require.EqualValues(t, 2, lines[0]["attempts"])
	require.Equal(t, "boom", lines[0]["err"])
	require.Contains(t, lines[0]["caller"], "logging_test.go:")
}

func TestApplySwapsLevelInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.log")
	svc, log := New(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	derived := log.With(String("comp", "scheduler"))

	derived.Info("dropped")
	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}))
	derived.Debug("kept")

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Equal(t, "kept", lines[0]["message"])
}

func TestApplyReportsUnusableFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	svc, _ := New(Config{Level: "error"})
	defer svc.Close()
	err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "d.log")}})
	require.Error(t, err)
}

func TestZeroAndNopLoggersDiscard(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Error("nothing happens")

	nop := Nop()
	require.False(t, nop.IsZero())
	nop.With(String("k", "v")).Warn("nothing happens")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "warn", parseLevel("WARNING").String())
	require.Equal(t, "debug", parseLevel(" debug ").String())
	require.Equal(t, defaultLogLevel, parseLevel("verbose"))
}
