package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/majorcontext/watchit/internal/config"
	"github.com/majorcontext/watchit/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points config lookups at an empty home directory.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{
		config.EnvSocketStem, config.EnvPreload,
		config.EnvDebugDir, config.EnvRetentionDays,
	} {
		t.Setenv(k, "")
	}
	return home
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExecute_UsageErrors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "no command given"},
		{"unknown flag", []string{"--bogus", "true"}, "unknown flag"},
		{"missing flag value", []string{"-m"}, "flag needs an argument"},
		{"bad pattern", []string{"-m", "[", "--preload", "/dev/null", "true"}, "invalid match pattern"},
		{"runs with command", []string{"--runs", "true"}, "take no command"},
		{"runs without database", []string{"--runs"}, "no history database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tt.args...)
			assert.Equal(t, ExitUsage, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestExecute_MissingPreloadFails(t *testing.T) {
	isolate(t)
	missing := filepath.Join(t.TempDir(), "libwatchit.so")

	code, stdout, stderr := run(t, "--preload", missing, "true")
	assert.Equal(t, ExitFailure, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, missing)
}

func TestExecute_Version(t *testing.T) {
	isolate(t)

	code, stdout, _ := run(t, "--version")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "watchit dev")
}

func TestExecute_FlagsAfterCommandBelongToIt(t *testing.T) {
	isolate(t)
	missing := filepath.Join(t.TempDir(), "libwatchit.so")

	// "-m [" would be a usage error if watchit parsed it.
	code, _, stderr := run(t, "--preload", missing, "ls", "-m", "[")
	assert.Equal(t, ExitFailure, code)
	assert.NotContains(t, stderr, "invalid match pattern")
}

func seedHistory(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "runs.db")
	s, err := store.Open(db)
	require.NoError(t, err)
	defer s.Close()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRun(store.Run{
		ID:         "run_aaaaaaaaaaaa",
		Command:    []string{"cat", "/etc/hostname"},
		StartedAt:  start,
		FinishedAt: start.Add(20 * time.Millisecond),
		ExitCode:   1,
	}, []string{"/etc/hostname", "/etc/ld.so.cache"}))
	return db
}

func TestExecute_Runs(t *testing.T) {
	isolate(t)
	db := seedHistory(t)

	code, stdout, stderr := run(t, "--record", db, "--runs")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stdout, "RUN ID")
	assert.Contains(t, stdout, "run_aaaaaaaaaaaa")
	assert.Contains(t, stdout, "cat /etc/hostname")

	code, stdout, stderr = run(t, "--record", db, "--runs", "--json")
	require.Equal(t, ExitOK, code, stderr)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].PathCount)
	assert.Equal(t, 1, runs[0].ExitCode)
}

func TestExecute_RunsEmpty(t *testing.T) {
	isolate(t)
	db := filepath.Join(t.TempDir(), "runs.db")

	code, stdout, _ := run(t, "--record", db, "--runs")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "No runs recorded")

	code, stdout, _ = run(t, "--record", db, "--runs", "--json")
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "[]\n", stdout)
}

func TestExecute_Show(t *testing.T) {
	isolate(t)
	db := seedHistory(t)

	code, stdout, stderr := run(t, "--record", db, "--show", "run_aaaaaaaaaaaa")
	require.Equal(t, ExitOK, code, stderr)
	assert.Equal(t, "/etc/hostname\n/etc/ld.so.cache\n", stdout)

	code, _, stderr = run(t, "--record", db, "--show", "run_missing")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, store.ErrNotFound.Error())
}

func TestExecute_RecordFromConfig(t *testing.T) {
	home := isolate(t)
	db := seedHistory(t)
	cfgDir := filepath.Join(home, ".watchit")
	require.NoError(t, mkdirWrite(filepath.Join(cfgDir, "config.yaml"), "record: "+db+"\n"))

	code, stdout, stderr := run(t, "--runs")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, stdout, "run_aaaaaaaaaaaa")
}
