package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paladini/echo-transcribe/internal/journal"
	"github.com/paladini/echo-transcribe/internal/model"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args, as main does. It can't run in
// parallel, the command tree is global.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	flagConfigFilePath = ""
	flagVerbose = false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, yml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), configName)
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	return path
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	cases := []struct {
		scenario string
		url      string
		want     string
	}{
		{"available", srv.URL + "/health", "available\n"},
		{"unavailable", downURL + "/health", "unavailable\n"},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			path := writeConfig(t, "version: 0\nreadiness:\n  url: "+tc.url+"\n  timeout: 1s\nservice:\n  log: discard\n")
			t.Setenv(configEnv, path)

			out, err := execute(t, "health")
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
			require.Equal(t, path, configPath)
		})
	}
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := journal.Open(t.Context(), dbPath)
	require.NoError(t, err)
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, journal.Begin(t.Context(), db, id))
	}
	require.NoError(t, journal.FinishLaunch(t.Context(), db, "third", journal.Launch{
		Kind:   "not_found",
		Reason: "backend not found, searched: /x",
	}))
	require.NoError(t, db.Close())

	path := writeConfig(t, "journal:\n  path: "+dbPath+"\nservice:\n  log: discard\n")

	out, err := execute(t, "--config", path, "history", "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `run_id: "third", state: failed`)
	require.Contains(t, lines[0], `kind: "not_found"`)
	require.Contains(t, lines[1], `run_id: "second", state: starting`)

	disabled := writeConfig(t, "journal:\n  enabled: false\nservice:\n  log: discard\n")
	_, err = execute(t, "--config", disabled, "history")
	require.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := writeConfig(t, "service:\n  format: xml\n")
	_, err := execute(t, "--config", path, "downloads", "path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing config")
}

func TestStoreConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", configName)
	require.NoError(t, storeConfig(path, model.DefaultConfig()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	require.NoError(t, err)
	require.Equal(t, model.DefaultHealthURL, cfg.HealthURL())
	require.True(t, cfg.MonitorEnabled())
}

func TestLogWriter(t *testing.T) {
	t.Parallel()
	for target, want := range map[string]io.Writer{
		"":               os.Stderr,
		model.LogStderr:  os.Stderr,
		model.LogStdout:  os.Stdout,
		model.LogDiscard: io.Discard,
	} {
		w, err := logWriter(target)
		require.NoError(t, err)
		require.Equal(t, want, w)
	}

	_, err := logWriter(filepath.Join(t.TempDir(), "missing", "shell.log"))
	require.Error(t, err)
}
