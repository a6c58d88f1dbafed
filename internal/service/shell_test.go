package service_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paladini/echo-transcribe/internal/journal"
	"github.com/paladini/echo-transcribe/internal/launch"
	"github.com/paladini/echo-transcribe/internal/log"
	"github.com/paladini/echo-transcribe/internal/log/logtest"
	"github.com/paladini/echo-transcribe/internal/model"
	"github.com/paladini/echo-transcribe/internal/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	cfg     model.Config
	rec     *logtest.Recorder
	backend string
	journal string
	nowhere string
}

// newFixture returns a config pointing at an empty backend directory,
// interpreted by sh, with the monitor disabled.
func newFixture(t *testing.T, healthURL string) fixture {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	disabled := false
	f := fixture{
		rec:     logtest.New(),
		backend: t.TempDir(),
		journal: filepath.Join(t.TempDir(), "journal.db"),
		nowhere: t.TempDir(),
	}
	f.cfg = model.Config{
		Backend: &model.Backend{
			SearchPaths:  []string{filepath.Join(f.nowhere, "missing"), f.backend},
			Interpreters: []string{"echoshell-no-such-python", sh},
			Env:          map[string]string{"ECHOSHELL_TEST": "yes"},
		},
		Readiness: &model.Readiness{
			URL:      healthURL,
			Timeout:  "500ms",
			Interval: "10ms",
			Deadline: "5s",
			Monitor:  &model.Monitor{Enabled: &disabled},
		},
		Journal: &model.Journal{Path: f.journal},
	}
	return f
}

func (f fixture) shell(t *testing.T, ctx context.Context) *service.Shell {
	t.Helper()
	shell, err := service.NewShell(ctx, f.cfg,
		service.WithLogger(logger(f.rec)),
		service.WithOrigin(func() (string, string) { return f.nowhere, f.nowhere }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shell.Close()) })
	return shell
}

func logger(rec *logtest.Recorder) *slog.Logger {
	return slog.New(log.NewContextHandler(rec))
}

func writeBackend(t *testing.T, dir, name, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o644))
}

func TestLaunchStarted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	writeBackend(t, f.backend, "main.py", "echo $ECHOSHELL_TEST\nexit 7\n")
	shell := f.shell(t, t.Context())

	outcome := shell.Launch(t.Context())
	require.Equal(t, launch.Started, outcome.Kind)
	require.Equal(t, f.backend, outcome.Dir)
	require.Equal(t, "main.py", outcome.EntryPoint)
	require.Len(t, outcome.Attempts, 2)
	shell.Wait()

	exited := f.rec.Find("backend exited")
	require.Len(t, exited, 1)
	require.Equal(t, int64(7), exited[0].Attrs["exit_code"].Int64())
	runID := exited[0].Attrs["run_id"].String()
	require.NotEmpty(t, runID)

	var output []string
	for _, r := range f.rec.Find("backend output") {
		output = append(output, r.Attrs["line"].String())
	}
	require.Equal(t, []string{"yes"}, output)

	runs, err := shell.History(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	require.Equal(t, runID, run.RunID)
	require.Equal(t, journal.StateExited, run.State)
	require.Equal(t, "started", *run.Kind)
	require.Equal(t, f.backend, *run.Dir)
	require.Equal(t, outcome.Process.Command.Args[0], filepath.Join(f.backend, "main.py"))
	require.Equal(t, "exited", *run.ExitState)
	require.Contains(t, *run.ExitStatus, "7")
}

func TestLaunchNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	shell := f.shell(t, t.Context())

	outcome := shell.Launch(t.Context())
	require.Equal(t, launch.NotFound, outcome.Kind)
	require.ErrorIs(t, outcome.Err(), launch.ErrNotFound)
	require.Contains(t, outcome.Searched, f.backend)
	require.Len(t, f.rec.Find("backend directory not found"), 1)

	runs, err := shell.History(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, journal.StateFailed, runs[0].State)
	require.Equal(t, "not_found", *runs[0].Kind)
	require.Contains(t, *runs[0].Reason, "backend not found, searched:")
}

func TestLaunchFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.cfg.Backend.Interpreters = []string{"echoshell-no-such-python", "echoshell-no-such-py"}
	writeBackend(t, f.backend, "start_backend.py", "")
	shell := f.shell(t, t.Context())

	outcome := shell.Launch(t.Context())
	require.Equal(t, launch.LaunchFailed, outcome.Kind)
	require.Len(t, outcome.Attempts, 2)

	runs, err := shell.History(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, journal.StateFailed, runs[0].State)
	require.Equal(t, "launch_failed", *runs[0].Kind)
}

func TestRun(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv.URL+"/health")
	writeBackend(t, f.backend, "start_backend.py", "echo serving\n")
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	shell := f.shell(t, ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, shell.Run(ctx))
	}()

	require.Eventually(t, func() bool {
		return len(f.rec.Find("backend ready")) == 1 && len(f.rec.Find("backend exited")) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.True(t, shell.CheckHealth(t.Context()))
	// the test server holds the health port
	require.Len(t, f.rec.Find("backend port already in use"), 1)

	cancel()
	wg.Wait()
	shell.Wait()
	require.Empty(t, f.rec.Find("backend is not running: the application continues without it"))
}

func TestRunBackendMissing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	srv := httptest.NewServer(http.NotFoundHandler())
	f.cfg.Readiness.URL = srv.URL + "/health"
	f.cfg.Readiness.Deadline = "100ms"
	srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	t.Cleanup(cancel)
	shell := f.shell(t, ctx)

	require.NoError(t, shell.Run(ctx))
	require.Len(t, f.rec.Find("backend is not running: the application continues without it"), 1)
	require.Len(t, f.rec.Find("backend did not become ready"), 1)
	require.False(t, shell.CheckHealth(t.Context()))
}

func TestNewShell(t *testing.T) {
	t.Parallel()
	disabled := false
	cases := []struct {
		scenario string
		given    model.Config
		err      bool
	}{
		{"defaults", model.Config{Journal: &model.Journal{Enabled: &disabled}}, false},
		{"version", model.Config{Version: 1}, true},
		{"timing", model.Config{Readiness: &model.Readiness{Timeout: "soon"}}, true},
		{"monitor", model.Config{Readiness: &model.Readiness{Monitor: &model.Monitor{Cron: "* * 32 * *"}}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			shell, err := service.NewShell(t.Context(), tc.given, service.WithLogger(logger(logtest.New())))
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, err = shell.History(t.Context(), 1)
			require.ErrorIs(t, err, service.ErrJournalDisabled)
			require.NoError(t, shell.Close())
			require.NoError(t, shell.Close())
		})
	}
}

func TestJournalUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	// a directory can't be opened as a database
	f.cfg.Journal.Path = t.TempDir()
	writeBackend(t, f.backend, "main.py", "exit 0\n")
	shell := f.shell(t, t.Context())

	outcome := shell.Launch(t.Context())
	require.Equal(t, launch.Started, outcome.Kind)
	shell.Wait()
	require.Len(t, f.rec.Find("journal can't be opened: continuing without it"), 1)
}
