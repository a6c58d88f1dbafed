package folders_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/paladini/echo-transcribe/internal/folders"
	"github.com/paladini/echo-transcribe/internal/log/logtest"
	"github.com/stretchr/testify/require"
)

func TestFileManager(t *testing.T) {
	t.Parallel()
	require.Equal(t, "explorer", folders.FileManager("windows"))
	require.Equal(t, "open", folders.FileManager("darwin"))
	require.Equal(t, "xdg-open", folders.FileManager("linux"))
	require.Equal(t, "xdg-open", folders.FileManager("freebsd"))
}

func TestDownloadsPath(t *testing.T) {
	t.Parallel()
	path, err := folders.DownloadsPath()
	require.NoError(t, err)
	require.NotEmpty(t, path)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	trueBin, err := exec.LookPath("true")
	if err != nil {
		t.Skipf("skipped, binary true not available: %v", err)
	}
	falseBin, err := exec.LookPath("false")
	if err != nil {
		t.Skipf("skipped, binary false not available: %v", err)
	}

	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cases := []struct {
		scenario string
		command  string
		path     string
		want     string
		err      string
	}{
		{"opened", trueBin, dir, "opened " + dir, ""},
		{"missing", trueBin, filepath.Join(dir, "nope"), "", "directory does not exist"},
		{"file", trueBin, file, "", "not a directory"},
		{"command_failed", falseBin, dir, "", "failed to open folder"},
		{"no_command", "echoshell-no-such-file-manager", dir, "", "failed to open folder"},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			opener := folders.NewOpener(
				folders.WithCommand(tc.command),
				folders.WithLogger(logtest.New().Logger()),
			)
			got, err := opener.Open(t.Context(), tc.path)
			if tc.err != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
