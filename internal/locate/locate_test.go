package locate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paladini/echo-transcribe/internal/locate"
	"github.com/paladini/echo-transcribe/internal/log/logtest"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	if filepath.Separator != '/' {
		t.Skip("expected paths are written for unix")
	}

	type given struct {
		exeDir string
		cwd    string
		extra  []string
	}
	cases := []struct {
		scenario string
		given    given
		then     []string
	}{
		{
			"packaged",
			given{exeDir: "/opt/app/bin", cwd: "/home/u"},
			[]string{
				"/opt/app/bin/backend",
				"/opt/app/backend",
				"/opt/backend",
				"/opt/app/bin/src-tauri/backend",
				"src-tauri/backend",
				"/home/u/src-tauri/backend",
			},
		},
		{
			"extra_first",
			given{exeDir: "/opt/app/bin", cwd: "/home/u", extra: []string{"/srv/backend"}},
			[]string{
				"/srv/backend",
				"/opt/app/bin/backend",
				"/opt/app/backend",
				"/opt/backend",
				"/opt/app/bin/src-tauri/backend",
				"src-tauri/backend",
				"/home/u/src-tauri/backend",
			},
		},
		{
			"exe_equals_cwd",
			given{exeDir: "/work", cwd: "/work"},
			[]string{
				"/work/backend",
				"/backend",
				"/work/src-tauri/backend",
				"src-tauri/backend",
			},
		},
		{
			"no_exe",
			given{exeDir: "", cwd: "/work"},
			[]string{
				"/work/backend",
				"/backend",
				"/work/src-tauri/backend",
				"src-tauri/backend",
			},
		},
		{
			"nothing_known",
			given{},
			[]string{
				"backend",
				"../backend",
				"../../backend",
				"src-tauri/backend",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			r := locate.NewResolver(locate.DefaultLayout(), tc.given.extra...)
			got := r.Resolve(tc.given.exeDir, tc.given.cwd)
			if diff := cmp.Diff(tc.then, got); diff != "" {
				t.Fatalf("Resolve() mismatch (-want +got):\n%s", diff)
			}
			// deterministic
			require.Equal(t, got, r.Resolve(tc.given.exeDir, tc.given.cwd))
		})
	}
}

func TestOrigin(t *testing.T) {
	t.Parallel()
	exeDir, cwd := locate.Origin()
	require.NotEmpty(t, exeDir)
	require.NotEmpty(t, cwd)
	require.NotEmpty(t, locate.NewResolver(locate.Layout{}).Resolve(exeDir, cwd))
}

func TestLocate(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	candidates := make([]string, 4)
	for i := range candidates {
		candidates[i] = filepath.Join(root, string(rune('a'+i)))
		require.NoError(t, os.Mkdir(candidates[i], 0o755))
	}
	// a directory named like a marker does not count
	require.NoError(t, os.Mkdir(filepath.Join(candidates[1], "main.py"), 0o755))
	writeFile(t, filepath.Join(candidates[2], "start_backend.py"))
	writeFile(t, filepath.Join(candidates[3], "main.py"))

	rec := logtest.New()
	locator := locate.NewLocator(nil, locate.WithLogger(rec.Logger()))
	dir, ok := locator.Locate(t.Context(), candidates)
	require.True(t, ok)
	require.Equal(t, candidates[2], dir)

	found := rec.Find("backend found")
	require.Len(t, found, 1)
	require.Equal(t, candidates[2], found[0].Attrs["dir"].String())
	require.Empty(t, rec.Find("backend directory not found"))
}

func TestLocateScenario(t *testing.T) {
	t.Parallel()
	if filepath.Separator != '/' {
		t.Skip("expected paths are written for unix")
	}
	fakeFS := map[string]bool{
		"/opt/app/backend/main.py": true,
	}
	stat := func(name string) (os.FileInfo, error) {
		if fakeFS[name] {
			return regularFile{}, nil
		}
		return nil, os.ErrNotExist
	}

	candidates := locate.NewResolver(locate.DefaultLayout()).Resolve("/opt/app/bin", "/home/u")
	require.Equal(t, "/opt/app/bin/backend", candidates[0])
	require.Equal(t, "/opt/app/backend", candidates[1])

	locator := locate.NewLocator(nil, locate.WithStat(stat), locate.WithLogger(logtest.New().Logger()))
	dir, ok := locator.Locate(t.Context(), candidates)
	require.True(t, ok)
	require.Equal(t, "/opt/app/backend", dir)
}

func TestLocateNotFound(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	candidates := []string{
		filepath.Join(root, "one"),
		filepath.Join(root, "does", "not", "exist"),
		filepath.Join(root, "two"),
	}
	require.NoError(t, os.Mkdir(candidates[0], 0o755))
	require.NoError(t, os.Mkdir(candidates[2], 0o755))
	writeFile(t, filepath.Join(candidates[2], "requirements.txt"))

	rec := logtest.New()
	locator := locate.NewLocator([]string{"main.py", "start_backend.py"}, locate.WithLogger(rec.Logger()))
	dir, ok := locator.Locate(t.Context(), candidates)
	require.False(t, ok)
	require.Empty(t, dir)

	notFound := rec.Find("backend directory not found")
	require.Len(t, notFound, 1)
	searched, ok := notFound[0].Attrs["searched"].Any().([]string)
	require.True(t, ok)
	require.Equal(t, candidates, searched)
	require.Empty(t, rec.Find("backend found"))
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("print('hi')\n"), 0o644))
}

type regularFile struct {
	os.FileInfo
}

func (regularFile) Mode() os.FileMode {
	return 0o644
}
