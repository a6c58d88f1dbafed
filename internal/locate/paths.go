// Package locate finds the directory the backend is installed in.
//
// Resolver produces the ordered list of candidate directories from the
// location of the running executable and the working directory. It does no
// I/O. Locator then tests each candidate for marker files and picks the first
// one which has any of them.
package locate

import (
	"os"
	"path/filepath"
)

// Layout names the directories the backend is shipped in.
type Layout struct {
	// DirName is the backend directory of a packaged install, looked up next
	// to the executable and in its parents.
	DirName string
	// DevSubdir is the backend directory relative to the project root of a
	// development checkout.
	DevSubdir string
}

func DefaultLayout() Layout {
	return Layout{
		DirName:   "backend",
		DevSubdir: filepath.Join("src-tauri", "backend"),
	}
}

type Resolver struct {
	layout Layout
	extra  []string
}

// NewResolver returns a Resolver for layout. Extra paths are tried before the
// built-in candidates. Empty fields of layout are taken from DefaultLayout.
func NewResolver(layout Layout, extra ...string) Resolver {
	def := DefaultLayout()
	if layout.DirName == "" {
		layout.DirName = def.DirName
	}
	if layout.DevSubdir == "" {
		layout.DevSubdir = def.DevSubdir
	}
	return Resolver{
		layout: layout,
		extra:  append([]string(nil), extra...),
	}
}

// Resolve returns the candidate directories in the order they must be tried:
// production layouts relative to exeDir first, then development layouts. The
// result is never empty and has no duplicates.
func (r Resolver) Resolve(exeDir, cwd string) []string {
	if exeDir == "" {
		exeDir = cwd
	}
	if exeDir == "" {
		exeDir = "."
	}

	dev := filepath.FromSlash(r.layout.DevSubdir)
	candidates := make([]string, 0, len(r.extra)+6)
	candidates = append(candidates, r.extra...)
	candidates = append(candidates,
		filepath.Join(exeDir, r.layout.DirName),
		filepath.Join(exeDir, "..", r.layout.DirName),
		filepath.Join(exeDir, "..", "..", r.layout.DirName),
		filepath.Join(exeDir, dev),
		filepath.Clean(dev),
	)
	if cwd != "" {
		candidates = append(candidates, filepath.Join(cwd, dev))
	}

	return dedup(candidates)
}

// Origin returns the directory of the running executable and the working
// directory. When the executable can't be determined the working directory
// is used instead, and "." when that fails too.
func Origin() (exeDir, cwd string) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	exe, err := os.Executable()
	if err != nil {
		return cwd, cwd
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), cwd
}

func dedup(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := paths[:0]
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
