// Package launch starts the backend from a located directory.
//
// Selector walks the known entry point scripts in preference order and, for
// each one present, the known interpreter commands in order. The first pair
// the OS manages to spawn wins and ends both loops. A spawn fails only when
// the process can't be created (missing interpreter, permission denied); a
// process which starts and then exits is not a launch failure.
package launch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultEntryPoints lists the wrapper script before the raw module.
var DefaultEntryPoints = []string{"start_backend.py", "main.py"}

// DefaultInterpreters lists a versioned command before the unversioned alias.
func DefaultInterpreters() []string {
	if runtime.GOOS == "windows" {
		return []string{"python", "py"}
	}
	return []string{"python3", "python"}
}

type Selector struct {
	entryPoints  []string
	interpreters []string
	env          []string
	spawner      Spawner
	stat         func(string) (fs.FileInfo, error)
	logger       *slog.Logger
}

type Option func(*Selector)

func WithEntryPoints(names ...string) Option {
	return func(s *Selector) {
		if len(names) > 0 {
			s.entryPoints = append([]string(nil), names...)
		}
	}
}

func WithInterpreters(names ...string) Option {
	return func(s *Selector) {
		if len(names) > 0 {
			s.interpreters = append([]string(nil), names...)
		}
	}
}

// WithEnv sets the complete environment of the backend.
func WithEnv(env []string) Option {
	return func(s *Selector) {
		s.env = env
	}
}

func WithSpawner(spawner Spawner) Option {
	return func(s *Selector) {
		s.spawner = spawner
	}
}

func WithStat(stat func(string) (fs.FileInfo, error)) Option {
	return func(s *Selector) {
		s.stat = stat
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

func NewSelector(opts ...Option) Selector {
	s := Selector{
		entryPoints:  DefaultEntryPoints,
		interpreters: DefaultInterpreters(),
		spawner:      ExecSpawner{},
		stat:         os.Stat,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Launch spawns the backend found in dir. It returns a Started outcome for
// the first pair which spawns, LaunchFailed with every attempted pair
// otherwise. There is no retry.
func (s Selector) Launch(ctx context.Context, dir string) Outcome {
	var attempts []Attempt
	for _, entry := range s.entryPoints {
		script := filepath.Join(dir, entry)
		if info, err := s.stat(script); err != nil || info.IsDir() {
			continue
		}
		if abs, err := filepath.Abs(script); err == nil {
			script = abs
		}

		for _, interpreter := range s.interpreters {
			s.logger.DebugContext(ctx, "trying to start backend",
				"entry_point", entry,
				"interpreter", interpreter,
			)
			proc, err := s.spawner.Spawn(Command{
				Path: interpreter,
				Args: []string{script},
				Dir:  dir,
				Env:  s.env,
			})
			if err != nil {
				s.logger.WarnContext(ctx, "backend spawn failed",
					"entry_point", entry,
					"interpreter", interpreter,
					"error", err,
				)
				attempts = append(attempts, Attempt{EntryPoint: entry, Interpreter: interpreter, Err: err})
				continue
			}

			s.logger.InfoContext(ctx, "backend started",
				"dir", dir,
				"entry_point", entry,
				"interpreter", interpreter,
				"pid", proc.Pid(),
			)
			return Outcome{
				Kind:        Started,
				Process:     proc,
				Dir:         dir,
				EntryPoint:  entry,
				Interpreter: interpreter,
				Attempts:    append(attempts, Attempt{EntryPoint: entry, Interpreter: interpreter}),
			}
		}
	}

	outcome := Outcome{
		Kind:     LaunchFailed,
		Dir:      dir,
		Attempts: attempts,
	}
	tried := make([]string, len(attempts))
	for i, a := range attempts {
		tried[i] = a.String()
	}
	s.logger.ErrorContext(ctx, "backend launch failed: make sure Python is installed and accessible",
		"dir", dir,
		"entry_points", s.entryPoints,
		"interpreters", s.interpreters,
		"attempts", tried,
	)
	return outcome
}
