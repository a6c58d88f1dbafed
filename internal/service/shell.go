package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paladini/echo-transcribe/internal/journal"
	"github.com/paladini/echo-transcribe/internal/launch"
	"github.com/paladini/echo-transcribe/internal/locate"
	"github.com/paladini/echo-transcribe/internal/log"
	"github.com/paladini/echo-transcribe/internal/model"
	"github.com/paladini/echo-transcribe/internal/portcheck"
	"github.com/paladini/echo-transcribe/internal/readiness"
	"github.com/paladini/echo-transcribe/internal/supervise"
)

// journalKeep is the number of runs kept in the journal.
const journalKeep = 100

var ErrJournalDisabled = errors.New("journal is disabled")

type Shell struct {
	logger     *slog.Logger
	origin     func() (exeDir, cwd string)
	resolver   locate.Resolver
	locator    locate.Locator
	selector   launch.Selector
	supervisor *supervise.Supervisor
	checker    *readiness.Checker
	gate       *readiness.Gate
	monitor    *readiness.Monitor

	dbMx sync.Mutex
	db   *sql.DB

	closeOnce sync.Once
	exits     sync.WaitGroup
}

type options struct {
	logger  *slog.Logger
	origin  func() (exeDir, cwd string)
	spawner launch.Spawner
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOrigin replaces locate.Origin.
func WithOrigin(origin func() (exeDir, cwd string)) Option {
	return func(o *options) {
		o.origin = origin
	}
}

func WithSpawner(spawner launch.Spawner) Option {
	return func(o *options) {
		o.spawner = spawner
	}
}

// NewShell builds a Shell from cfg. Invalid settings are reported as errors,
// a journal which can't be opened is only logged. Close must be called.
func NewShell(ctx context.Context, cfg model.Config, opts ...Option) (*Shell, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	o := options{
		logger: slog.Default(),
		origin: locate.Origin,
	}
	for _, opt := range opts {
		opt(&o)
	}

	timeout, interval, deadline, err := cfg.ReadinessTimings()
	if err != nil {
		return nil, fmt.Errorf("parsing readiness timings: %w", err)
	}

	backend := cfg.Backend
	if backend == nil {
		backend = &model.Backend{}
	}

	selectorOpts := []launch.Option{
		launch.WithEntryPoints(backend.EntryPoints...),
		launch.WithInterpreters(backend.Interpreters...),
		launch.WithEnv(backend.Environ()),
		launch.WithLogger(o.logger),
	}
	if o.spawner != nil {
		selectorOpts = append(selectorOpts, launch.WithSpawner(o.spawner))
	}

	checker := readiness.NewChecker(cfg.HealthURL(), timeout, readiness.WithCheckerLogger(o.logger))
	s := &Shell{
		logger: o.logger,
		origin: o.origin,
		resolver: locate.NewResolver(locate.Layout{
			DirName:   backend.DirName,
			DevSubdir: backend.DevSubdir,
		}, backend.SearchPaths...),
		locator:    locate.NewLocator(backend.Markers, locate.WithLogger(o.logger)),
		selector:   launch.NewSelector(selectorOpts...),
		supervisor: supervise.New(supervise.WithLogger(o.logger)),
		checker:    checker,
		gate:       readiness.NewGate(checker, interval, deadline, o.logger),
	}

	if cfg.MonitorEnabled() {
		cron, duration := cfg.MonitorSchedule()
		s.monitor, err = readiness.NewMonitor(ctx, checker, readiness.Schedule{
			Cron:     cron,
			Duration: duration,
		}, o.logger)
		if err != nil {
			return nil, fmt.Errorf("initializing monitor: %w", err)
		}
	}

	if cfg.JournalEnabled() {
		db, err := journal.Open(ctx, cfg.JournalPath())
		if err != nil {
			o.logger.WarnContext(ctx, "journal can't be opened: continuing without it", "error", err)
		} else {
			s.db = db
		}
	}

	return s, nil
}

// Run is the host's main loop. It starts the backend and waits for its
// readiness concurrently, then keeps the monitor running until ctx is done.
// Startup failures are logged, never returned.
func (s *Shell) Run(ctx context.Context) error {
	s.logger.DebugContext(ctx, "starting the shell")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outcome := s.Launch(gctx)
		if outcome.Kind != launch.Started {
			s.logger.ErrorContext(gctx, "backend is not running: the application continues without it",
				"outcome", outcome.Kind.String(),
				"error", outcome.Err(),
			)
		}
		return nil
	})
	// the backend may have been started by someone else, so the gate runs
	// regardless of the launch outcome
	g.Go(func() error {
		if !s.gate.Wait(gctx) {
			s.logger.WarnContext(gctx, "backend did not become ready")
		}
		return nil
	})

	if s.monitor != nil {
		s.monitor.Start()
	}

	_ = g.Wait() // goroutines do not return an error
	<-ctx.Done()
	s.logger.DebugContext(ctx, "shell stopped")
	return nil
}

// Launch performs one startup attempt. A started backend is handed over to
// the supervisor and its exit recorded once it arrives.
func (s *Shell) Launch(ctx context.Context) launch.Outcome {
	runID := uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("run_id", runID))
	// journal writes must outlive a cancelled host context
	jctx := context.WithoutCancel(ctx)

	s.record(jctx, "begin", func(db *sql.DB) error {
		if err := journal.Begin(jctx, db, runID); err != nil {
			return err
		}
		_, err := journal.Prune(jctx, db, journalKeep)
		return err
	})

	exeDir, cwd := s.origin()
	candidates := s.resolver.Resolve(exeDir, cwd)
	s.logger.DebugContext(ctx, "searching for backend", "exe_dir", exeDir, "cwd", cwd, "candidates", candidates)

	var outcome launch.Outcome
	if dir, ok := s.locator.Locate(ctx, candidates); ok {
		s.checkPort(ctx)
		outcome = s.selector.Launch(ctx, dir)
	} else {
		outcome = launch.NotFoundOutcome(candidates)
	}

	s.record(jctx, "finish launch", func(db *sql.DB) error {
		return journal.FinishLaunch(jctx, db, runID, journalLaunch(outcome))
	})

	if outcome.Kind == launch.Started {
		exits := s.supervisor.Supervise(ctx, outcome.Process)
		s.exits.Add(1)
		go func() {
			defer s.exits.Done()
			exit := <-exits
			s.record(jctx, "finish exit", func(db *sql.DB) error {
				return journal.FinishExit(jctx, db, runID, journalExit(exit))
			})
		}()
	}
	return outcome
}

// CheckHealth answers whether the backend serves requests right now.
func (s *Shell) CheckHealth(ctx context.Context) bool {
	return s.checker.CheckHealth(ctx)
}

// History returns the newest startup attempts.
func (s *Shell) History(ctx context.Context, limit int) ([]journal.Run, error) {
	s.dbMx.Lock()
	defer s.dbMx.Unlock()
	if s.db == nil {
		return nil, ErrJournalDisabled
	}
	return journal.List(ctx, s.db, limit)
}

// Wait blocks until every backend started by this Shell exited and the exit
// was recorded.
func (s *Shell) Wait() {
	s.exits.Wait()
}

// Close stops the monitor and closes the journal. Backends keep running.
func (s *Shell) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.monitor != nil {
			if err := s.monitor.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("shutting down monitor: %w", err))
			}
		}
		s.dbMx.Lock()
		defer s.dbMx.Unlock()
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing journal: %w", err))
			}
			s.db = nil
		}
	})
	return errors.Join(errs...)
}

// checkPort warns when something already listens where the backend is
// expected to. The launch goes ahead anyway.
func (s *Shell) checkPort(ctx context.Context) {
	port, addrs, err := portcheck.Target(ctx, s.checker.URL())
	if err != nil {
		s.logger.DebugContext(ctx, "can't derive backend port", "url", s.checker.URL(), "error", err)
		return
	}
	listeners, err := portcheck.InUse(ctx, port, addrs...)
	if err != nil {
		s.logger.DebugContext(ctx, "checking backend port failed", "port", port, "error", err)
		return
	}
	if len(listeners) > 0 {
		s.logger.WarnContext(ctx, "backend port already in use",
			"port", port,
			"listeners", listeners,
		)
	}
}

func (s *Shell) record(ctx context.Context, op string, fn func(*sql.DB) error) {
	s.dbMx.Lock()
	defer s.dbMx.Unlock()
	if s.db == nil {
		return
	}
	if err := fn(s.db); err != nil {
		s.logger.WarnContext(ctx, "journal write failed: ignoring", "op", op, "error", err)
	}
}

func journalLaunch(o launch.Outcome) journal.Launch {
	l := journal.Launch{
		Kind:        o.Kind.String(),
		Dir:         o.Dir,
		EntryPoint:  o.EntryPoint,
		Interpreter: o.Interpreter,
		Pid:         o.Process.Pid(),
	}
	if err := o.Err(); err != nil {
		l.Reason = err.Error()
	}
	return l
}

func journalExit(e supervise.Exit) journal.Exit {
	status := e.Status
	if e.Err != nil {
		status = e.Err.Error()
	}
	return journal.Exit{
		State:   e.State.String(),
		Status:  status,
		Stopped: e.Stopped,
	}
}
