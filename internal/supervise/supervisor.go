// Package supervise monitors a spawned backend until it exits.
//
// Supervise takes over the process handle and runs on its own goroutine:
//   - drains stdout and stderr line by line (debug records, stderr tail kept)
//   - waits for the exit
//   - emits exactly one record with the exit status or the wait error
//   - delivers the same information once on the returned channel
//
// There is no restart and no backoff. A dead backend stays dead until the
// operator intervenes; the host keeps running.
//
// States:
//
//	Spawned -> Running -> Exited
//	Spawned -> WaitError
package supervise

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/paladini/echo-transcribe/internal/launch"
)

type State int

const (
	Spawned State = iota
	Running
	Exited
	WaitError
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case WaitError:
		return "wait_error"
	default:
		return "unknown"
	}
}

// Exit is the terminal record of a supervised process.
type Exit struct {
	State      State
	Pid        int
	ExitCode   int    // -1 when killed by a signal or unknown
	Signal     string // e.g. SIGKILL, empty unless killed by a signal
	Status     string // os.ProcessState description
	Err        error  // set for WaitError
	Started    time.Time
	Stopped    time.Time
	StderrTail []string
}

// Success reports a clean exit with status 0.
func (e Exit) Success() bool {
	return e.State == Exited && e.ExitCode == 0 && e.Signal == ""
}

const (
	defaultTailLines = 20
	defaultGrace     = 2 * time.Second
)

type Supervisor struct {
	logger    *slog.Logger
	tailLines int
	grace     time.Duration
}

type Option func(*Supervisor)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithTailLines sets how many trailing stderr lines are kept for the exit record.
func WithTailLines(n int) Option {
	return func(s *Supervisor) {
		s.tailLines = n
	}
}

// WithGrace sets how long output is still read after the process exited.
// Descendants holding the pipes open are cut off after that.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:    slog.Default(),
		tailLines: defaultTailLines,
		grace:     defaultGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Supervise takes ownership of p and returns immediately. The returned
// channel receives exactly one Exit and is closed afterwards. The caller must
// not use p after this call.
func (s *Supervisor) Supervise(ctx context.Context, p *launch.Process) <-chan Exit {
	ch := make(chan Exit, 1)
	go func() {
		defer close(ch)
		ch <- s.run(ctx, p)
	}()
	return ch
}

func (s *Supervisor) run(ctx context.Context, p *launch.Process) Exit {
	pid := p.Pid()
	s.logger.DebugContext(ctx, "supervising backend",
		"pid", pid,
		"state", Running.String(),
	)

	tail := newTail(s.tailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drain(ctx, "stdout", p.Stdout, nil)
	}()
	go func() {
		defer wg.Done()
		s.drain(ctx, "stderr", p.Stderr, tail)
	}()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	state, waitErr := p.Wait()
	stopped := time.Now().UTC()

	timer := time.NewTimer(s.grace)
	select {
	case <-drained:
	case <-timer.C:
		s.logger.WarnContext(ctx, "backend output still open after exit: closing", "pid", pid)
	}
	timer.Stop()
	if err := p.Close(); err != nil {
		s.logger.DebugContext(ctx, "closing backend pipes", "error", err)
	}
	<-drained

	exit := newExit(pid, p.Started, stopped, state, waitErr)
	exit.StderrTail = tail.lines()
	s.report(ctx, exit)
	return exit
}

func newExit(pid int, started, stopped time.Time, state *os.ProcessState, err error) Exit {
	exit := Exit{
		Pid:     pid,
		Started: started,
		Stopped: stopped,
	}
	var exitErr interface{ ExitCode() int }
	switch {
	case state != nil && (err == nil || errors.As(err, &exitErr)):
		exit.State = Exited
		exit.ExitCode, exit.Signal = describe(state)
		exit.Status = state.String()
	default:
		exit.State = WaitError
		exit.ExitCode = -1
		exit.Err = err
		if err == nil {
			exit.Err = errors.New("process state not available")
		}
	}
	return exit
}

func (s *Supervisor) report(ctx context.Context, exit Exit) {
	if exit.State == WaitError {
		s.logger.ErrorContext(ctx, "waiting for backend failed",
			"pid", exit.Pid,
			"state", exit.State.String(),
			"error", exit.Err,
		)
		return
	}

	level := slog.LevelInfo
	if !exit.Success() {
		level = slog.LevelError
	}
	attrs := []any{
		"pid", exit.Pid,
		"state", exit.State.String(),
		"exit_code", exit.ExitCode,
		"status", exit.Status,
	}
	if exit.Signal != "" {
		attrs = append(attrs, "signal", exit.Signal)
	}
	if !exit.Started.IsZero() {
		attrs = append(attrs, "uptime", exit.Stopped.Sub(exit.Started).String())
	}
	if len(exit.StderrTail) > 0 && !exit.Success() {
		attrs = append(attrs, "stderr_tail", exit.StderrTail)
	}
	s.logger.Log(ctx, level, "backend exited", attrs...)
}

// maxLine is the longest output line kept; the rest of a longer line is
// read and dropped.
const maxLine = 64 * 1024

func (s *Supervisor) drain(ctx context.Context, stream string, r io.Reader, tail *tail) {
	if r == nil {
		return
	}
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, truncated, err := readLine(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.WarnContext(ctx, "reading backend output", "stream", stream, "error", err)
			}
			return
		}
		attrs := []any{"stream", stream, "line", line}
		if truncated {
			attrs = append(attrs, "truncated", true)
		}
		s.logger.DebugContext(ctx, "backend output", attrs...)
		if tail != nil {
			tail.add(line)
		}
	}
}

// readLine returns the next line cut to maxLine bytes. The error is non-nil
// only when no line was read.
func readLine(br *bufio.Reader) (string, bool, error) {
	chunk, more, err := br.ReadLine()
	if err != nil {
		return "", false, err
	}
	line := string(chunk)
	truncated := more
	for more {
		_, more, err = br.ReadLine()
		if err != nil {
			// the error comes back on the next call
			break
		}
	}
	return line, truncated, nil
}

// tail keeps the last n lines. Only one goroutine writes to it and lines is
// called after the writer finished.
type tail struct {
	n   int
	buf []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	if t.n <= 0 {
		return
	}
	if len(t.buf) == t.n {
		copy(t.buf, t.buf[1:])
		t.buf = t.buf[:t.n-1]
	}
	t.buf = append(t.buf, line)
}

func (t *tail) lines() []string {
	if len(t.buf) == 0 {
		return nil
	}
	return append([]string(nil), t.buf...)
}
