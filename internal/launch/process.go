package launch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Command is a single spawn request.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil => inherit
}

// Spawner creates processes. It fails only when the OS can't create the
// process; what the process does afterwards is not its concern.
type Spawner interface {
	Spawn(Command) (*Process, error)
}

// Process is the handle of a spawned backend. It owns the read ends of the
// captured stdout and stderr pipes and the ability to wait for the exit.
// Whoever holds it is its only user.
type Process struct {
	Command Command
	Started time.Time
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser

	cmd *exec.Cmd
}

// Pid returns the OS process id, or 0 for a process which was not spawned by
// ExecSpawner.
func (p *Process) Pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits. The pipes are left open: output
// written just before the exit can still be read, and descendants of the
// process may keep writing into them.
func (p *Process) Wait() (*os.ProcessState, error) {
	if p == nil || p.cmd == nil {
		return nil, exec.ErrNotFound
	}
	err := p.cmd.Wait()
	return p.cmd.ProcessState, err
}

// Close releases the read ends of both pipes.
func (p *Process) Close() error {
	var errs []error
	for _, r := range []io.ReadCloser{p.Stdout, p.Stderr} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecSpawner spawns processes with os/exec. Stdout and stderr are always
// captured as pipes owned by the returned Process rather than by exec.Cmd, so
// waiting for the exit never races with reading the output.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(c Command) (*Process, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	started := time.Now().UTC()
	err = cmd.Start()
	// the child has its own copies of the write ends
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, err
	}

	return &Process{
		Command: c,
		Started: started,
		Stdout:  stdoutR,
		Stderr:  stderrR,
		cmd:     cmd,
	}, nil
}
