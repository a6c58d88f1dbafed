package launch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("backend not found")
	ErrLaunchFailed = errors.New("backend launch failed")
)

type Kind int

const (
	Started Kind = iota + 1
	NotFound
	LaunchFailed
)

func (k Kind) String() string {
	switch k {
	case Started:
		return "started"
	case NotFound:
		return "not_found"
	case LaunchFailed:
		return "launch_failed"
	default:
		return "unknown"
	}
}

// Attempt is one entry point and interpreter pair which was tried.
type Attempt struct {
	EntryPoint  string
	Interpreter string
	Err         error
}

func (a Attempt) String() string {
	if a.Err == nil {
		return a.Interpreter + " " + a.EntryPoint
	}
	return a.Interpreter + " " + a.EntryPoint + ": " + a.Err.Error()
}

// Outcome is the result of a startup attempt:
//   - Started: Process, Dir, EntryPoint and Interpreter are set, Attempts
//     ends with the winning pair
//   - NotFound: Searched lists every directory which was tested
//   - LaunchFailed: Dir and Attempts are set
type Outcome struct {
	Kind        Kind
	Process     *Process
	Dir         string
	EntryPoint  string
	Interpreter string
	Searched    []string
	Attempts    []Attempt
}

func NotFoundOutcome(searched []string) Outcome {
	return Outcome{
		Kind:     NotFound,
		Searched: append([]string(nil), searched...),
	}
}

// Err returns nil for Started, *NotFoundError or *LaunchError otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case Started:
		return nil
	case NotFound:
		return &NotFoundError{Searched: o.Searched}
	case LaunchFailed:
		return &LaunchError{Dir: o.Dir, Attempts: o.Attempts}
	default:
		return fmt.Errorf("unexpected outcome kind %d", o.Kind)
	}
}

type NotFoundError struct {
	Searched []string
}

func (e *NotFoundError) Error() string {
	return "backend not found, searched: " + strings.Join(e.Searched, ", ")
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type LaunchError struct {
	Dir      string
	Attempts []Attempt
}

func (e *LaunchError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("backend launch failed in %s: no entry point present", e.Dir)
	}
	tried := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		tried[i] = a.String()
	}
	return fmt.Sprintf("backend launch failed in %s: %s", e.Dir, strings.Join(tried, "; "))
}

// Unwrap exposes ErrLaunchFailed and the spawn error of every attempt.
func (e *LaunchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrLaunchFailed)
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}
