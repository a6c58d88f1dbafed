// Package journal keeps the history of backend startup attempts in SQLite.
//
// Every attempt is one row identified by its run id. The row moves through
//
//	starting -> running -> exited
//	starting -> failed
//
// and a finished row is never updated again.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adrg/xdg"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
	ErrNotRunning      = errors.New("not running")
)

const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateFailed   = "failed"
	StateExited   = "exited"
)

// DefaultPath returns the journal location in the user's state directory,
// creating the parent directories.
func DefaultPath() (string, error) {
	return xdg.StateFile("echoshell/journal.db")
}

// Launch is the outcome of a startup attempt.
type Launch struct {
	Kind        string // started, not_found or launch_failed
	Dir         string
	EntryPoint  string
	Interpreter string
	Pid         int
	Reason      string
}

// Exit is what the supervisor observed when the backend ended.
type Exit struct {
	State   string // exited or wait_error
	Status  string
	Stopped time.Time
}

type Run struct {
	ID          int
	RunID       string
	State       string
	StartedAt   time.Time
	Kind        *string
	Dir         *string
	EntryPoint  *string
	Interpreter *string
	Pid         *int
	Reason      *string
	ExitState   *string
	ExitStatus  *string
	StoppedAt   *time.Time
}

func (r Run) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run_id: %q, state: %s, started_at: %s", r.RunID, r.State, r.StartedAt.Format(time.RFC3339))
	str := func(name string, v *string) {
		if v != nil && *v != "" {
			fmt.Fprintf(&sb, ", %s: %q", name, *v)
		}
	}
	str("kind", r.Kind)
	str("dir", r.Dir)
	str("entry_point", r.EntryPoint)
	str("interpreter", r.Interpreter)
	if r.Pid != nil {
		fmt.Fprintf(&sb, ", pid: %d", *r.Pid)
	}
	str("reason", r.Reason)
	str("exit_state", r.ExitState)
	str("exit_status", r.ExitStatus)
	if r.StoppedAt != nil {
		fmt.Fprintf(&sb, ", stopped_at: %s", r.StoppedAt.Format(time.RFC3339))
	}
	return sb.String()
}

// Open opens the journal at path and creates the schema. An empty path
// selects DefaultPath.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("resolving journal path: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			kind TEXT DEFAULT NULL,
			dir TEXT DEFAULT NULL,
			entry_point TEXT DEFAULT NULL,
			interpreter TEXT DEFAULT NULL,
			pid INTEGER DEFAULT NULL,
			reason TEXT DEFAULT NULL,
			exit_state TEXT DEFAULT NULL,
			exit_status TEXT DEFAULT NULL,
			stopped_at TEXT DEFAULT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing journal %s: %w", path, err)
		}
	}
	return db, nil
}

// Begin records a new attempt in state starting. Beginning a run which is
// still starting is a no-op, a run past that state gives ErrAlreadyFinished.
func Begin(ctx context.Context, db *sql.DB, runID string) error {
	return inTx(ctx, db, runID, func(tx *sql.Tx) error {
		state, err := currentState(ctx, tx, runID)
		switch {
		case err == nil && state == StateStarting:
			return nil
		case err == nil:
			return ErrAlreadyFinished
		case !errors.Is(err, ErrNotFound):
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, state, started_at) VALUES (?,?,?);`,
			runID, StateStarting, formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
}

// FinishLaunch stores the startup outcome. A started backend moves the row to
// running, anything else to failed.
func FinishLaunch(ctx context.Context, db *sql.DB, runID string, l Launch) error {
	return inTx(ctx, db, runID, func(tx *sql.Tx) error {
		state, err := currentState(ctx, tx, runID)
		if err != nil {
			return err
		}
		if state != StateStarting {
			return ErrAlreadyFinished
		}

		next := StateFailed
		var pid *int
		if l.Kind == "started" {
			next = StateRunning
			pid = &l.Pid
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE runs
			 SET
				state = ?,
				kind = ?,
				dir = ?,
				entry_point = ?,
				interpreter = ?,
				pid = ?,
				reason = ?
			WHERE run_id = ?;
			`, next, l.Kind, nullString(l.Dir), nullString(l.EntryPoint), nullString(l.Interpreter),
			pid, nullString(l.Reason), runID,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

// FinishExit stores the exit of a running backend.
func FinishExit(ctx context.Context, db *sql.DB, runID string, e Exit) error {
	return inTx(ctx, db, runID, func(tx *sql.Tx) error {
		state, err := currentState(ctx, tx, runID)
		if err != nil {
			return err
		}
		switch state {
		case StateRunning:
		case StateStarting:
			return ErrNotRunning
		default:
			return ErrAlreadyFinished
		}

		stopped := e.Stopped
		if stopped.IsZero() {
			stopped = time.Now()
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE runs
			 SET
				state = ?,
				exit_state = ?,
				exit_status = ?,
				stopped_at = ?
			WHERE run_id = ?;
			`, StateExited, e.State, nullString(e.Status), formatTime(stopped), runID,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

const selectRun = `SELECT id, run_id, state, started_at, kind, dir, entry_point, interpreter,
	pid, reason, exit_state, exit_status, stopped_at FROM runs`

// Get returns the run identified by runID or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, runID string) (Run, error) {
	row := db.QueryRowContext(ctx, selectRun+` WHERE run_id=?`, runID)
	run, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Run{}, ErrNotFound
	case err != nil:
		return Run{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return run, nil
}

// List returns at most limit runs, newest first. A limit <= 0 lists all.
func List(ctx context.Context, db *sql.DB, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, selectRun+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// Prune deletes everything but the newest keep runs and returns the number
// of deleted rows.
func Prune(ctx context.Context, db *sql.DB, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return ra, nil
}

func inTx(ctx context.Context, db *sql.DB, runID string, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "calling tx.Rollback failed", "run_id", runID, "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func currentState(ctx context.Context, tx *sql.Tx, runID string) (string, error) {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id=?`, runID).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("executing sql query failed: %w", err)
	}
	return state, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run       Run
		startedAt string
		pid       sql.NullInt64
		stoppedAt sql.NullString
	)
	err := s.Scan(
		&run.ID,
		&run.RunID,
		&run.State,
		&startedAt,
		&run.Kind,
		&run.Dir,
		&run.EntryPoint,
		&run.Interpreter,
		&pid,
		&run.Reason,
		&run.ExitState,
		&run.ExitStatus,
		&stoppedAt,
	)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if pid.Valid {
		p := int(pid.Int64)
		run.Pid = &p
	}
	if stoppedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, stoppedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing stopped_at: %w", err)
		}
		run.StoppedAt = &t
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
