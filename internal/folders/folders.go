// Package folders exposes the user's download directory and opens
// directories in the native file manager.
package folders

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
)

// DownloadsPath returns the user's download directory.
func DownloadsPath() (string, error) {
	dir := xdg.UserDirs.Download
	if dir == "" {
		return "", errors.New("could not find downloads directory")
	}
	return dir, nil
}

// FileManager returns the command opening a directory on goos.
func FileManager(goos string) string {
	switch goos {
	case "windows":
		return "explorer"
	case "darwin":
		return "open"
	default:
		return "xdg-open"
	}
}

type Opener struct {
	command string
	stat    func(string) (fs.FileInfo, error)
	logger  *slog.Logger
}

type Option func(*Opener)

// WithCommand replaces the native file manager.
func WithCommand(command string) Option {
	return func(o *Opener) {
		o.command = command
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		o.logger = logger
	}
}

func NewOpener(opts ...Option) Opener {
	o := Opener{
		command: FileManager(runtime.GOOS),
		stat:    os.Stat,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open shows path in the file manager and waits for the command to return.
func (o Opener) Open(ctx context.Context, path string) (string, error) {
	info, err := o.stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("directory does not exist: %s", path)
	case err != nil:
		return "", fmt.Errorf("checking directory %s: %w", path, err)
	case !info.IsDir():
		return "", fmt.Errorf("not a directory: %s", path)
	}

	cmd := exec.CommandContext(ctx, o.command, path)
	out, err := cmd.CombinedOutput()
	// explorer exits with 1 even when the window opened
	if err != nil && !(o.command == "explorer" && cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1) {
		o.logger.ErrorContext(ctx, "opening folder failed",
			"path", path,
			"command", o.command,
			"output", strings.TrimSpace(string(out)),
			"error", err,
		)
		return "", fmt.Errorf("failed to open folder %s: %w", path, err)
	}
	o.logger.DebugContext(ctx, "folder opened", "path", path, "command", o.command)
	return "opened " + path, nil
}
