package locate

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultMarkers are files whose presence proves the backend lives in a directory.
var DefaultMarkers = []string{"main.py", "start_backend.py"}

type Locator struct {
	markers []string
	stat    func(string) (fs.FileInfo, error)
	logger  *slog.Logger
}

type Option func(*Locator)

// WithStat replaces os.Stat.
func WithStat(stat func(string) (fs.FileInfo, error)) Option {
	return func(l *Locator) {
		l.stat = stat
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locator) {
		l.logger = logger
	}
}

func NewLocator(markers []string, opts ...Option) Locator {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	l := Locator{
		markers: append([]string(nil), markers...),
		stat:    os.Stat,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

// Locate returns the first candidate containing at least one marker file.
// The winning path, or every searched path on failure, is always logged.
func (l Locator) Locate(ctx context.Context, candidates []string) (string, bool) {
	for _, dir := range candidates {
		if marker, ok := l.hasMarker(dir); ok {
			l.logger.InfoContext(ctx, "backend found",
				"dir", dir,
				"marker", marker,
			)
			return dir, true
		}
	}

	l.logger.ErrorContext(ctx, "backend directory not found",
		"searched", candidates,
		"markers", l.markers,
	)
	return "", false
}

func (l Locator) hasMarker(dir string) (string, bool) {
	for _, m := range l.markers {
		info, err := l.stat(filepath.Join(dir, m))
		if err == nil && info.Mode().IsRegular() {
			return m, true
		}
	}
	return "", false
}

// Markers returns the marker file names l looks for.
func (l Locator) Markers() []string {
	return append([]string(nil), l.markers...)
}
