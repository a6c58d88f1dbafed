// Package logtest records slog output for assertions in tests.
package logtest

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Record is a flattened slog.Record.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]slog.Value
}

// Recorder is a slog.Handler which keeps every record in memory.
type Recorder struct {
	mx      *sync.Mutex
	records *[]Record
	attrs   []slog.Attr
}

func New() *Recorder {
	return &Recorder{
		mx:      &sync.Mutex{},
		records: &[]Record{},
	}
}

// Logger returns a debug level logger writing into r.
func (r *Recorder) Logger() *slog.Logger {
	return slog.New(r)
}

func (r *Recorder) Enabled(context.Context, slog.Level) bool {
	return true
}

func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]slog.Value, rec.NumAttrs()+len(r.attrs))
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Resolve()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Resolve()
		return true
	})

	r.mx.Lock()
	defer r.mx.Unlock()
	*r.records = append(*r.records, Record{
		Level:   rec.Level,
		Message: rec.Message,
		Attrs:   attrs,
	})
	return nil
}

func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Recorder{
		mx:      r.mx,
		records: r.records,
		attrs:   append(slices.Clone(r.attrs), attrs...),
	}
}

// WithGroup is not needed by the shell; groups are flattened.
func (r *Recorder) WithGroup(string) slog.Handler {
	return r
}

// Records returns a snapshot of everything logged so far.
func (r *Recorder) Records() []Record {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(*r.records)
}

// Find returns the records with the given message.
func (r *Recorder) Find(msg string) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Message == msg {
			out = append(out, rec)
		}
	}
	return out
}
