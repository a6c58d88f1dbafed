package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/paladini/echo-transcribe/internal/model"
)

// DefaultMonitorInterval matches the refresh of the status widget.
const DefaultMonitorInterval = 10 * time.Second

// Schedule selects when the monitor probes. Cron wins over Duration; both
// empty means DefaultMonitorInterval.
type Schedule struct {
	Cron     string
	Duration string
}

type availability int

const (
	unknown availability = iota
	available
	unavailable
)

// Monitor probes the backend periodically and logs only the transitions
// between available and unavailable.
type Monitor struct {
	prober    Prober
	logger    *slog.Logger
	scheduler gocron.Scheduler

	mx    sync.Mutex
	state availability
	since time.Time
}

func NewMonitor(ctx context.Context, prober Prober, schedule Schedule, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		prober: prober,
		logger: logger,
	}
	scheduler, err := newScheduler(ctx, logger, schedule, func() {
		if ctx.Err() != nil {
			return
		}
		m.Probe(ctx)
	})
	if err != nil {
		return nil, err
	}
	m.scheduler = scheduler
	return m, nil
}

// Start runs the scheduler in the background. Shutdown must be called even
// when the monitor was never started.
func (m *Monitor) Start() {
	m.scheduler.Start()
}

func (m *Monitor) Shutdown() error {
	return m.scheduler.Shutdown()
}

// Probe runs one check and logs if availability changed since the last one.
// It reports the current availability.
func (m *Monitor) Probe(ctx context.Context) bool {
	ok := m.prober.CheckHealth(ctx)
	next := unavailable
	if ok {
		next = available
	}

	m.mx.Lock()
	prev, since := m.state, m.since
	if prev != next {
		m.state = next
		m.since = time.Now()
	}
	m.mx.Unlock()

	if prev == next {
		return ok
	}
	attrs := []any{}
	if prev != unknown {
		attrs = append(attrs, "after", time.Since(since).Round(time.Second).String())
	}
	if ok {
		m.logger.InfoContext(ctx, "backend available", attrs...)
	} else {
		m.logger.WarnContext(ctx, "backend unavailable", attrs...)
	}
	return ok
}

// Available returns the result of the last probe, false before the first one.
func (m *Monitor) Available() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state == available
}

func newScheduler(ctx context.Context, logger *slog.Logger, cfg Schedule, probe func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing readiness.monitor.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		logger.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	case cfg.Duration != "":
		d, err := model.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing readiness.monitor.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		logger.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		job = gocron.DurationJob(DefaultMonitorInterval)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(probe),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("initializing gocron job: %w", err),
			s.Shutdown(),
		)
	}
	return s, nil
}
