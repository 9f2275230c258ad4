// Package monitor runs the two long-lived background tasks: the fixed
// interval polling loop and the calendar-driven optimizer. Both observe
// cooperative stop; a failing tick is logged and never terminates either
// task.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/archive"
	"github.com/bandwatch/bandwatch/pkg/decision"
	"github.com/bandwatch/bandwatch/pkg/logx"
	"github.com/bandwatch/bandwatch/pkg/scoring"
	"github.com/bandwatch/bandwatch/pkg/store"
)

// stopWait bounds how long Stop waits for the loop goroutine to confirm.
const stopWait = 5 * time.Second

// SampleHook observes every successfully recorded sample (metrics, MQTT).
type SampleHook func(*pkg.SignalSample)

// FailureHook observes every failed tick with a coarse failure kind.
type FailureHook func(kind string)

// Config holds the loop timings.
type Config struct {
	Interval      time.Duration // poll interval, default 30s
	OptimizeTimes []string      // "HH:MM" local times for peak optimization
	PruneInterval time.Duration // archive retention pass, default 24h
}

// Loop drives sampling and scheduling against one engine and one store.
type Loop struct {
	cfg    Config
	logger *logx.Logger

	router  pkg.RouterClient
	store   *store.Store
	engine  *decision.Engine
	archive *archive.Store // optional

	sampleHooks  []SampleHook
	failureHooks []FailureHook

	stop chan struct{}
	done chan struct{}

	lastFired string // date and minute the calendar last fired in
}

// New creates the loop. The archive may be nil.
func New(cfg Config, router pkg.RouterClient, st *store.Store, engine *decision.Engine,
	arch *archive.Store, logger *logx.Logger,
) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 24 * time.Hour
	}

	return &Loop{
		cfg:     cfg,
		logger:  logger,
		router:  router,
		store:   st,
		engine:  engine,
		archive: arch,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddSampleHook registers an observer for recorded samples. Not safe to
// call after Start.
func (l *Loop) AddSampleHook(h SampleHook) {
	l.sampleHooks = append(l.sampleHooks, h)
}

// AddFailureHook registers an observer for failed ticks.
func (l *Loop) AddFailureHook(h FailureHook) {
	l.failureHooks = append(l.failureHooks, h)
}

// Start launches the background goroutine. The context cancels the loop
// the same way Stop does.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop signals the loop and waits up to five seconds for confirmation.
func (l *Loop) Stop() error {
	select {
	case <-l.stop:
		// already stopping
	default:
		close(l.stop)
	}

	select {
	case <-l.done:
		return nil
	case <-time.After(stopWait):
		return fmt.Errorf("monitor loop did not stop within %s", stopWait)
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	l.logger.Info("monitor loop started",
		"interval", l.cfg.Interval.String(),
		"optimize_times", l.cfg.OptimizeTimes,
	)

	sampleTicker := time.NewTicker(l.cfg.Interval)
	defer sampleTicker.Stop()

	// The calendar is checked well under once a minute so a configured
	// HH:MM is never skipped.
	calendarTicker := time.NewTicker(15 * time.Second)
	defer calendarTicker.Stop()

	pruneTicker := time.NewTicker(l.cfg.PruneInterval)
	defer pruneTicker.Stop()

	// One immediate sample so the history starts filling right away.
	l.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("monitor loop stopped", "reason", "context cancelled")
			return
		case <-l.stop:
			l.logger.Info("monitor loop stopped", "reason", "stop requested")
			return
		case <-sampleTicker.C:
			l.tick(ctx)
		case <-calendarTicker.C:
			l.checkCalendar(ctx, time.Now())
		case <-pruneTicker.C:
			l.pruneArchive()
		}
	}
}

// tick performs one poll. Every failure path logs and returns; the next
// tick happens a full interval later regardless.
func (l *Loop) tick(ctx context.Context) {
	sample, err := l.router.GetSignalSample(ctx)
	if err != nil {
		l.logger.Warn("poll failed", "error", err)
		l.notifyFailure("transport")
		return
	}

	scoring.Score(sample)

	if err := l.store.Append(sample); err != nil {
		l.logger.Error("sample not persisted", "error", err)
		l.notifyFailure("persistence")
		return
	}

	if l.archive != nil {
		if err := l.archive.InsertSample(sample); err != nil {
			// Archive loss is tolerable; the CSV row is already durable.
			l.logger.Warn("sample not archived", "error", err)
		}
	}

	for _, h := range l.sampleHooks {
		h(sample)
	}

	l.logger.Debug("sample recorded",
		"band", sample.Band,
		"rsrp", sample.RSRP,
		"sinr", sample.SINR,
		"score", sample.BandwidthScore,
		"quality", string(sample.SignalQuality),
	)

	if err := l.engine.OnSample(ctx, sample); err != nil {
		l.logger.Error("decision engine error", "error", err)
	}
}

// checkCalendar fires the peak optimizer when the wall clock matches a
// configured HH:MM. The guard includes the date so a single configured
// time recurs daily instead of firing once per process lifetime.
func (l *Loop) checkCalendar(ctx context.Context, now time.Time) {
	stamp := now.Format("2006-01-02 15:04")
	if stamp == l.lastFired {
		return
	}

	minute := now.Format("15:04")
	for _, t := range l.cfg.OptimizeTimes {
		if t != minute {
			continue
		}
		l.lastFired = stamp
		l.logger.Info("scheduled optimization firing", "at", minute)
		if err := l.engine.OptimizeForPeakHours(ctx, now); err != nil {
			l.logger.Error("scheduled optimization failed", "error", err)
		}
		return
	}
}

func (l *Loop) pruneArchive() {
	if l.archive == nil {
		return
	}
	if _, err := l.archive.Prune(); err != nil {
		l.logger.Warn("archive prune failed", "error", err)
	}
}

func (l *Loop) notifyFailure(kind string) {
	for _, h := range l.failureHooks {
		h(kind)
	}
}
