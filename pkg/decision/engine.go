// Package decision implements the band-selection engine: degradation
// detection against the recorded history, smart switching to the best
// performing band, peak/off-peak optimization and deliberate band tests.
package decision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/analyzer"
	"github.com/bandwatch/bandwatch/pkg/audit"
	"github.com/bandwatch/bandwatch/pkg/controller"
	"github.com/bandwatch/bandwatch/pkg/history"
	"github.com/bandwatch/bandwatch/pkg/logx"
	"github.com/bandwatch/bandwatch/pkg/scoring"
	"github.com/bandwatch/bandwatch/pkg/store"
	"github.com/bandwatch/bandwatch/pkg/uci"
)

// Triggers recorded with each switch decision.
const (
	TriggerDegradation = "degradation"
	TriggerPeak        = "peak_optimize"
	TriggerOffPeak     = "off_peak_optimize"
	TriggerBandTest    = "band_test"
)

// Config holds the engine's decision parameters.
type Config struct {
	// DegradationThreshold is the fraction of the 1-hour mean bandwidth
	// score below which a sample triggers a smart switch. Default 0.8.
	DegradationThreshold float64

	// AutoSwitchEnabled gates OnSample entirely.
	AutoSwitchEnabled bool

	// SummaryWindow is the history window OnSample compares against.
	SummaryWindow time.Duration

	// AggregateWindow is the history window SmartSwitch ranks bands over.
	AggregateWindow time.Duration

	// SampleInterval is the sub-interval used while testing a band.
	SampleInterval time.Duration

	// PeakWindows drive OptimizeForPeakHours. Hour-granular matching.
	PeakWindows []uci.PeakWindow
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DegradationThreshold: 0.8,
		AutoSwitchEnabled:    true,
		SummaryWindow:        time.Hour,
		AggregateWindow:      6 * time.Hour,
		SampleInterval:       30 * time.Second,
		PeakWindows: []uci.PeakWindow{
			{Name: "morning", StartHour: 7, EndHour: 9},
			{Name: "evening", StartHour: 17, EndHour: 19},
		},
	}
}

// Engine is a reentrant controller: external callers (the monitor loop and
// the calendar scheduler) drive it, and one mutex serializes every decision
// path so two triggers can never issue competing switches.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	logger *logx.Logger

	store   *store.Store
	ctl     *controller.Controller
	router  pkg.RouterClient
	history *history.Store // optional
	trail   *audit.Trail   // optional

	predictor *Predictor

	currentBestBand string
	lastDecision    time.Time
	autoSwitch      bool
}

// NewEngine wires the engine to its collaborators. history and trail may be
// nil; decisions are then only logged.
func NewEngine(cfg Config, st *store.Store, ctl *controller.Controller, router pkg.RouterClient,
	hist *history.Store, trail *audit.Trail, logger *logx.Logger,
) *Engine {
	if cfg.DegradationThreshold <= 0 {
		cfg.DegradationThreshold = 0.8
	}
	if cfg.SummaryWindow <= 0 {
		cfg.SummaryWindow = time.Hour
	}
	if cfg.AggregateWindow <= 0 {
		cfg.AggregateWindow = 6 * time.Hour
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		ctl:        ctl,
		router:     router,
		history:    hist,
		trail:      trail,
		predictor:  NewPredictor(DefaultPredictorWindow),
		autoSwitch: cfg.AutoSwitchEnabled,
	}
}

// SetAutoSwitch toggles automatic degradation handling at runtime.
func (e *Engine) SetAutoSwitch(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoSwitch = enabled
	e.logger.Info("auto switch toggled", "enabled", enabled)
}

// AutoSwitchEnabled reports the current toggle state.
func (e *Engine) AutoSwitchEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoSwitch
}

// CurrentBestBand returns the engine's last known best band, empty when no
// comparison has happened yet.
func (e *Engine) CurrentBestBand() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentBestBand
}

// LastDecision returns when the engine last issued a switch.
func (e *Engine) LastDecision() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDecision
}

// PredictedSlope exposes the regression slope for metrics.
func (e *Engine) PredictedSlope() (float64, bool) {
	return e.predictor.Slope()
}

// OnSample runs the degradation check for one freshly recorded sample.
// Empty history is a no-op; a score strictly below threshold * historical
// mean triggers a smart switch.
func (e *Engine) OnSample(ctx context.Context, sample *pkg.SignalSample) error {
	e.predictor.Observe(sample.Timestamp, scoring.BandwidthScore(sample.SINR, sample.RSRP))

	e.mu.Lock()
	enabled := e.autoSwitch
	e.mu.Unlock()
	if !enabled {
		return nil
	}

	if slope, ok := e.predictor.Slope(); ok && e.predictor.DegradationPredicted() {
		e.logger.Warn("bandwidth score trending down",
			"band", sample.Band,
			"slope_per_minute", slope*60,
		)
	}

	currentScore := scoring.BandwidthScore(sample.SINR, sample.RSRP)
	summary := e.store.Summary(e.cfg.SummaryWindow)
	if summary.Total == 0 {
		return nil
	}

	floor := summary.AvgBandwidthScore * e.cfg.DegradationThreshold
	if currentScore >= floor {
		return nil
	}

	e.logger.Warn("performance degradation detected",
		"band", sample.Band,
		"current_score", currentScore,
		"historical_mean", summary.AvgBandwidthScore,
		"floor", floor,
	)
	return e.SmartSwitch(ctx)
}

// SmartSwitch ranks bands over the aggregate window by mean bandwidth score
// and switches to the winner when it differs from the active band. Failure
// is reported, not retried.
func (e *Engine) SmartSwitch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agg := e.store.PerBandAggregate(e.cfg.AggregateWindow)
	if len(agg) == 0 {
		e.logger.Debug("smart switch skipped, no band history")
		return nil
	}

	bestBand := ""
	bestScore := -1.0
	for _, band := range sortedBands(agg) {
		if agg[band].BandwidthScore.Mean > bestScore {
			bestScore = agg[band].BandwidthScore.Mean
			bestBand = band
		}
	}

	current, err := e.ctl.CurrentBand(ctx)
	if err != nil {
		return fmt.Errorf("smart switch: read current band: %w", err)
	}

	e.currentBestBand = bestBand
	if bestBand == current {
		e.logger.Debug("already on best band", "band", current, "score", bestScore)
		return nil
	}

	reason := fmt.Sprintf("mean bandwidth score %.3f over %s beats current band %s",
		bestScore, e.cfg.AggregateWindow, current)
	return e.switchLocked(ctx, TriggerDegradation, current, bestBand, reason)
}

// OptimizeForPeakHours picks the selection criterion from the time of day:
// inside a peak window the band with the best peak-hour SINR wins, outside
// it the most stable band (lowest bandwidth score deviation) wins. Both
// silently no-op without comparison data.
func (e *Engine) OptimizeForPeakHours(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hour := now.Hour()
	window, inPeak := e.peakWindow(hour)

	var target, reason, trigger string
	if inPeak {
		grouped := e.store.BandSamples(0)
		var bestSINR float64
		for _, band := range sortedSampleBands(grouped) {
			perf := analyzer.Analyze(band, grouped[band])
			// SINR can be negative, so the first band always seeds the max.
			if target == "" || perf.PeakHourSINR > bestSINR {
				bestSINR = perf.PeakHourSINR
				target = band
			}
		}
		trigger = TriggerPeak
		reason = fmt.Sprintf("peak window %q: best peak-hour SINR %.1f dB", window.Name, bestSINR)
	} else {
		agg := e.store.PerBandAggregate(0)
		bestStd := -1.0
		for _, band := range sortedBands(agg) {
			std := agg[band].BandwidthScore.Std
			if bestStd < 0 || std < bestStd {
				bestStd = std
				target = band
			}
		}
		trigger = TriggerOffPeak
		reason = fmt.Sprintf("off-peak: most stable band, score stddev %.4f", bestStd)
	}

	if target == "" {
		e.logger.Debug("peak optimization skipped, no comparison data", "hour", hour)
		return nil
	}

	current, err := e.ctl.CurrentBand(ctx)
	if err != nil {
		return fmt.Errorf("peak optimization: read current band: %w", err)
	}
	if target == current {
		e.logger.Debug("peak optimization keeps current band", "band", current, "in_peak", inPeak)
		return nil
	}

	return e.switchLocked(ctx, trigger, current, target, reason)
}

// TestAllBands locks onto each candidate band in turn, samples it for
// perBand, and records the aggregated result. The band with the highest
// mean bandwidth score becomes the engine's current best. Bands yielding
// zero samples are recorded as failures and excluded from the selection.
func (e *Engine) TestAllBands(ctx context.Context, bands []string, perBand time.Duration) (map[string]*pkg.BandTestResult, error) {
	for _, band := range bands {
		if _, ok := pkg.LTEBands[band]; !ok {
			return nil, fmt.Errorf("%w: unknown band %q", pkg.ErrConfiguration, band)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	results := make(map[string]*pkg.BandTestResult, len(bands))
	for _, band := range bands {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result := e.testBandLocked(ctx, band, perBand)
		results[band] = result
		if e.history != nil {
			if err := e.history.PutBandTest(result); err != nil {
				e.logger.Error("failed to persist band test", "band", band, "error", err)
			}
		}
	}

	bestBand := ""
	bestScore := -1.0
	for _, band := range bands {
		r := results[band]
		if !r.Success || r.Performance == nil {
			continue
		}
		if r.Performance.AvgBandwidthScore > bestScore {
			bestScore = r.Performance.AvgBandwidthScore
			bestBand = band
		}
	}

	if bestBand != "" {
		e.currentBestBand = bestBand
		e.logger.Info("band test complete", "best_band", bestBand, "score", bestScore)
	} else {
		e.logger.Warn("band test produced no usable results")
	}

	return results, nil
}

func (e *Engine) testBandLocked(ctx context.Context, band string, perBand time.Duration) *pkg.BandTestResult {
	result := &pkg.BandTestResult{
		Band:      band,
		StartedAt: time.Now(),
		Duration:  perBand,
	}

	e.logger.Info("testing band", "band", band, "duration", perBand.String())

	current, err := e.ctl.CurrentBand(ctx)
	if err != nil {
		current = ""
	}
	if err := e.ctl.Switch(ctx, current, band, TriggerBandTest); err != nil {
		result.Error = err.Error()
		return result
	}

	var samples []*pkg.SignalSample
	deadline := time.Now().Add(perBand)
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		sample, err := e.router.GetSignalSample(ctx)
		if err != nil {
			e.logger.Warn("band test sample failed", "band", band, "error", err)
		} else {
			scoring.Score(sample)
			samples = append(samples, sample)
			if err := e.store.Append(sample); err != nil {
				e.logger.Error("band test sample not persisted", "band", band, "error", err)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
			return result
		}
	}

	if len(samples) == 0 {
		result.Error = "no samples collected"
		return result
	}

	perf := analyzer.Analyze(band, samples)
	result.Success = true
	result.Performance = &perf
	return result
}

// switchLocked issues the switch through the controller and records the
// decision in the history db and audit trail. Callers hold e.mu.
func (e *Engine) switchLocked(ctx context.Context, trigger, from, to, reason string) error {
	err := e.ctl.Switch(ctx, from, to, trigger)

	decision := &pkg.SwitchDecision{
		Timestamp: time.Now(),
		Trigger:   trigger,
		FromBand:  from,
		ToBand:    to,
		Reasoning: reason,
		Success:   err == nil,
	}
	if err != nil {
		decision.Error = err.Error()
	} else {
		e.lastDecision = decision.Timestamp
		e.currentBestBand = to
		// The old band's trend must not bleed into the new one.
		e.predictor.Reset()
	}

	if e.history != nil {
		if herr := e.history.PutDecision(decision); herr != nil {
			e.logger.Error("failed to persist switch decision", "error", herr)
		}
	}
	if e.trail != nil {
		e.trail.Record(decision)
	}

	return err
}

func (e *Engine) peakWindow(hour int) (uci.PeakWindow, bool) {
	for _, w := range e.cfg.PeakWindows {
		if w.Contains(hour) {
			return w, true
		}
	}
	return uci.PeakWindow{}, false
}

// sortedBands gives map iteration a stable order so ties break the same
// way on every run.
func sortedBands(m map[string]*pkg.BandStats) []string {
	out := make([]string, 0, len(m))
	for band := range m {
		out = append(out, band)
	}
	sort.Strings(out)
	return out
}

func sortedSampleBands(m map[string][]*pkg.SignalSample) []string {
	out := make([]string, 0, len(m))
	for band := range m {
		out = append(out, band)
	}
	sort.Strings(out)
	return out
}
