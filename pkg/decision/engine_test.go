package decision

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/controller"
	"github.com/bandwatch/bandwatch/pkg/logx"
	"github.com/bandwatch/bandwatch/pkg/scoring"
	"github.com/bandwatch/bandwatch/pkg/store"
)

// MockRouter implements pkg.RouterClient for engine tests.
type MockRouter struct {
	mu           sync.Mutex
	currentBand  string
	samples      map[string]*pkg.SignalSample // template per band
	setBandCalls []string
	failSetBand  bool
	sampleErr    error
}

func (m *MockRouter) Authenticate(ctx context.Context) error { return nil }

func (m *MockRouter) GetSignalSample(ctx context.Context) (*pkg.SignalSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sampleErr != nil {
		return nil, m.sampleErr
	}
	tpl, ok := m.samples[m.currentBand]
	if !ok {
		return nil, fmt.Errorf("%w: no signal on band %s", pkg.ErrTransport, m.currentBand)
	}
	s := *tpl
	s.Timestamp = time.Now()
	s.Band = m.currentBand
	return &s, nil
}

func (m *MockRouter) GetAvailableBands(ctx context.Context) ([]string, error) {
	return pkg.KnownBandIDs(), nil
}

func (m *MockRouter) SetBand(ctx context.Context, bandID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBandCalls = append(m.setBandCalls, bandID)
	if m.failSetBand {
		return fmt.Errorf("%w: device rejected band change", pkg.ErrTransport)
	}
	m.currentBand = bandID
	return nil
}

func (m *MockRouter) SetBandMask(ctx context.Context, mask map[string]bool) error { return nil }

func (m *MockRouter) GetCurrentBandConfig(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{"B3": true, "B7": true}, nil
}

func (m *MockRouter) GetConnectionStatus(ctx context.Context) (*pkg.ConnectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &pkg.ConnectionStatus{Connected: true, CurrentBand: m.currentBand}, nil
}

func (m *MockRouter) Close() error { return nil }

func (m *MockRouter) switchCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.setBandCalls))
	copy(out, m.setBandCalls)
	return out
}

func sampleTpl(rsrp, sinr float64) *pkg.SignalSample {
	return scoring.Score(&pkg.SignalSample{RSRP: rsrp, RSRQ: -10, SINR: sinr, RSSI: -60})
}

func newTestEngine(t *testing.T, router *MockRouter) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	logger := logx.NewLogger("error", "decision-test")

	st, err := store.New(store.Config{
		CSVPath:  filepath.Join(dir, "metrics.csv"),
		JSONPath: filepath.Join(dir, "metrics.json"),
	}, logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	ctl := controller.NewController(router, logger, false)
	cfg := DefaultConfig()
	cfg.SampleInterval = time.Millisecond
	return NewEngine(cfg, st, ctl, router, nil, nil, logger), st
}

// appendHistory stores n scored samples for a band with the given age.
func appendHistory(t *testing.T, st *store.Store, band string, n int, age time.Duration, rsrp, sinr float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := sampleTpl(rsrp, sinr)
		s.Band = band
		s.Timestamp = time.Now().Add(-age)
		if err := st.Append(s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

// appendHistoryAtHour stores samples pinned to a specific hour of day.
func appendHistoryAtHour(t *testing.T, st *store.Store, band string, hour, n int, rsrp, sinr float64) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		s := sampleTpl(rsrp, sinr)
		s.Band = band
		s.Timestamp = time.Date(now.Year(), now.Month(), now.Day(), hour, i%60, 0, 0, time.Local)
		if err := st.Append(s); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestSmartSwitchPicksHighestMeanScore(t *testing.T) {
	router := &MockRouter{
		currentBand: "B7",
		samples: map[string]*pkg.SignalSample{
			"B3": sampleTpl(-85, 15),
			"B7": sampleTpl(-100, 5),
		},
	}
	engine, st := newTestEngine(t, router)

	appendHistory(t, st, "B3", 10, time.Minute, -85, 15)
	appendHistory(t, st, "B7", 10, time.Minute, -100, 5)

	if err := engine.SmartSwitch(context.Background()); err != nil {
		t.Fatalf("SmartSwitch: %v", err)
	}

	calls := router.switchCalls()
	if len(calls) != 1 {
		t.Fatalf("SetBand called %d times, want exactly 1", len(calls))
	}
	if calls[0] != "B3" {
		t.Errorf("switched to %q, want B3", calls[0])
	}
	if engine.CurrentBestBand() != "B3" {
		t.Errorf("CurrentBestBand = %q, want B3", engine.CurrentBestBand())
	}
}

func TestSmartSwitchNoOpWhenAlreadyBest(t *testing.T) {
	router := &MockRouter{
		currentBand: "B3",
		samples:     map[string]*pkg.SignalSample{"B3": sampleTpl(-85, 15)},
	}
	engine, st := newTestEngine(t, router)
	appendHistory(t, st, "B3", 5, time.Minute, -85, 15)

	if err := engine.SmartSwitch(context.Background()); err != nil {
		t.Fatalf("SmartSwitch: %v", err)
	}
	if calls := router.switchCalls(); len(calls) != 0 {
		t.Errorf("SetBand called %d times, want 0", len(calls))
	}
}

func TestSmartSwitchNoOpWithoutHistory(t *testing.T) {
	router := &MockRouter{currentBand: "B7"}
	engine, _ := newTestEngine(t, router)

	if err := engine.SmartSwitch(context.Background()); err != nil {
		t.Fatalf("SmartSwitch: %v", err)
	}
	if calls := router.switchCalls(); len(calls) != 0 {
		t.Errorf("SetBand called %d times, want 0", len(calls))
	}
}

func TestOnSampleTriggersSwitchOnDegradation(t *testing.T) {
	router := &MockRouter{
		currentBand: "B7",
		samples: map[string]*pkg.SignalSample{
			"B3": sampleTpl(-85, 15),
			"B7": sampleTpl(-120, -5),
		},
	}
	engine, st := newTestEngine(t, router)

	// Healthy hour of B3 history sets the floor.
	appendHistory(t, st, "B3", 10, 30*time.Minute, -85, 15)

	weak := sampleTpl(-120, -5)
	weak.Band = "B7"
	weak.Timestamp = time.Now()

	if err := engine.OnSample(context.Background(), weak); err != nil {
		t.Fatalf("OnSample: %v", err)
	}

	calls := router.switchCalls()
	if len(calls) != 1 || calls[0] != "B3" {
		t.Errorf("calls = %v, want exactly one switch to B3", calls)
	}
}

func TestOnSampleRespectsAutoSwitchToggle(t *testing.T) {
	router := &MockRouter{
		currentBand: "B7",
		samples:     map[string]*pkg.SignalSample{"B3": sampleTpl(-85, 15)},
	}
	engine, st := newTestEngine(t, router)
	engine.SetAutoSwitch(false)

	appendHistory(t, st, "B3", 10, 30*time.Minute, -85, 15)

	weak := sampleTpl(-120, -5)
	weak.Band = "B7"
	weak.Timestamp = time.Now()

	if err := engine.OnSample(context.Background(), weak); err != nil {
		t.Fatalf("OnSample: %v", err)
	}
	if calls := router.switchCalls(); len(calls) != 0 {
		t.Errorf("auto switch disabled but SetBand called: %v", calls)
	}
}

func TestOnSampleNoOpOnEmptyHistory(t *testing.T) {
	router := &MockRouter{currentBand: "B7"}
	engine, _ := newTestEngine(t, router)

	weak := sampleTpl(-120, -5)
	weak.Band = "B7"
	weak.Timestamp = time.Now()

	if err := engine.OnSample(context.Background(), weak); err != nil {
		t.Fatalf("OnSample: %v", err)
	}
	if calls := router.switchCalls(); len(calls) != 0 {
		t.Errorf("empty history but SetBand called: %v", calls)
	}
}

func TestOnSampleHealthyScoreDoesNotSwitch(t *testing.T) {
	router := &MockRouter{
		currentBand: "B3",
		samples:     map[string]*pkg.SignalSample{"B3": sampleTpl(-85, 15)},
	}
	engine, st := newTestEngine(t, router)
	appendHistory(t, st, "B3", 10, 30*time.Minute, -85, 15)

	healthy := sampleTpl(-85, 15)
	healthy.Band = "B3"
	healthy.Timestamp = time.Now()

	if err := engine.OnSample(context.Background(), healthy); err != nil {
		t.Fatalf("OnSample: %v", err)
	}
	if calls := router.switchCalls(); len(calls) != 0 {
		t.Errorf("healthy sample but SetBand called: %v", calls)
	}
}

func TestOptimizeForPeakHours(t *testing.T) {
	t.Run("peak hour selects by peak SINR", func(t *testing.T) {
		router := &MockRouter{
			currentBand: "B7",
			samples: map[string]*pkg.SignalSample{
				"B3": sampleTpl(-85, 20),
				"B7": sampleTpl(-90, 8),
			},
		}
		engine, st := newTestEngine(t, router)

		// B3 has the stronger peak-hour SINR, B7 the stronger off-peak.
		appendHistoryAtHour(t, st, "B3", 8, 5, -85, 20)
		appendHistoryAtHour(t, st, "B7", 8, 5, -90, 8)
		appendHistoryAtHour(t, st, "B7", 12, 5, -90, 25)

		now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.Local)
		if err := engine.OptimizeForPeakHours(context.Background(), now); err != nil {
			t.Fatalf("OptimizeForPeakHours: %v", err)
		}

		calls := router.switchCalls()
		if len(calls) != 1 || calls[0] != "B3" {
			t.Errorf("calls = %v, want one switch to B3", calls)
		}
	})

	t.Run("off-peak selects most stable band", func(t *testing.T) {
		router := &MockRouter{
			currentBand: "B3",
			samples: map[string]*pkg.SignalSample{
				"B3": sampleTpl(-85, 20),
				"B7": sampleTpl(-90, 10),
			},
		}
		engine, st := newTestEngine(t, router)

		// B3 swings wildly, B7 is flat. Off-peak prefers B7.
		appendHistory(t, st, "B3", 3, time.Minute, -85, 25)
		appendHistory(t, st, "B3", 3, time.Minute, -110, -5)
		appendHistory(t, st, "B7", 6, time.Minute, -90, 10)

		now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
		if err := engine.OptimizeForPeakHours(context.Background(), now); err != nil {
			t.Fatalf("OptimizeForPeakHours: %v", err)
		}

		calls := router.switchCalls()
		if len(calls) != 1 || calls[0] != "B7" {
			t.Errorf("calls = %v, want one switch to B7", calls)
		}
	})

	t.Run("no comparison data is a silent no-op", func(t *testing.T) {
		router := &MockRouter{currentBand: "B3"}
		engine, _ := newTestEngine(t, router)

		now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.Local)
		if err := engine.OptimizeForPeakHours(context.Background(), now); err != nil {
			t.Fatalf("OptimizeForPeakHours: %v", err)
		}
		if calls := router.switchCalls(); len(calls) != 0 {
			t.Errorf("no data but SetBand called: %v", calls)
		}
	})
}

func TestTestAllBands(t *testing.T) {
	router := &MockRouter{
		currentBand: "B7",
		samples: map[string]*pkg.SignalSample{
			"B3": sampleTpl(-85, 15),
			"B7": sampleTpl(-100, 5),
		},
	}
	engine, _ := newTestEngine(t, router)

	results, err := engine.TestAllBands(context.Background(), []string{"B3", "B7"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("TestAllBands: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, band := range []string{"B3", "B7"} {
		r := results[band]
		if r == nil || !r.Success {
			t.Fatalf("band %s not tested successfully: %+v", band, r)
		}
		if r.Performance.SampleCount == 0 {
			t.Errorf("band %s collected no samples", band)
		}
	}

	if engine.CurrentBestBand() != "B3" {
		t.Errorf("CurrentBestBand = %q, want B3", engine.CurrentBestBand())
	}
}

func TestTestAllBandsRecordsZeroSampleBandAsFailure(t *testing.T) {
	// B20 yields no signal at all; it must be recorded as failed and
	// excluded from the best-band selection.
	router := &MockRouter{
		currentBand: "B3",
		samples:     map[string]*pkg.SignalSample{"B3": sampleTpl(-85, 15)},
	}
	engine, _ := newTestEngine(t, router)

	results, err := engine.TestAllBands(context.Background(), []string{"B3", "B20"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("TestAllBands: %v", err)
	}

	if results["B20"].Success {
		t.Error("B20 yielded no samples but was marked successful")
	}
	if engine.CurrentBestBand() == "B20" {
		t.Error("failed band selected as best")
	}
}

func TestTestAllBandsRejectsUnknownBand(t *testing.T) {
	router := &MockRouter{currentBand: "B3"}
	engine, _ := newTestEngine(t, router)

	if _, err := engine.TestAllBands(context.Background(), []string{"B99"}, time.Millisecond); err == nil {
		t.Error("unknown band accepted")
	}
}
