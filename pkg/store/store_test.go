package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
	"github.com/bandwatch/bandwatch/pkg/scoring"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{
		CSVPath:    filepath.Join(dir, "signal_metrics.csv"),
		JSONPath:   filepath.Join(dir, "signal_metrics.json"),
		MaxLogSize: maxSize,
	}, logx.NewLogger("error", "store-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testSample(band string, age time.Duration, rsrp, sinr float64) *pkg.SignalSample {
	sample := &pkg.SignalSample{
		Timestamp: time.Now().Add(-age),
		Band:      band,
		RSRP:      rsrp,
		RSRQ:      -10,
		SINR:      sinr,
		RSSI:      -60,
		CellID:    "12345",
		PLMN:      "24001",
	}
	return scoring.Score(sample)
}

func TestAppendAndSummaryRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)

	const n = 10
	for i := 0; i < n; i++ {
		if err := s.Append(testSample("B3", time.Duration(i)*time.Minute, -85, 15)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	summary := s.Summary(time.Hour)
	if summary.Total != n {
		t.Errorf("Total = %d, want %d", summary.Total, n)
	}
	if len(summary.Bands) != 1 || summary.Bands[0] != "B3" {
		t.Errorf("Bands = %v, want [B3]", summary.Bands)
	}
	if summary.BestBand != "B3" || summary.WorstBand != "B3" {
		t.Errorf("best/worst = %q/%q, want B3/B3", summary.BestBand, summary.WorstBand)
	}
}

func TestSummaryExcludesSamplesOutsideWindow(t *testing.T) {
	s := newTestStore(t, 0)

	if err := s.Append(testSample("B3", 2*time.Hour, -85, 15)); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(testSample("B3", time.Minute, -85, 15)); err != nil {
		t.Fatal(err)
	}

	summary := s.Summary(time.Hour)
	if summary.Total != 1 {
		t.Errorf("Total = %d, want 1 (old sample excluded)", summary.Total)
	}
}

func TestSummaryEmptyWindowIsNotAnError(t *testing.T) {
	s := newTestStore(t, 0)

	summary := s.Summary(time.Hour)
	if summary == nil {
		t.Fatal("Summary returned nil")
	}
	if summary.Total != 0 {
		t.Errorf("Total = %d, want 0", summary.Total)
	}
}

func TestSummaryBestWorstBand(t *testing.T) {
	s := newTestStore(t, 0)

	for i := 0; i < 5; i++ {
		if err := s.Append(testSample("B3", time.Minute, -85, 15)); err != nil {
			t.Fatal(err)
		}
		if err := s.Append(testSample("B7", time.Minute, -100, 5)); err != nil {
			t.Fatal(err)
		}
	}

	summary := s.Summary(time.Hour)
	if summary.BestBand != "B3" {
		t.Errorf("BestBand = %q, want B3", summary.BestBand)
	}
	if summary.WorstBand != "B7" {
		t.Errorf("WorstBand = %q, want B7", summary.WorstBand)
	}
}

func TestPerBandAggregateIdempotent(t *testing.T) {
	s := newTestStore(t, 0)

	for i := 0; i < 4; i++ {
		if err := s.Append(testSample("B3", time.Minute, -85+float64(i), 15)); err != nil {
			t.Fatal(err)
		}
	}

	first := s.PerBandAggregate(0)
	second := s.PerBandAggregate(0)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("PerBandAggregate not idempotent between appends")
	}

	stats := first["B3"]
	if stats == nil {
		t.Fatal("missing B3 aggregate")
	}
	if stats.Count != 4 {
		t.Errorf("Count = %d, want 4", stats.Count)
	}
	if stats.RSRP.Min != -85 || stats.RSRP.Max != -82 {
		t.Errorf("RSRP min/max = %v/%v, want -85/-82", stats.RSRP.Min, stats.RSRP.Max)
	}
	if stats.ModalQualityClass == "" {
		t.Error("modal quality class not set")
	}
}

func TestJSONMirrorMatchesAppends(t *testing.T) {
	s := newTestStore(t, 0)

	for i := 0; i < 3; i++ {
		if err := s.Append(testSample("B20", time.Minute, -95, 8)); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(s.jsonPath)
	if err != nil {
		t.Fatalf("read json mirror: %v", err)
	}

	var mirror []pkg.SignalSample
	if err := json.Unmarshal(data, &mirror); err != nil {
		t.Fatalf("unmarshal mirror: %v", err)
	}
	if len(mirror) != 3 {
		t.Errorf("mirror has %d records, want 3", len(mirror))
	}
	if mirror[0].Band != "B20" {
		t.Errorf("mirror band = %q, want B20", mirror[0].Band)
	}
}

func TestRotation(t *testing.T) {
	// Small limit so a handful of appends crosses it.
	s := newTestStore(t, 256)

	for i := 0; i < 20; i++ {
		if err := s.Append(testSample("B3", time.Minute, -85, 15)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if s.Rotations() == 0 {
		t.Fatal("expected at least one rotation")
	}

	// Post-rotation the count restarts from the fresh generation.
	if s.Count() >= 20 {
		t.Errorf("Count = %d, want fewer than 20 after rotation", s.Count())
	}

	// Old data must be recoverable from the backup path.
	backup, err := os.ReadFile(s.csvPath + ".backup")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !strings.Contains(string(backup), "B3") {
		t.Error("backup does not contain rotated samples")
	}

	// The live CSV restarts with just the header plus the new generation.
	live, err := os.ReadFile(s.csvPath)
	if err != nil {
		t.Fatalf("read live csv: %v", err)
	}
	if !strings.HasPrefix(string(live), "timestamp,band,rsrp") {
		t.Error("rotated CSV missing header")
	}
}

func TestStartupRecoverySkipsMalformedRows(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "signal_metrics.csv")

	content := strings.Join([]string{
		"timestamp,band,rsrp,rsrq,sinr,rssi,cell_id,plmn,signal_quality,bandwidth_score",
		time.Now().Format(time.RFC3339) + ",B3,-85.00,-10.00,15.00,-60.00,12345,24001,good,0.7500",
		"not-a-timestamp,B3,x,y,z,w,12345,24001,good,oops",
		time.Now().Format(time.RFC3339) + ",B7,-100.00,-12.00,5.00,-70.00,12345,24001,fair,0.4500",
	}, "\n") + "\n"
	if err := os.WriteFile(csvPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{
		CSVPath:  csvPath,
		JSONPath: filepath.Join(dir, "signal_metrics.json"),
	}, logx.NewLogger("error", "store-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if s.Count() != 2 {
		t.Errorf("recovered %d samples, want 2 (malformed row skipped)", s.Count())
	}
}

func TestBandSamplesGrouping(t *testing.T) {
	s := newTestStore(t, 0)

	if err := s.Append(testSample("B3", time.Minute, -85, 15)); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(testSample("B7", time.Minute, -100, 5)); err != nil {
		t.Fatal(err)
	}

	grouped := s.BandSamples(0)
	if len(grouped) != 2 {
		t.Fatalf("got %d bands, want 2", len(grouped))
	}
	if len(grouped["B3"]) != 1 || len(grouped["B7"]) != 1 {
		t.Errorf("unexpected grouping: B3=%d B7=%d", len(grouped["B3"]), len(grouped["B7"]))
	}
}
