package visualize

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

func chartSamples(n int) []*pkg.SignalSample {
	out := make([]*pkg.SignalSample, n)
	base := time.Now().Add(-time.Duration(n) * time.Minute)
	for i := range out {
		out[i] = &pkg.SignalSample{
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			Band:           "B3",
			RSRP:           -85 - float64(i%10),
			RSRQ:           -10,
			SINR:           15 - float64(i%5),
			RSSI:           -60,
			BandwidthScore: 0.7,
		}
	}
	return out
}

func TestSignalTimelineRendersPNG(t *testing.T) {
	r := NewRenderer(t.TempDir(), logx.NewLogger("error", "viz-test"))

	path, err := r.SignalTimeline(chartSamples(30), "timeline.png")
	if err != nil {
		t.Fatalf("SignalTimeline: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("chart file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("chart file is empty")
	}
}

func TestSignalTimelineRejectsTooFewSamples(t *testing.T) {
	r := NewRenderer(t.TempDir(), logx.NewLogger("error", "viz-test"))
	if _, err := r.SignalTimeline(chartSamples(1), "timeline.png"); err == nil {
		t.Error("single sample accepted for timeline")
	}
}

func TestBandComparisonRendersPNG(t *testing.T) {
	r := NewRenderer(t.TempDir(), logx.NewLogger("error", "viz-test"))

	stats := map[string]*pkg.BandStats{
		"B3": {Band: "B3", Count: 10, BandwidthScore: pkg.FieldStats{Mean: 0.8}},
		"B7": {Band: "B7", Count: 10, BandwidthScore: pkg.FieldStats{Mean: 0.5}},
	}

	path, err := r.BandComparison(stats, "bands.png")
	if err != nil {
		t.Fatalf("BandComparison: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("chart file missing or empty: %v", err)
	}
}

func TestExportCSV(t *testing.T) {
	r := NewRenderer(t.TempDir(), logx.NewLogger("error", "viz-test"))

	path, err := r.ExportCSV(chartSamples(5), "export.csv")
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 6 {
		t.Errorf("export has %d lines, want header + 5 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,band") {
		t.Errorf("unexpected header: %q", lines[0])
	}
}

func TestDownsampleCapsPoints(t *testing.T) {
	samples := chartSamples(5000)
	out := downsample(samples, maxChartPoints)
	if len(out) > maxChartPoints {
		t.Errorf("downsample kept %d points, cap is %d", len(out), maxChartPoints)
	}
	if out[0] != samples[0] {
		t.Error("downsample dropped the first sample")
	}
}
