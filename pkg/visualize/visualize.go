// Package visualize renders PNG charts and CSV exports from the recorded
// history. The core never inspects the produced files; paths are returned
// for the caller to report.
package visualize

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/wcharczuk/go-chart/v2"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// maxChartPoints caps series length; longer histories are downsampled.
const maxChartPoints = 1500

// Renderer writes charts into the output directory.
type Renderer struct {
	outDir string
	logger *logx.Logger
}

// NewRenderer creates a renderer rooted at outDir.
func NewRenderer(outDir string, logger *logx.Logger) *Renderer {
	return &Renderer{outDir: outDir, logger: logger}
}

// SignalTimeline renders RSRP and SINR over time for the given samples and
// returns the file path.
func (r *Renderer) SignalTimeline(samples []*pkg.SignalSample, name string) (string, error) {
	if len(samples) < 2 {
		return "", fmt.Errorf("not enough samples for a timeline (%d)", len(samples))
	}

	samples = downsample(samples, maxChartPoints)

	times := make([]time.Time, len(samples))
	rsrp := make([]float64, len(samples))
	sinr := make([]float64, len(samples))
	for i, s := range samples {
		times[i] = s.Timestamp
		rsrp[i] = s.RSRP
		sinr[i] = s.SINR
	}

	graph := chart.Chart{
		Title:  "Signal timeline",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "time",
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "SINR (dB)",
		},
		YAxisSecondary: chart.YAxis{
			Name: "RSRP (dBm)",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "SINR",
				XValues: times,
				YValues: sinr,
			},
			chart.TimeSeries{
				Name:    "RSRP",
				YAxis:   chart.YAxisSecondary,
				XValues: times,
				YValues: rsrp,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	path := filepath.Join(r.outDir, name)
	if err := r.renderPNG(graph, path); err != nil {
		return "", err
	}

	r.logger.Info("timeline rendered", "path", path, "points", len(samples))
	return path, nil
}

// BandComparison renders a bar chart of mean bandwidth score per band.
func (r *Renderer) BandComparison(stats map[string]*pkg.BandStats, name string) (string, error) {
	if len(stats) == 0 {
		return "", fmt.Errorf("no band statistics to chart")
	}

	bands := make([]string, 0, len(stats))
	for band := range stats {
		bands = append(bands, band)
	}
	sort.Strings(bands)

	bars := make([]chart.Value, 0, len(bands))
	for _, band := range bands {
		bars = append(bars, chart.Value{
			Label: band,
			Value: stats[band].BandwidthScore.Mean,
		})
	}

	graph := chart.BarChart{
		Title:    "Mean bandwidth score by band",
		Width:    1024,
		Height:   600,
		BarWidth: 60,
		Bars:     bars,
	}

	path := filepath.Join(r.outDir, name)
	if err := r.ensureOutDir(); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create chart file: %w", err)
	}
	defer f.Close()

	if err := graph.Render(chart.PNG, f); err != nil {
		return "", fmt.Errorf("render band comparison: %w", err)
	}

	r.logger.Info("band comparison rendered", "path", path, "bands", len(bars))
	return path, nil
}

// ExportCSV writes the samples as a standalone CSV for external tooling.
func (r *Renderer) ExportCSV(samples []*pkg.SignalSample, name string) (string, error) {
	if err := r.ensureOutDir(); err != nil {
		return "", err
	}

	path := filepath.Join(r.outDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"timestamp", "band", "rsrp", "rsrq", "sinr", "rssi", "bandwidth_score"}); err != nil {
		return "", err
	}
	for _, s := range samples {
		err := w.Write([]string{
			s.Timestamp.Format(time.RFC3339),
			s.Band,
			strconv.FormatFloat(s.RSRP, 'f', 2, 64),
			strconv.FormatFloat(s.RSRQ, 'f', 2, 64),
			strconv.FormatFloat(s.SINR, 'f', 2, 64),
			strconv.FormatFloat(s.RSSI, 'f', 2, 64),
			strconv.FormatFloat(s.BandwidthScore, 'f', 4, 64),
		})
		if err != nil {
			return "", err
		}
	}

	w.Flush()
	return path, w.Error()
}

func (r *Renderer) renderPNG(graph chart.Chart, path string) error {
	if err := r.ensureOutDir(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart file: %w", err)
	}
	defer f.Close()

	if err := graph.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func (r *Renderer) ensureOutDir() error {
	if err := os.MkdirAll(r.outDir, 0o755); err != nil {
		return fmt.Errorf("create chart directory: %w", err)
	}
	return nil
}

// downsample keeps every nth sample so charts stay readable and fast.
func downsample(samples []*pkg.SignalSample, max int) []*pkg.SignalSample {
	if len(samples) <= max {
		return samples
	}
	step := len(samples) / max
	if step < 2 {
		step = 2
	}
	out := make([]*pkg.SignalSample, 0, max)
	for i := 0; i < len(samples); i += step {
		out = append(out, samples[i])
	}
	return out
}
