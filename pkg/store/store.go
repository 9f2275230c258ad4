// Package store persists the signal sample history and answers the
// windowed aggregate queries the decision engine runs against it.
//
// Two synchronized representations are kept: a flat CSV log (the tabular
// form chart rendering consumes) and a JSON array mirror with the same
// fields. Appends are append-only; the only destructive operation is
// whole-file rotation to a backup path once the CSV exceeds the size limit.
package store

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

var csvHeader = []string{
	"timestamp", "band", "rsrp", "rsrq", "sinr", "rssi",
	"cell_id", "plmn", "signal_quality", "bandwidth_score",
}

// Store is the metric store. One writer (the monitor loop) and any number
// of readers; Append and Rotate are mutually exclusive on the same mutex.
type Store struct {
	mu     sync.RWMutex
	logger *logx.Logger

	csvPath    string
	jsonPath   string
	maxLogSize int64

	// In-memory mirror of the current log generation, reset on rotation.
	samples []*pkg.SignalSample

	appendCount int
	rotations   int
}

// Config holds the store's file locations and retention threshold.
type Config struct {
	CSVPath    string
	JSONPath   string
	MaxLogSize int64 // bytes; <= 0 disables rotation
}

// New opens (or creates) the metric log. An existing CSV is reloaded into
// the memory mirror; malformed rows are skipped rather than failing startup.
func New(cfg Config, logger *logx.Logger) (*Store, error) {
	if cfg.CSVPath == "" || cfg.JSONPath == "" {
		return nil, fmt.Errorf("%w: metric log paths not set", pkg.ErrConfiguration)
	}

	for _, p := range []string{cfg.CSVPath, cfg.JSONPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create log directory: %v", pkg.ErrPersistence, err)
		}
	}

	s := &Store{
		logger:     logger,
		csvPath:    cfg.CSVPath,
		jsonPath:   cfg.JSONPath,
		maxLogSize: cfg.MaxLogSize,
	}

	if err := s.initCSV(); err != nil {
		return nil, err
	}
	s.loadExisting()

	logger.Info("metric store opened",
		"csv_path", cfg.CSVPath,
		"json_path", cfg.JSONPath,
		"recovered_samples", len(s.samples),
	)

	return s, nil
}

// Append durably records one sample. Rotation is checked first, so a log
// already over the limit is rotated away before the new sample lands in the
// fresh generation. I/O errors are returned to the caller; the sample is
// not retried.
func (s *Store) Append(sample *pkg.SignalSample) error {
	if sample == nil {
		return fmt.Errorf("%w: nil sample", pkg.ErrConfiguration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxLogSize > 0 {
		if info, err := os.Stat(s.csvPath); err == nil && info.Size() > s.maxLogSize {
			if err := s.rotateLocked(); err != nil {
				s.logger.Error("log rotation failed", "error", err)
				return err
			}
		}
	}

	if err := s.appendCSV(sample); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrPersistence, err)
	}

	s.samples = append(s.samples, sample)
	s.appendCount++

	if err := s.writeJSONMirror(); err != nil {
		// The CSV row is already durable; report the mirror failure but
		// keep the sample in memory so the next append repairs the mirror.
		return fmt.Errorf("%w: json mirror: %v", pkg.ErrPersistence, err)
	}

	return nil
}

// Summary aggregates all samples with timestamps in [now-window, now].
// Zero matching samples returns a summary with Total == 0, not an error.
func (s *Store) Summary(window time.Duration) *pkg.MetricsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &pkg.MetricsSummary{
		Window:           window,
		QualityHistogram: make(map[pkg.QualityClass]int),
	}

	cutoff := time.Now().Add(-window)
	var sumRSRP, sumRSRQ, sumSINR, sumScore float64
	bandScores := make(map[string][]float64)

	for _, sample := range s.samples {
		if sample.Timestamp.Before(cutoff) {
			continue
		}
		summary.Total++
		sumRSRP += sample.RSRP
		sumRSRQ += sample.RSRQ
		sumSINR += sample.SINR
		sumScore += sample.BandwidthScore
		summary.QualityHistogram[sample.SignalQuality]++
		bandScores[sample.Band] = append(bandScores[sample.Band], sample.BandwidthScore)
	}

	if summary.Total == 0 {
		return summary
	}

	n := float64(summary.Total)
	summary.AvgRSRP = sumRSRP / n
	summary.AvgRSRQ = sumRSRQ / n
	summary.AvgSINR = sumSINR / n
	summary.AvgBandwidthScore = sumScore / n

	bestScore, worstScore := -1.0, 2.0
	for band, scores := range bandScores {
		summary.Bands = append(summary.Bands, band)
		var sum float64
		for _, v := range scores {
			sum += v
		}
		mean := sum / float64(len(scores))
		if mean > bestScore {
			bestScore = mean
			summary.BestBand = band
		}
		if mean < worstScore {
			worstScore = mean
			summary.WorstBand = band
		}
	}

	return summary
}

// PerBandAggregate groups stored samples by band and computes the full
// statistics view. A window <= 0 covers the whole current generation.
// Idempotent between appends; empty groups are simply absent from the map.
func (s *Store) PerBandAggregate(window time.Duration) map[string]*pkg.BandStats {
	grouped := s.BandSamples(window)

	out := make(map[string]*pkg.BandStats, len(grouped))
	for band, samples := range grouped {
		stats := &pkg.BandStats{Band: band, Count: len(samples)}

		stats.RSRP = fieldStats(samples, func(s *pkg.SignalSample) float64 { return s.RSRP })
		stats.RSRQ = fieldStats(samples, func(s *pkg.SignalSample) float64 { return s.RSRQ })
		stats.SINR = fieldStats(samples, func(s *pkg.SignalSample) float64 { return s.SINR })
		stats.RSSI = fieldStats(samples, func(s *pkg.SignalSample) float64 { return s.RSSI })
		stats.BandwidthScore = fieldStats(samples, func(s *pkg.SignalSample) float64 { return s.BandwidthScore })
		stats.ModalQualityClass = modalClass(samples)

		out[band] = stats
	}

	return out
}

// BandSamples returns the stored samples grouped by band, windowed the same
// way as PerBandAggregate. The returned slices alias the stored samples,
// which are immutable after append.
func (s *Store) BandSamples(window time.Duration) map[string][]*pkg.SignalSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	grouped := make(map[string][]*pkg.SignalSample)
	for _, sample := range s.samples {
		if window > 0 && sample.Timestamp.Before(cutoff) {
			continue
		}
		grouped[sample.Band] = append(grouped[sample.Band], sample)
	}
	return grouped
}

// Count returns the number of samples in the current log generation.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Rotations returns how many times the log has been rotated.
func (s *Store) Rotations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotations
}

// CSVPath exposes the tabular log location for chart rendering.
func (s *Store) CSVPath() string {
	return s.csvPath
}

// Rotate forces a rotation regardless of size. Used by retention tooling;
// the automatic path runs inside Append.
func (s *Store) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Store) rotateLocked() error {
	if err := os.Rename(s.csvPath, s.csvPath+".backup"); err != nil {
		return fmt.Errorf("%w: backup csv: %v", pkg.ErrPersistence, err)
	}
	if _, err := os.Stat(s.jsonPath); err == nil {
		if err := os.Rename(s.jsonPath, s.jsonPath+".backup"); err != nil {
			return fmt.Errorf("%w: backup json: %v", pkg.ErrPersistence, err)
		}
	}

	s.samples = nil
	s.appendCount = 0
	s.rotations++

	if err := s.initCSV(); err != nil {
		return err
	}

	s.logger.Info("metric log rotated",
		"backup", s.csvPath+".backup",
		"rotations", s.rotations,
	)
	return nil
}

// initCSV creates the CSV with its header when missing.
func (s *Store) initCSV() error {
	if _, err := os.Stat(s.csvPath); err == nil {
		return nil
	}

	f, err := os.Create(s.csvPath)
	if err != nil {
		return fmt.Errorf("%w: create csv: %v", pkg.ErrPersistence, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("%w: write csv header: %v", pkg.ErrPersistence, err)
	}
	return nil
}

func (s *Store) appendCSV(sample *pkg.SignalSample) error {
	f, err := os.OpenFile(s.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	row := []string{
		sample.Timestamp.Format(time.RFC3339),
		sample.Band,
		formatFloat(sample.RSRP),
		formatFloat(sample.RSRQ),
		formatFloat(sample.SINR),
		formatFloat(sample.RSSI),
		sample.CellID,
		sample.PLMN,
		string(sample.SignalQuality),
		strconv.FormatFloat(sample.BandwidthScore, 'f', 4, 64),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// writeJSONMirror rewrites the JSON array atomically via temp file + rename.
func (s *Store) writeJSONMirror() error {
	data, err := json.MarshalIndent(s.samples, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.jsonPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.jsonPath)
}

// loadExisting rebuilds the memory mirror from the CSV. Malformed rows are
// skipped so a corrupted log degrades to partial history, never a crash.
func (s *Store) loadExisting() {
	f, err := os.Open(s.csvPath)
	if err != nil {
		return
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		s.logger.Warn("metric log unreadable, starting with empty history", "error", err)
		return
	}

	skipped := 0
	for i, row := range rows {
		if i == 0 || len(row) < len(csvHeader) {
			continue
		}
		sample, err := parseRow(row)
		if err != nil {
			skipped++
			continue
		}
		s.samples = append(s.samples, sample)
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed metric rows", "count", skipped)
	}
}

func parseRow(row []string) (*pkg.SignalSample, error) {
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return nil, err
	}

	fields := make([]float64, 4)
	for i, col := range []int{2, 3, 4, 5} {
		v, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}

	score, err := strconv.ParseFloat(row[9], 64)
	if err != nil {
		return nil, err
	}

	return &pkg.SignalSample{
		Timestamp:      ts,
		Band:           row[1],
		RSRP:           fields[0],
		RSRQ:           fields[1],
		SINR:           fields[2],
		RSSI:           fields[3],
		CellID:         row[6],
		PLMN:           row[7],
		SignalQuality:  pkg.QualityClass(row[8]),
		BandwidthScore: score,
	}, nil
}

func fieldStats(samples []*pkg.SignalSample, get func(*pkg.SignalSample) float64) pkg.FieldStats {
	if len(samples) == 0 {
		return pkg.FieldStats{}
	}

	stats := pkg.FieldStats{Min: get(samples[0]), Max: get(samples[0])}
	var sum float64
	for _, s := range samples {
		v := get(s)
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = sum / float64(len(samples))

	var sumSq float64
	for _, s := range samples {
		d := get(s) - stats.Mean
		sumSq += d * d
	}
	stats.Std = math.Sqrt(sumSq / float64(len(samples)))

	return stats
}

func modalClass(samples []*pkg.SignalSample) pkg.QualityClass {
	counts := make(map[pkg.QualityClass]int)
	for _, s := range samples {
		counts[s.SignalQuality]++
	}

	var modal pkg.QualityClass
	best := -1
	for class, n := range counts {
		if n > best || (n == best && class.Rank() > modal.Rank()) {
			best = n
			modal = class
		}
	}
	return modal
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
