package logx

import (
	"sync"
	"time"
)

// slowOpThreshold is when a tracked operation gets logged individually.
// Device round trips normally finish well under this.
const slowOpThreshold = 3 * time.Second

// OpStats aggregates timings for one named operation.
type OpStats struct {
	Name   string        `json:"name"`
	Count  int64         `json:"count"`
	Errors int64         `json:"errors"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Avg    time.Duration `json:"avg"`
	total  time.Duration
}

// OpTracker records how long named operations take, so slow router calls
// show up in the logs before they show up as user complaints.
type OpTracker struct {
	mu     sync.Mutex
	logger *Logger
	stats  map[string]*OpStats
}

// NewOpTracker creates a tracker reporting through the given logger.
func NewOpTracker(logger *Logger) *OpTracker {
	return &OpTracker{logger: logger, stats: make(map[string]*OpStats)}
}

// Track times fn under the given operation name.
func (t *OpTracker) Track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.record(name, time.Since(start), err)
	return err
}

func (t *OpTracker) record(name string, d time.Duration, err error) {
	t.mu.Lock()
	s, ok := t.stats[name]
	if !ok {
		s = &OpStats{Name: name, Min: d}
		t.stats[name] = s
	}
	s.Count++
	s.total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Avg = s.total / time.Duration(s.Count)
	if err != nil {
		s.Errors++
	}
	avg := s.Avg
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("operation failed", "op", name, "duration", d.String(), "error", err)
		return
	}
	if d > slowOpThreshold {
		t.logger.Warn("slow operation", "op", name, "duration", d.String(), "avg", avg.String())
	}
}

// Snapshot copies the current stats for reporting.
func (t *OpTracker) Snapshot() map[string]OpStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OpStats, len(t.stats))
	for name, s := range t.stats {
		out[name] = *s
	}
	return out
}
