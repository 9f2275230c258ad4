// Package audit keeps the human-readable trail of every band switch the
// engine decides on: a plain log file, a CSV, and an in-memory window for
// quick stats. This complements the bbolt history, which is the machine-
// queried record.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// Trail records switch decisions as they happen.
type Trail struct {
	mu         sync.RWMutex
	logger     *logx.Logger
	records    []*pkg.SwitchDecision
	maxRecords int
	logFile    string
	csvFile    string
}

// Stats summarizes the recorded decisions.
type Stats struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	ByTrigger map[string]int `json:"by_trigger"`
}

// NewTrail creates the audit trail under logDir.
func NewTrail(logDir string, maxRecords int, logger *logx.Logger) *Trail {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger.Error("failed to create audit log directory", "error", err, "path", logDir)
	}

	return &Trail{
		logger:     logger,
		records:    make([]*pkg.SwitchDecision, 0, maxRecords),
		maxRecords: maxRecords,
		logFile:    filepath.Join(logDir, "decision_audit.log"),
		csvFile:    filepath.Join(logDir, "decision_audit.csv"),
	}
}

// Record appends one decision to the trail. File write failures are logged
// but never propagate; losing an audit row must not affect a switch.
func (t *Trail) Record(decision *pkg.SwitchDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, decision)
	if len(t.records) > t.maxRecords {
		t.records = t.records[len(t.records)-t.maxRecords:]
	}

	if err := t.writeLogLine(decision); err != nil {
		t.logger.Error("failed to write audit log line", "error", err)
	}
	if err := t.writeCSVRow(decision); err != nil {
		t.logger.Error("failed to write audit csv row", "error", err)
	}

	t.logger.Info("switch decision recorded",
		"trigger", decision.Trigger,
		"from", decision.FromBand,
		"to", decision.ToBand,
		"success", decision.Success,
	)
}

// Recent returns decisions after since, oldest first.
func (t *Trail) Recent(since time.Time) []*pkg.SwitchDecision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*pkg.SwitchDecision
	for _, d := range t.records {
		if d.Timestamp.After(since) {
			out = append(out, d)
		}
	}
	return out
}

// GetStats summarizes all decisions currently held in memory.
func (t *Trail) GetStats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{ByTrigger: make(map[string]int)}
	for _, d := range t.records {
		stats.Total++
		if d.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		stats.ByTrigger[d.Trigger]++
	}
	return stats
}

func (t *Trail) writeLogLine(d *pkg.SwitchDecision) error {
	f, err := os.OpenFile(t.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s | %s -> %s | %v | %s\n",
		d.Timestamp.Format(time.RFC3339),
		d.Trigger, d.FromBand, d.ToBand, d.Success, d.Reasoning,
	)
	_, err = f.WriteString(line)
	return err
}

func (t *Trail) writeCSVRow(d *pkg.SwitchDecision) error {
	if _, err := os.Stat(t.csvFile); os.IsNotExist(err) {
		if err := t.writeCSVHeader(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(t.csvFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	return w.Write([]string{
		d.Timestamp.Format(time.RFC3339),
		d.Trigger,
		d.FromBand,
		d.ToBand,
		fmt.Sprintf("%v", d.Success),
		d.Reasoning,
		d.Error,
	})
}

func (t *Trail) writeCSVHeader() error {
	f, err := os.Create(t.csvFile)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write([]string{"Timestamp", "Trigger", "FromBand", "ToBand", "Success", "Reasoning", "Error"})
}
