// Package archive keeps a long-horizon copy of every sample in sqlite.
// The CSV metric log rotates away after a megabyte; the archive is what
// multi-day charts and band statistics are drawn from.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// Store is the sqlite-backed sample archive.
type Store struct {
	db            *sql.DB
	logger        *logx.Logger
	retentionDays int
}

// DailyBandStats is one band's aggregate for one calendar day.
type DailyBandStats struct {
	Day               string  `json:"day"` // YYYY-MM-DD local
	Band              string  `json:"band"`
	Samples           int     `json:"samples"`
	AvgRSRP           float64 `json:"avg_rsrp"`
	AvgSINR           float64 `json:"avg_sinr"`
	AvgBandwidthScore float64 `json:"avg_bandwidth_score"`
}

// Open creates or opens the archive database.
func Open(path string, retentionDays int, logger *logx.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	s := &Store{db: db, logger: logger, retentionDays: retentionDays}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sample archive opened", "path", path, "retention_days", retentionDays)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		band TEXT NOT NULL,
		rsrp REAL NOT NULL,
		rsrq REAL NOT NULL,
		sinr REAL NOT NULL,
		rssi REAL NOT NULL,
		cell_id TEXT,
		plmn TEXT,
		signal_quality TEXT,
		bandwidth_score REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples(timestamp);
	CREATE INDEX IF NOT EXISTS idx_samples_band ON samples(band);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// InsertSample archives one sample. Failures are non-fatal to the caller;
// the CSV log remains the primary record.
func (s *Store) InsertSample(sample *pkg.SignalSample) error {
	_, err := s.db.Exec(`
		INSERT INTO samples (timestamp, band, rsrp, rsrq, sinr, rssi, cell_id, plmn, signal_quality, bandwidth_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.Timestamp.UTC().Format(time.RFC3339),
		sample.Band, sample.RSRP, sample.RSRQ, sample.SINR, sample.RSSI,
		sample.CellID, sample.PLMN, string(sample.SignalQuality), sample.BandwidthScore,
	)
	if err != nil {
		return fmt.Errorf("%w: archive insert: %v", pkg.ErrPersistence, err)
	}
	return nil
}

// SamplesSince returns archived samples at or after t, oldest first.
func (s *Store) SamplesSince(t time.Time) ([]*pkg.SignalSample, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, band, rsrp, rsrq, sinr, rssi, cell_id, plmn, signal_quality, bandwidth_score
		FROM samples WHERE timestamp >= ? ORDER BY timestamp`,
		t.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer rows.Close()

	var out []*pkg.SignalSample
	for rows.Next() {
		var sample pkg.SignalSample
		var ts, quality string
		err := rows.Scan(&ts, &sample.Band, &sample.RSRP, &sample.RSRQ, &sample.SINR,
			&sample.RSSI, &sample.CellID, &sample.PLMN, &quality, &sample.BandwidthScore)
		if err != nil {
			return nil, err
		}
		if sample.Timestamp, err = time.Parse(time.RFC3339, ts); err != nil {
			continue
		}
		sample.SignalQuality = pkg.QualityClass(quality)
		out = append(out, &sample)
	}
	return out, rows.Err()
}

// BandDailyStats aggregates the last N days per band and day.
func (s *Store) BandDailyStats(days int) ([]DailyBandStats, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT date(timestamp) AS day, band, COUNT(*),
		       AVG(rsrp), AVG(sinr), AVG(bandwidth_score)
		FROM samples WHERE timestamp >= ?
		GROUP BY day, band ORDER BY day, band`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("archive stats query: %w", err)
	}
	defer rows.Close()

	var out []DailyBandStats
	for rows.Next() {
		var st DailyBandStats
		if err := rows.Scan(&st.Day, &st.Band, &st.Samples, &st.AvgRSRP, &st.AvgSINR, &st.AvgBandwidthScore); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Prune deletes samples older than the retention window. Run periodically
// by the monitor loop.
func (s *Store) Prune() (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM samples WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("archive pruned", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Count returns the number of archived samples.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
