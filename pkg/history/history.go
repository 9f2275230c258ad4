// Package history persists band test results and switch decisions across
// restarts in a small bbolt database, so the engine can answer "when did
// we last test B7" without replaying the metric log.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

var (
	bucketBandTests = []byte("band_tests")
	bucketDecisions = []byte("switch_decisions")
)

// Store is the persistent decision history.
type Store struct {
	db     *bolt.DB
	logger *logx.Logger
}

// Open creates or opens the database at path.
func Open(path string, logger *logx.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBandTests, bucketDecisions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history buckets: %w", err)
	}

	logger.Info("history db opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// PutBandTest stores the latest test result for a band, keyed by band ID so
// LastBandTests always reflects the most recent run.
func (s *Store) PutBandTest(result *pkg.BandTestResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBandTests).Put([]byte(result.Band), data)
	})
}

// LastBandTests returns the most recent test result per band.
func (s *Store) LastBandTests() (map[string]*pkg.BandTestResult, error) {
	out := make(map[string]*pkg.BandTestResult)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBandTests).ForEach(func(k, v []byte) error {
			var result pkg.BandTestResult
			if err := json.Unmarshal(v, &result); err != nil {
				s.logger.Warn("skipping corrupt band test record", "band", string(k), "error", err)
				return nil
			}
			out[string(k)] = &result
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutDecision appends a switch decision, keyed by RFC3339Nano timestamp so
// bucket order is chronological.
func (s *Store) PutDecision(decision *pkg.SwitchDecision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	key := []byte(decision.Timestamp.UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDecisions).Put(key, data)
	})
}

// RecentDecisions returns decisions at or after since, oldest first.
func (s *Store) RecentDecisions(since time.Time) ([]*pkg.SwitchDecision, error) {
	var out []*pkg.SwitchDecision
	min := []byte(since.UTC().Format(time.RFC3339Nano))

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDecisions).Cursor()
		for k, v := c.Seek(min); k != nil; k, v = c.Next() {
			var d pkg.SwitchDecision
			if err := json.Unmarshal(v, &d); err != nil {
				continue
			}
			out = append(out, &d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastDecision returns the newest decision, or nil when none exist.
func (s *Store) LastDecision() (*pkg.SwitchDecision, error) {
	var out *pkg.SwitchDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketDecisions).Cursor().Last()
		if v == nil {
			return nil
		}
		var d pkg.SwitchDecision
		if err := json.Unmarshal(v, &d); err != nil {
			return nil
		}
		out = &d
		return nil
	})
	return out, err
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
