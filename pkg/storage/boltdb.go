package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/kioskd/pkg/types"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"
)

var (
	// Bucket names
	bucketCrashReports = []byte("crash_reports")
	bucketReverts      = []byte("reverts")
)

// revertKeyLayout sorts lexically in time order
const revertKeyLayout = "20060102T150405.000000000Z"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates the journal at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCrashReports, bucketReverts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Crash report operations
func (s *BoltStore) QueueCrashReport(report *types.CrashReport) error {
	if report.ID == "" {
		return fmt.Errorf("crash report has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCrashReports)
		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		return b.Put([]byte(report.ID), data)
	})
}

// PendingCrashReports returns queued reports, oldest first. Entries that fail
// to decode are skipped and reported in the returned error alongside the
// readable ones.
func (s *BoltStore) PendingCrashReports() ([]*types.CrashReport, error) {
	var reports []*types.CrashReport
	var decodeErr error
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCrashReports)
		return b.ForEach(func(k, v []byte) error {
			var report types.CrashReport
			if err := json.Unmarshal(v, &report); err != nil {
				decodeErr = multierr.Append(decodeErr, fmt.Errorf("crash report %s: %w", k, err))
				return nil
			}
			reports = append(reports, &report)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, decodeErr
}

func (s *BoltStore) DeleteCrashReport(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCrashReports)
		return b.Delete([]byte(id))
	})
}

// Revert operations
func (s *BoltStore) RecordRevert(record *types.RevertRecord) error {
	if record.At.IsZero() {
		record.At = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReverts)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		// Reverts in the same nanosecond get a sequence suffix
		key := revertKey(record.At)
		for b.Get(key) != nil {
			seq, _ := b.NextSequence()
			key = append(revertKey(record.At), []byte(fmt.Sprintf("-%d", seq))...)
		}
		return b.Put(key, data)
	})
}

// RevertsSince returns reverts recorded at or after t, oldest first
func (s *BoltStore) RevertsSince(t time.Time) ([]*types.RevertRecord, error) {
	var records []*types.RevertRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReverts).Cursor()
		for k, v := c.Seek(revertKey(t)); k != nil; k, v = c.Next() {
			var record types.RevertRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("revert %s: %w", k, err)
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// PruneReverts deletes reverts recorded before the cutoff and returns how many
// were removed
func (s *BoltStore) PruneReverts(before time.Time) (int, error) {
	removed := 0
	cutoff := revertKey(before)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReverts)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func revertKey(t time.Time) []byte {
	return []byte(t.UTC().Format(revertKeyLayout))
}
