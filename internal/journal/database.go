// Package journal persists processed scans, batch summaries and the frames
// the detector could not read.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/scan-pipeline/internal/barcode"
	"github.com/zombor/scan-pipeline/internal/batch"
)

const (
	scansBucketName     = "scans"
	summariesBucketName = "summaries"
)

// Entry is one processed scan
type Entry struct {
	ID         string             `json:"id"`
	Scan       barcode.ScanResult `json:"scan"`
	SessionID  string             `json:"session_id,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// DB defines the interface for journal storage
type DB interface {
	// SaveEntry stores a processed scan, replacing one with the same ID
	SaveEntry(entry *Entry) error

	// GetEntry retrieves a scan by ID
	GetEntry(id string) (*Entry, error)

	// ListEntries returns all scans, oldest first
	ListEntries() ([]*Entry, error)

	// DeleteEntry removes a scan
	DeleteEntry(id string) error

	// SaveSummary stores a finished batch session's summary
	SaveSummary(summary *batch.Summary) error

	// GetSummary retrieves a summary by session ID
	GetSummary(sessionID string) (*batch.Summary, error)

	// ListSummaries returns all summaries, oldest first
	ListSummaries() ([]*batch.Summary, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements DB using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB opens or creates the journal at path
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(scansBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(summariesBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveEntry stores a processed scan
func (b *BoltDB) SaveEntry(entry *Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		return tx.Bucket([]byte(scansBucketName)).Put([]byte(entry.ID), data)
	})
}

// GetEntry retrieves a scan by ID
func (b *BoltDB) GetEntry(id string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(scansBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("entry not found: %s", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListEntries returns all scans ordered by when they were recorded
func (b *BoltDB) ListEntries() ([]*Entry, error) {
	entries := make([]*Entry, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(scansBucketName)).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
	return entries, nil
}

// DeleteEntry removes a scan
func (b *BoltDB) DeleteEntry(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(scansBucketName)).Delete([]byte(id))
	})
}

// SaveSummary stores a batch summary keyed by session ID
func (b *BoltDB) SaveSummary(summary *batch.Summary) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshaling summary: %w", err)
		}
		return tx.Bucket([]byte(summariesBucketName)).Put([]byte(summary.SessionID), data)
	})
}

// GetSummary retrieves a batch summary
func (b *BoltDB) GetSummary(sessionID string) (*batch.Summary, error) {
	var summary *batch.Summary
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(summariesBucketName)).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("summary not found: %s", sessionID)
		}
		return json.Unmarshal(data, &summary)
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// ListSummaries returns all batch summaries ordered by start time
func (b *BoltDB) ListSummaries() ([]*batch.Summary, error) {
	summaries := make([]*batch.Summary, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(summariesBucketName)).ForEach(func(k, v []byte) error {
			var summary batch.Summary
			if err := json.Unmarshal(v, &summary); err != nil {
				return fmt.Errorf("unmarshaling summary: %w", err)
			}
			summaries = append(summaries, &summary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].StartTime.Before(summaries[j].StartTime)
	})
	return summaries, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
