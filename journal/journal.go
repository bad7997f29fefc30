// Package journal records which record keys still need their Network copy
// repaired. Entries survive restarts so reconciliation can find every key
// whose Network leg was skipped or failed.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/store"
	"go.etcd.io/bbolt"
)

// FileName is the journal file created under the Local root.
const FileName = "journal.db"

// Reasons recorded on pending entries.
const (
	ReasonUnavailable = "network unavailable"
	ReasonWriteFailed = "network write failed"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("journal entry not found")

var (
	bucketPending = []byte("pending") // key path -> PendingEntry JSON
	bucketWrites  = []byte("writes")  // key path -> WriteEntry JSON
)

// PendingEntry describes a key whose Network copy is behind Local.
type PendingEntry struct {
	Key       replicache.Key `json:"key"`
	Reason    string         `json:"reason"`
	LastError string         `json:"last_error,omitempty"`
	Since     time.Time      `json:"since"`
	Attempts  int            `json:"attempts"`
}

// WriteEntry records the last successful write per location.
type WriteEntry struct {
	LocalAt     time.Time `json:"local_at,omitzero"`
	NetworkAt   time.Time `json:"network_at,omitzero"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Journal is a bbolt backed sync journal.
type Journal struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger for the journal.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// New creates a journal. Call Open before use.
func New(opts ...Option) *Journal {
	j := &Journal{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Open opens the journal database at path.
func (j *Journal) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	j.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketWrites} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	j.logger.Debug("opened journal", "path", path, "noSync", j.noSync)
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	j.logger.Debug("closing journal")
	return j.db.Close()
}

// MarkPending records that the Network copy of key is behind Local. Marking
// an already pending key keeps its original Since and counts another attempt.
func (j *Journal) MarkPending(_ context.Context, key replicache.Key, reason string, cause error) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPending)
		id := []byte(key.Path())

		entry := PendingEntry{Key: key, Since: j.now().UTC()}
		if val := bucket.Get(id); val != nil {
			if err := json.Unmarshal(val, &entry); err != nil {
				j.logger.Warn("replacing unreadable pending entry", "key", key.String(), "error", err)
				entry = PendingEntry{Key: key, Since: j.now().UTC()}
			}
		}
		entry.Reason = reason
		entry.Attempts++
		entry.LastError = ""
		if cause != nil {
			entry.LastError = cause.Error()
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding pending entry: %w", err)
		}
		if err := bucket.Put(id, data); err != nil {
			return fmt.Errorf("putting pending entry: %w", err)
		}
		return nil
	})
}

// ClearPending removes the pending mark of key. Clearing a key that is not
// pending is not an error.
func (j *Journal) ClearPending(_ context.Context, key replicache.Key) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(key.Path()))
	})
}

// ListPending returns the pending entries of owner ordered by key path. An
// empty owner lists every pending entry.
func (j *Journal) ListPending(_ context.Context, owner string) ([]PendingEntry, error) {
	var prefix []byte
	if owner != "" {
		prefix = []byte(replicache.OwnerPrefix(owner))
	}

	var entries []PendingEntry
	err := j.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketPending).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var entry PendingEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				j.logger.Warn("skipping unreadable pending entry", "path", string(k), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// CountPending returns the number of pending entries.
func (j *Journal) CountPending(_ context.Context) (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// RecordWrite notes a successful write of key to every location in locs, all
// in one transaction. A write that reached Network also clears the pending
// mark of key.
func (j *Journal) RecordWrite(_ context.Context, key replicache.Key, hash replicache.Hash, locs ...store.Location) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWrites)
		id := []byte(key.Path())

		var entry WriteEntry
		if val := bucket.Get(id); val != nil {
			if err := json.Unmarshal(val, &entry); err != nil {
				entry = WriteEntry{}
			}
		}

		now := j.now().UTC()
		for _, loc := range locs {
			switch loc {
			case store.Local:
				entry.LocalAt = now
			case store.Network:
				entry.NetworkAt = now
				if err := tx.Bucket(bucketPending).Delete(id); err != nil {
					return fmt.Errorf("clearing pending entry: %w", err)
				}
			}
		}
		entry.ContentHash = hash.String()

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding write entry: %w", err)
		}
		return bucket.Put(id, data)
	})
}

// LastWrite returns the write entry of key. Returns ErrNotFound if key was
// never written.
func (j *Journal) LastWrite(_ context.Context, key replicache.Key) (WriteEntry, error) {
	var entry WriteEntry
	err := j.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketWrites).Get([]byte(key.Path()))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	return entry, err
}
