package cache

import (
	"sync"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/identity"
)

// Entry holds one record and its sync metadata. All fields are guarded by
// mu; callers only ever see copies of the record. flushMu serializes flushes
// of the entry from snapshot to MarkClean and is always taken before mu.
type Entry[R any] struct {
	mu      sync.RWMutex
	flushMu sync.Mutex
	key     replicache.Key
	clone   func(R) R

	record      R
	initialized bool
	absent      bool
	dirty       bool
	cleared     bool
	writer      identity.Identity
	loadedAt    time.Time
	lastUpdated time.Time
	version     uint64
}

func newEntry[R any](key replicache.Key, clone func(R) R) *Entry[R] {
	return &Entry[R]{key: key, clone: clone}
}

// Key returns the record key.
func (e *Entry[R]) Key() replicache.Key { return e.key }

// initializeLocked replaces the record with one loaded from the store and
// marks the entry clean. absent records that the store held nothing.
func (e *Entry[R]) initializeLocked(record R, absent bool, now time.Time) {
	e.record = e.clone(record)
	e.initialized = true
	e.absent = absent
	e.dirty = false
	e.cleared = false
	e.loadedAt = now
	e.lastUpdated = now
	e.version++
}

// updateLocked replaces the record with a pending change by writer and
// returns the new version.
func (e *Entry[R]) updateLocked(record R, writer identity.Identity, now time.Time) uint64 {
	e.record = e.clone(record)
	e.initialized = true
	e.absent = false
	e.dirty = true
	e.writer = writer
	e.lastUpdated = now
	e.version++
	return e.version
}

// Get returns a copy of the record and whether the entry holds loaded data.
func (e *Entry[R]) Get() (R, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		var zero R
		return zero, false
	}
	return e.clone(e.record), true
}

// IsValid reports whether the entry has been loaded and not cleared.
func (e *Entry[R]) IsValid() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized && !e.cleared
}

// IsDirty reports whether the entry has changes not yet persisted.
func (e *Entry[R]) IsDirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// Absent reports whether the entry caches the absence of a record.
func (e *Entry[R]) Absent() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized && e.absent
}

// Version returns the mutation counter.
func (e *Entry[R]) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Snapshot returns a copy of the record with its version, dirty flag and
// last writer, taken atomically.
func (e *Entry[R]) Snapshot() (R, uint64, bool, identity.Identity) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clone(e.record), e.version, e.dirty, e.writer
}

// MarkClean clears the dirty flag if version is still current. A change made
// while the flush was in flight keeps the entry dirty.
func (e *Entry[R]) MarkClean(version uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleared || e.version != version {
		return false
	}
	e.dirty = false
	return true
}

// Clear resets every field. A cleared entry is never reused.
func (e *Entry[R]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Entry[R]) clearLocked() {
	var zero R
	e.record = zero
	e.initialized = false
	e.absent = false
	e.dirty = false
	e.cleared = true
	e.writer = identity.Identity{}
	e.loadedAt = time.Time{}
	e.lastUpdated = time.Time{}
}

type entryState[R any] struct {
	record      R
	initialized bool
	absent      bool
	dirty       bool
	writer      identity.Identity
	loadedAt    time.Time
	lastUpdated time.Time
	version     uint64
}

func (e *Entry[R]) saveLocked() entryState[R] {
	return entryState[R]{
		record:      e.record,
		initialized: e.initialized,
		absent:      e.absent,
		dirty:       e.dirty,
		writer:      e.writer,
		loadedAt:    e.loadedAt,
		lastUpdated: e.lastUpdated,
		version:     e.version,
	}
}

func (e *Entry[R]) restoreLocked(s entryState[R]) {
	e.record = s.record
	e.initialized = s.initialized
	e.absent = s.absent
	e.dirty = s.dirty
	e.writer = s.writer
	e.loadedAt = s.loadedAt
	e.lastUpdated = s.lastUpdated
	e.version = s.version
}
