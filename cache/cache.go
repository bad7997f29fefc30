// Package cache provides the in-memory, per-domain record cache.
//
// A Cache holds one Entry per record key. Reads are served from memory after
// the first load through the replicated store. Mutations are either written
// through to the store before returning or marked dirty and written back by
// the flush scheduler, depending on the cache's Policy.
//
// Locking: the structural lock guards the key map and the entry lock guards
// each entry. The two are never held at the same time. The entry lock is held
// across store I/O only on the write-through path. Write-back flushes of one
// entry are serialized by its flush lock, which is taken before the entry
// lock and held across the store write, so an older snapshot can never land
// after a newer one. A cleared entry is dropped from the map and replaced on
// next use.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/replica"
	"github.com/wolfeidau/replicache/store"
	"github.com/wolfeidau/replicache/telemetry"
	"golang.org/x/sync/singleflight"
)

// maxAttempts bounds retries against entries cleared or dirtied concurrently.
const maxAttempts = 5

// ErrEntryBusy is returned when an entry keeps changing while it is being
// evicted.
var ErrEntryBusy = errors.New("cache entry changed during eviction")

// Policy is the durability policy of a cache.
type Policy int

const (
	// WriteThrough persists every mutation before returning.
	WriteThrough Policy = iota
	// WriteBack marks mutations dirty and persists them on flush.
	WriteBack
)

func (p Policy) String() string {
	switch p {
	case WriteThrough:
		return "through"
	case WriteBack:
		return "back"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the policy file form of a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "through", "write-through":
		return WriteThrough, nil
	case "back", "write-back":
		return WriteBack, nil
	default:
		return 0, fmt.Errorf("unknown write policy %q", s)
	}
}

// Store is the replicated store a cache reads from and writes to.
// *replica.Facade implements it.
type Store interface {
	Read(ctx context.Context, id identity.Identity, key replicache.Key, opts replica.ReadOptions) replica.ReadResult
	Write(ctx context.Context, id identity.Identity, key replicache.Key, data []byte, opts replica.WriteOptions) error
}

// Config holds cache configuration.
type Config[R any] struct {
	// Name labels the cache in logs, metrics and diagnostics.
	Name string

	// Policy selects write-through or write-back.
	Policy Policy

	// Mode selects the read protocol used on a miss.
	Mode replica.Mode

	// TTL bounds how long a clean entry is served before it is reloaded.
	// Zero keeps entries until invalidated.
	TTL time.Duration

	// Backup preserves the prior record on every write.
	Backup bool

	// Codec serializes records. Defaults to store.JSON.
	Codec store.Codec

	// Empty returns the default record served when the store holds none.
	// Defaults to the zero value.
	Empty func() R

	// Clone returns a deep copy. Defaults to a round trip through Codec.
	Clone func(R) R

	// IsEmpty reports whether a record holds no data. Defaults to comparing
	// its encoding with the encoding of Empty().
	IsEmpty func(R) bool

	// Store is the replicated store. Required.
	Store Store

	// Logger for cache events.
	Logger *slog.Logger
}

// Cache is a keyed map of entries for one record type.
type Cache[R any] struct {
	config Config[R]
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[replicache.Key]*Entry[R]

	loads singleflight.Group
}

// New creates a cache.
func New[R any](cfg Config[R]) (*Cache[R], error) {
	if cfg.Name == "" {
		return nil, errors.New("cache name is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache %s: store is required", cfg.Name)
	}
	if cfg.Codec == nil {
		cfg.Codec = store.JSON
	}
	if cfg.Empty == nil {
		cfg.Empty = func() R {
			var zero R
			return zero
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache[R]{
		config:  cfg,
		logger:  cfg.Logger.With("cache", cfg.Name),
		now:     time.Now,
		entries: make(map[replicache.Key]*Entry[R]),
	}
	if c.config.Clone == nil {
		c.config.Clone = c.codecClone
	}
	if c.config.IsEmpty == nil {
		c.config.IsEmpty = c.encodesEmpty
	}
	return c, nil
}

// Name returns the cache name.
func (c *Cache[R]) Name() string { return c.config.Name }

// Policy returns the write policy.
func (c *Cache[R]) Policy() Policy { return c.config.Policy }

// Mode returns the read mode.
func (c *Cache[R]) Mode() replica.Mode { return c.config.Mode }

func (c *Cache[R]) codecClone(r R) R {
	data, err := c.config.Codec.Marshal(r)
	if err != nil {
		c.logger.Error("cloning record failed", "error", err)
		return c.config.Empty()
	}
	var out R
	if err := c.config.Codec.Unmarshal(data, &out); err != nil {
		c.logger.Error("cloning record failed", "error", err)
		return c.config.Empty()
	}
	return out
}

func (c *Cache[R]) encodesEmpty(r R) bool {
	got, err := c.config.Codec.Marshal(r)
	if err != nil {
		return false
	}
	want, err := c.config.Codec.Marshal(c.config.Empty())
	if err != nil {
		return false
	}
	return bytes.Equal(got, want) || string(got) == "null"
}

// emptyPayload reports whether a stored payload decodes to an empty record.
func (c *Cache[R]) emptyPayload(data []byte) bool {
	if len(bytes.TrimSpace(data)) == 0 {
		return true
	}
	var r R
	if err := c.config.Codec.Unmarshal(data, &r); err != nil {
		return false
	}
	return c.config.IsEmpty(r)
}

func (c *Cache[R]) lookup(key replicache.Key) *Entry[R] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

func (c *Cache[R]) lookupOrCreate(key replicache.Key) *Entry[R] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e
	}
	e := newEntry(key, c.config.Clone)
	c.entries[key] = e
	return e
}

func (c *Cache[R]) remove(key replicache.Key, e *Entry[R]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
}

func (c *Cache[R]) fresh(e *Entry[R]) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return c.freshLocked(e)
}

// freshLocked reports whether a loaded entry can be served without reload.
func (c *Cache[R]) freshLocked(e *Entry[R]) bool {
	if !e.initialized || e.cleared {
		return false
	}
	if e.dirty || c.config.TTL <= 0 {
		return true
	}
	return c.now().Sub(e.loadedAt) < c.config.TTL
}

// Get returns a copy of the record at key, loading it on a miss. A record
// the store does not hold yields Empty().
func (c *Cache[R]) Get(ctx context.Context, id identity.Identity, key replicache.Key) (R, error) {
	if err := key.Validate(); err != nil {
		return c.config.Empty(), err
	}

	if e := c.lookup(key); e != nil {
		e.mu.RLock()
		if c.freshLocked(e) {
			r, absent := c.config.Clone(e.record), e.absent
			e.mu.RUnlock()
			result := telemetry.CacheHit
			if absent {
				result = telemetry.CacheNegative
			}
			telemetry.RecordCacheLookup(ctx, c.config.Name, result)
			return r, nil
		}
		e.mu.RUnlock()
	}

	telemetry.RecordCacheLookup(ctx, c.config.Name, telemetry.CacheMiss)
	r, err := c.load(ctx, id, key)
	if err != nil {
		return c.config.Empty(), err
	}
	return c.config.Clone(r), nil
}

// loadGroup names the read protocol a load of key goes through. Loads that
// would read the same way share one store read; the first to install wins.
func (c *Cache[R]) loadGroup(id identity.Identity, key replicache.Key) string {
	view := "peer"
	if c.config.Mode == replica.ModeNetworkOnly {
		view = "network"
	} else if id.IsOwn(key) {
		view = "own"
	}
	return view + "|" + key.Path()
}

// load reads key from the store and installs it. Concurrent loads of one key
// through the same read protocol share a single store read.
func (c *Cache[R]) load(ctx context.Context, id identity.Identity, key replicache.Key) (R, error) {
	ch := c.loads.DoChan(c.loadGroup(id, key), func() (any, error) {
		return c.doLoad(context.WithoutCancel(ctx), id, key), nil
	})

	select {
	case res := <-ch:
		return res.Val.(R), nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (c *Cache[R]) doLoad(ctx context.Context, id identity.Identity, key replicache.Key) R {
	res := c.config.Store.Read(ctx, id, key, replica.ReadOptions{
		Mode:  c.config.Mode,
		Empty: c.emptyPayload,
	})

	record, absent := c.config.Empty(), true
	if res.Present {
		var decoded R
		if err := c.config.Codec.Unmarshal(res.Data, &decoded); err != nil {
			c.logger.Warn("decoding record failed, using empty record", "key", key.String(), "source", res.Source.String(), "error", err)
		} else {
			record, absent = decoded, false
		}
	}

	for range maxAttempts {
		e := c.lookupOrCreate(key)
		e.mu.Lock()
		if e.cleared {
			e.mu.Unlock()
			c.remove(key, e)
			continue
		}
		if !c.freshLocked(e) {
			e.initializeLocked(record, absent, c.now())
		}
		// a concurrent mutation may have initialized the entry first
		r := c.config.Clone(e.record)
		e.mu.Unlock()
		return r
	}
	return record
}

// Mutate applies fn to a copy of the record at key. Write-through caches
// persist the result before returning and leave the entry untouched if the
// write fails. Write-back caches mark the entry dirty and return at once.
func (c *Cache[R]) Mutate(ctx context.Context, id identity.Identity, key replicache.Key, fn func(R) (R, error)) (R, error) {
	if err := key.Validate(); err != nil {
		return c.config.Empty(), err
	}
	if !id.IsOwn(key) {
		return c.config.Empty(), fmt.Errorf("%s: writing %s as %q: %w", c.config.Name, key, id.Owner, replicache.ErrNotOwner)
	}

	for range maxAttempts {
		e := c.lookup(key)
		if e == nil || !c.fresh(e) {
			if _, err := c.load(ctx, id, key); err != nil {
				return c.config.Empty(), err
			}
			e = c.lookup(key)
			if e == nil {
				continue
			}
		}

		e.mu.Lock()
		if e.cleared || !e.initialized {
			cleared := e.cleared
			e.mu.Unlock()
			if cleared {
				c.remove(key, e)
			}
			continue
		}
		r, err := c.mutateLocked(ctx, id, e, fn)
		e.mu.Unlock()

		if errors.Is(err, replicache.ErrCacheInconsistency) {
			c.remove(key, e)
			c.logger.Warn("evicted inconsistent entry", "key", key.String())
			return r, nil
		}
		return r, err
	}
	return c.config.Empty(), fmt.Errorf("%s: mutating %s: %w", c.config.Name, key, ErrEntryBusy)
}

func (c *Cache[R]) mutateLocked(ctx context.Context, id identity.Identity, e *Entry[R], fn func(R) (R, error)) (R, error) {
	next, err := fn(c.config.Clone(e.record))
	if err != nil {
		return c.config.Empty(), err
	}

	policy := c.config.Policy.String()
	if c.config.Policy == WriteBack {
		e.updateLocked(next, id, c.now())
		telemetry.RecordCacheWrite(ctx, c.config.Name, policy, "deferred")
		return c.config.Clone(next), nil
	}

	data, err := c.config.Codec.Marshal(next)
	if err != nil {
		return c.config.Empty(), fmt.Errorf("%s: encoding %s: %w", c.config.Name, e.key, err)
	}

	prev := e.saveLocked()
	version := e.updateLocked(next, id, c.now())

	if err := c.config.Store.Write(ctx, id, e.key, data, replica.WriteOptions{Backup: c.config.Backup}); err != nil {
		e.restoreLocked(prev)
		telemetry.RecordCacheWrite(ctx, c.config.Name, policy, "error")
		return c.config.Empty(), fmt.Errorf("%s: writing %s: %w", c.config.Name, e.key, err)
	}
	telemetry.RecordCacheWrite(ctx, c.config.Name, policy, "success")

	if e.cleared || e.version != version {
		e.clearLocked()
		return c.config.Clone(next), fmt.Errorf("%s: %s: %w", c.config.Name, e.key, replicache.ErrCacheInconsistency)
	}
	e.dirty = false
	return c.config.Clone(next), nil
}

// Put replaces the record at key.
func (c *Cache[R]) Put(ctx context.Context, id identity.Identity, key replicache.Key, record R) error {
	_, err := c.Mutate(ctx, id, key, func(R) (R, error) {
		return c.config.Clone(record), nil
	})
	return err
}

// flushEntry persists a dirty entry. It reports whether a write was made.
func (c *Cache[R]) flushEntry(ctx context.Context, e *Entry[R]) (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	record, version, dirty, writer := e.Snapshot()
	if !dirty {
		return false, nil
	}

	data, err := c.config.Codec.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("%s: encoding %s: %w", c.config.Name, e.key, err)
	}
	if err := c.config.Store.Write(ctx, writer, e.key, data, replica.WriteOptions{Backup: c.config.Backup}); err != nil {
		return false, fmt.Errorf("%s: flushing %s: %w", c.config.Name, e.key, err)
	}
	if !e.MarkClean(version) {
		c.logger.Debug("entry changed during flush, keeping dirty", "key", e.key.String())
	}
	return true, nil
}

func (c *Cache[R]) snapshotEntries(match func(replicache.Key) bool) []*Entry[R] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]*Entry[R], 0, len(c.entries))
	for k, e := range c.entries {
		if match == nil || match(k) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key.Path() < entries[j].key.Path()
	})
	return entries
}

func (c *Cache[R]) flush(ctx context.Context, match func(replicache.Key) bool) (int, error) {
	var (
		flushed int
		errs    []error
	)
	for _, e := range c.snapshotEntries(match) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := c.flushEntry(ctx, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			flushed++
		}
	}

	failed := len(errs)
	telemetry.RecordFlushEntries(ctx, c.config.Name, flushed, failed)
	if failed > 0 {
		c.logger.Warn("flush incomplete", "flushed", flushed, "failed", failed)
	} else if flushed > 0 {
		c.logger.Debug("flushed entries", "flushed", flushed)
	}
	return flushed, errors.Join(errs...)
}

// FlushNow writes every dirty entry. Entries that fail stay dirty for the
// next flush.
func (c *Cache[R]) FlushNow(ctx context.Context) (int, error) {
	return c.flush(ctx, nil)
}

// FlushUser writes every dirty entry of owner.
func (c *Cache[R]) FlushUser(ctx context.Context, owner string) (int, error) {
	return c.flush(ctx, func(k replicache.Key) bool { return k.Owner == owner })
}

// evict flushes e if dirty and then removes it. An entry that cannot be
// flushed is kept and the error returned.
func (c *Cache[R]) evict(ctx context.Context, e *Entry[R]) error {
	for range maxAttempts {
		e.mu.Lock()
		if e.cleared {
			e.mu.Unlock()
			c.remove(e.key, e)
			return nil
		}
		if !e.dirty {
			e.clearLocked()
			e.mu.Unlock()
			c.remove(e.key, e)
			return nil
		}
		e.mu.Unlock()

		if _, err := c.flushEntry(ctx, e); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: evicting %s: %w", c.config.Name, e.key, ErrEntryBusy)
}

func (c *Cache[R]) invalidate(ctx context.Context, match func(replicache.Key) bool) error {
	var errs []error
	for _, e := range c.snapshotEntries(match) {
		if err := c.evict(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate flushes and evicts the entries of owner. An empty period matches
// every period.
func (c *Cache[R]) Invalidate(ctx context.Context, owner, period string) error {
	return c.invalidate(ctx, func(k replicache.Key) bool {
		return k.Owner == owner && (period == "" || k.Period == period)
	})
}

// InvalidateKey flushes and evicts the entry at key.
func (c *Cache[R]) InvalidateKey(ctx context.Context, key replicache.Key) error {
	return c.invalidate(ctx, func(k replicache.Key) bool { return k == key })
}

// InvalidateAll flushes and evicts every entry.
func (c *Cache[R]) InvalidateAll(ctx context.Context) error {
	return c.invalidate(ctx, nil)
}

// Reload re-reads every clean entry from the store. Dirty entries and entries
// changed while their read was in flight are left alone.
func (c *Cache[R]) Reload(ctx context.Context, id identity.Identity) (int, error) {
	reloaded := 0
	for _, e := range c.snapshotEntries(nil) {
		if err := ctx.Err(); err != nil {
			return reloaded, err
		}

		_, version, dirty, _ := e.Snapshot()
		if dirty || !e.IsValid() {
			continue
		}

		res := c.config.Store.Read(ctx, id, e.key, replica.ReadOptions{
			Mode:  c.config.Mode,
			Empty: c.emptyPayload,
		})
		record, absent := c.config.Empty(), true
		if res.Present {
			var decoded R
			if err := c.config.Codec.Unmarshal(res.Data, &decoded); err != nil {
				c.logger.Warn("decoding record failed, keeping cached record", "key", e.key.String(), "error", err)
				continue
			}
			record, absent = decoded, false
		}

		e.mu.Lock()
		if !e.cleared && !e.dirty && e.version == version {
			e.initializeLocked(record, absent, c.now())
			reloaded++
		}
		e.mu.Unlock()
	}

	c.logger.Debug("reloaded entries", "reloaded", reloaded)
	return reloaded, nil
}

// Close flushes every dirty entry and then clears the cache.
func (c *Cache[R]) Close(ctx context.Context) error {
	return c.InvalidateAll(ctx)
}

// Stats is a point in time summary of a cache.
type Stats struct {
	Name      string        `json:"name"`
	Policy    string        `json:"policy"`
	Mode      string        `json:"mode"`
	Entries   int           `json:"entries"`
	Dirty     int           `json:"dirty"`
	Absent    int           `json:"absent"`
	OldestAge time.Duration `json:"oldest_age"`
	NewestAge time.Duration `json:"newest_age"`
}

// Stats summarises the cache.
func (c *Cache[R]) Stats() Stats {
	s := Stats{
		Name:   c.config.Name,
		Policy: c.config.Policy.String(),
		Mode:   c.config.Mode.String(),
	}
	now := c.now()
	first := true
	for _, e := range c.snapshotEntries(nil) {
		e.mu.RLock()
		if e.initialized && !e.cleared {
			s.Entries++
			if e.dirty {
				s.Dirty++
			}
			if e.absent {
				s.Absent++
			}
			age := now.Sub(e.lastUpdated)
			if first || age > s.OldestAge {
				s.OldestAge = age
			}
			if first || age < s.NewestAge {
				s.NewestAge = age
			}
			first = false
		}
		e.mu.RUnlock()
	}
	return s
}

// Diagnostics returns a one line summary of the cache for operators.
func (c *Cache[R]) Diagnostics() string {
	s := c.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s): %d entries, %d dirty, %d absent", s.Name, s.Policy, s.Mode, s.Entries, s.Dirty, s.Absent)
	if s.Entries > 0 {
		fmt.Fprintf(&b, ", oldest %s, newest %s", s.OldestAge.Round(time.Second), s.NewestAge.Round(time.Second))
	}
	return b.String()
}
