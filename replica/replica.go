// Package replica implements the read-fallback and write-replication protocol
// over the Local and Network record stores.
//
// Own records are read from Local first, then from Network (bootstrapping
// Local in the background), then default to empty. Peer records are read from
// Network only. Writes go to Local, which must succeed, and then to Network
// on a best effort basis.
package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/bridge"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/journal"
	"github.com/wolfeidau/replicache/store"
	"github.com/wolfeidau/replicache/telemetry"
)

// Mode selects the read protocol.
type Mode int

const (
	// ModeOwnFallback reads own records Local, then Network, then empty.
	ModeOwnFallback Mode = iota
	// ModeNetworkOnly always reads Network and never bootstraps Local.
	ModeNetworkOnly
)

func (m Mode) String() string {
	switch m {
	case ModeOwnFallback:
		return "own-fallback"
	case ModeNetworkOnly:
		return "network-only"
	default:
		return "unknown"
	}
}

// ParseMode parses the policy file form of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "own-fallback":
		return ModeOwnFallback, nil
	case "network-only":
		return ModeNetworkOnly, nil
	default:
		return 0, fmt.Errorf("unknown read mode %q", s)
	}
}

// Source is the location that satisfied a read.
type Source int

const (
	SourceNone Source = iota
	SourceLocal
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceNetwork:
		return "network"
	default:
		return "none"
	}
}

// ReadOptions configures one read.
type ReadOptions struct {
	Mode Mode
	// Empty reports whether a payload holds no data. Defaults to a payload
	// that is blank once whitespace is trimmed.
	Empty func(data []byte) bool
}

// ReadResult is the outcome of a read. Data is nil when Present is false.
type ReadResult struct {
	Data    []byte
	Source  Source
	Present bool
	// Sync is the bootstrap started by a Network fallback read, nil otherwise.
	Sync *bridge.Task
}

// WriteOptions configures one write.
type WriteOptions struct {
	// Backup preserves the prior content of each location before overwrite.
	Backup bool
}

// Journal records Network legs that need repair.
type Journal interface {
	MarkPending(ctx context.Context, key replicache.Key, reason string, cause error) error
	// RecordWrite notes successful writes; one that reached Network clears
	// the pending mark.
	RecordWrite(ctx context.Context, key replicache.Key, hash replicache.Hash, locs ...store.Location) error
}

// Facade is the replicated store. Callers serialize writes to the same key.
// The Local leg of a write is also serialized with bridge copies of that key.
type Facade struct {
	store   store.RecordStore
	checker availability.Checker
	bridge  *bridge.Bridge
	journal Journal
	logger  *slog.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the logger for the facade.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) {
		f.logger = logger
	}
}

// WithJournal records skipped and failed Network legs in j.
func WithJournal(j Journal) Option {
	return func(f *Facade) {
		f.journal = j
	}
}

// New creates a facade. checker is consulted immediately before every
// Network access.
func New(s store.RecordStore, checker availability.Checker, b *bridge.Bridge, opts ...Option) *Facade {
	f := &Facade{
		store:   s,
		checker: checker,
		bridge:  b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Read returns the record at key. Absence and unreachability degrade to an
// empty result; Read never fails.
func (f *Facade) Read(ctx context.Context, id identity.Identity, key replicache.Key, opts ReadOptions) ReadResult {
	res, _ := f.read(ctx, id, key, opts)
	return res
}

// ReadStrict is Read but reports replicache.ErrNetworkUnavailable when the
// result is empty because Network could not be reached, so callers can tell
// an unreachable peer from an absent record.
func (f *Facade) ReadStrict(ctx context.Context, id identity.Identity, key replicache.Key, opts ReadOptions) (ReadResult, error) {
	return f.read(ctx, id, key, opts)
}

func (f *Facade) read(ctx context.Context, id identity.Identity, key replicache.Key, opts ReadOptions) (ReadResult, error) {
	isEmpty := opts.Empty
	if isEmpty == nil {
		isEmpty = blank
	}

	mode := opts.Mode.String()
	if opts.Mode == ModeOwnFallback && !id.IsOwn(key) {
		mode = "peer"
	}

	if opts.Mode == ModeNetworkOnly || !id.IsOwn(key) {
		res, err := f.readNetwork(ctx, key, isEmpty)
		telemetry.RecordStoreRead(ctx, mode, res.Source.String())
		return res, err
	}

	if data, ok := f.readAt(ctx, store.Local, key, isEmpty); ok {
		telemetry.RecordStoreRead(ctx, mode, SourceLocal.String())
		return ReadResult{Data: data, Source: SourceLocal, Present: true}, nil
	}

	res, err := f.readNetwork(ctx, key, isEmpty)
	if res.Present {
		res.Sync = f.bridge.SyncToLocal(ctx, key, bridge.KeepLocal(func(local []byte) bool {
			return !isEmpty(local)
		}))
	}
	telemetry.RecordStoreRead(ctx, mode, res.Source.String())
	return res, err
}

func (f *Facade) readNetwork(ctx context.Context, key replicache.Key, isEmpty func([]byte) bool) (ReadResult, error) {
	if !f.checker.Available(ctx) {
		f.logger.Debug("network unavailable, returning empty record", "key", key.String())
		return ReadResult{}, fmt.Errorf("reading %s: %w", key, replicache.ErrNetworkUnavailable)
	}
	if data, ok := f.readAt(ctx, store.Network, key, isEmpty); ok {
		return ReadResult{Data: data, Source: SourceNetwork, Present: true}, nil
	}
	return ReadResult{}, nil
}

func (f *Facade) readAt(ctx context.Context, loc store.Location, key replicache.Key, isEmpty func([]byte) bool) ([]byte, bool) {
	data, err := f.store.Read(ctx, loc, key)
	switch {
	case err == nil:
		if isEmpty(data) {
			return nil, false
		}
		return data, true
	case errors.Is(err, store.ErrNotFound):
		f.logger.Debug("record not found", "location", loc.String(), "key", key.String())
	default:
		f.logger.Warn("record read failed", "location", loc.String(), "key", key.String(), "error", err)
	}
	return nil, false
}

// Write stores data at key. The Local write must succeed; the Network write
// is attempted only when Network is reachable and its failure is logged and
// journaled, never returned.
func (f *Facade) Write(ctx context.Context, id identity.Identity, key replicache.Key, data []byte, opts WriteOptions) error {
	if !id.IsOwn(key) {
		return fmt.Errorf("writing %s as %q: %w", key, id.Owner, replicache.ErrNotOwner)
	}

	if err := f.writeLocal(ctx, key, data, opts.Backup); err != nil {
		return fmt.Errorf("%w: %s: %w", replicache.ErrLocalWrite, key, err)
	}
	hash := replicache.HashBytes(data)

	if !f.checker.Available(ctx) {
		f.logger.Debug("network unavailable, skipping network write", "key", key.String())
		telemetry.RecordNetworkWrite(ctx, "skipped")
		f.recordWrite(ctx, key, hash, store.Local)
		f.markPending(ctx, key, journal.ReasonUnavailable, nil)
		return nil
	}

	if err := f.store.Write(ctx, store.Network, key, data, opts.Backup); err != nil {
		err = fmt.Errorf("%w: %s: %w", replicache.ErrNetworkWrite, key, err)
		f.logger.Warn("network write failed", "key", key.String(), "error", err)
		telemetry.RecordNetworkWrite(ctx, "error")
		f.recordWrite(ctx, key, hash, store.Local)
		f.markPending(ctx, key, journal.ReasonWriteFailed, err)
		return nil
	}

	telemetry.RecordNetworkWrite(ctx, "success")
	f.recordWrite(ctx, key, hash, store.Local, store.Network)
	return nil
}

func (f *Facade) writeLocal(ctx context.Context, key replicache.Key, data []byte, backup bool) error {
	unlock := f.bridge.Lock(key)
	defer unlock()
	return f.store.Write(ctx, store.Local, key, data, backup)
}

// PushNetwork copies the Local record of key to Network. It is the repair
// path for journaled keys and reports every failure.
func (f *Facade) PushNetwork(ctx context.Context, id identity.Identity, key replicache.Key) error {
	if !id.IsOwn(key) {
		return fmt.Errorf("pushing %s as %q: %w", key, id.Owner, replicache.ErrNotOwner)
	}
	if !f.checker.Available(ctx) {
		return fmt.Errorf("pushing %s: %w", key, replicache.ErrNetworkUnavailable)
	}

	data, err := f.store.Read(ctx, store.Local, key)
	if err != nil {
		return fmt.Errorf("reading local record %s: %w", key, err)
	}
	if err := f.store.Write(ctx, store.Network, key, data, true); err != nil {
		f.markPending(ctx, key, journal.ReasonWriteFailed, err)
		return fmt.Errorf("%w: %s: %w", replicache.ErrNetworkWrite, key, err)
	}

	if f.journal != nil {
		if err := f.journal.RecordWrite(ctx, key, replicache.HashBytes(data), store.Network); err != nil {
			return fmt.Errorf("journaling network write %s: %w", key, err)
		}
	}
	return nil
}

func (f *Facade) markPending(ctx context.Context, key replicache.Key, reason string, cause error) {
	if f.journal == nil {
		return
	}
	if err := f.journal.MarkPending(ctx, key, reason, cause); err != nil {
		f.logger.Warn("journaling network write failed", "key", key.String(), "error", err)
	}
}

func (f *Facade) recordWrite(ctx context.Context, key replicache.Key, hash replicache.Hash, locs ...store.Location) {
	if f.journal == nil {
		return
	}
	if err := f.journal.RecordWrite(ctx, key, hash, locs...); err != nil {
		f.logger.Warn("journaling write failed", "key", key.String(), "error", err)
	}
}

func blank(data []byte) bool {
	return len(bytes.TrimSpace(data)) == 0
}

var _ Journal = (*journal.Journal)(nil)
