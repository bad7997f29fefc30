// Package bridge copies records from the Network store to the Local store in
// the background. Concurrent requests for the same key share one copy.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/store"
	"github.com/wolfeidau/replicache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Outcome describes what a sync did.
type Outcome string

const (
	// OutcomeCopied means Local was written with the Network content.
	OutcomeCopied Outcome = "copied"
	// OutcomeUnchanged means Local already held identical content.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeKept means Local held content the caller chose to keep.
	OutcomeKept Outcome = "kept"
	// OutcomeMissing means there was nothing on Network to copy.
	OutcomeMissing Outcome = "missing"
	// OutcomeFailed means the copy failed. See Task.Err.
	OutcomeFailed Outcome = "error"
)

// Task is the handle of one requested sync.
type Task struct {
	key     replicache.Key
	done    chan struct{}
	outcome Outcome
	err     error
}

// Key returns the key being synced.
func (t *Task) Key() replicache.Key { return t.key }

// Done is closed when the sync finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the sync error once the task is done, nil before.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Outcome returns the result of a finished task, "" before.
func (t *Task) Outcome() Outcome {
	select {
	case <-t.done:
		return t.outcome
	default:
		return ""
	}
}

// Wait blocks until the task finishes, the timeout elapses or ctx is done.
// On timeout it returns replicache.ErrSyncTimeout; the copy carries on and the
// caller should keep using the data it already has.
func (t *Task) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		return fmt.Errorf("syncing %s: %w", t.key, replicache.ErrSyncTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncOption configures one sync request.
type SyncOption func(*syncOptions)

type syncOptions struct {
	keepLocal func(local []byte) bool
}

// KeepLocal skips the copy when Local already holds content for which keep
// returns true.
func KeepLocal(keep func(local []byte) bool) SyncOption {
	return func(o *syncOptions) {
		o.keepLocal = keep
	}
}

// Bridge runs Network to Local copies.
type Bridge struct {
	store  store.RecordStore
	group  singleflight.Group
	locks  keyLocks
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger for the bridge.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a Bridge over s.
func New(s store.RecordStore, opts ...Option) *Bridge {
	b := &Bridge{
		store:  s,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SyncToLocal starts copying key from Network to Local and returns at once.
// The copy runs on a context detached from ctx so the caller returning does
// not cancel it. Failures are logged and reported on the task only.
func (b *Bridge) SyncToLocal(ctx context.Context, key replicache.Key, opts ...SyncOption) *Task {
	var o syncOptions
	for _, opt := range opts {
		opt(&o)
	}

	task := &Task{key: key, done: make(chan struct{})}
	detached := context.WithoutCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(task.done)

		ch := b.group.DoChan(key.Path(), func() (any, error) {
			return b.copy(detached, key, o)
		})
		res := <-ch
		if res.Err != nil {
			task.outcome = OutcomeFailed
			task.err = res.Err
			return
		}
		task.outcome = res.Val.(Outcome)
	}()

	return task
}

// Lock serializes a Local write of key with the copies of the bridge. Callers
// writing an own record to Local hold it for the duration of that write so a
// copy can never land Network content over it. The returned func unlocks.
func (b *Bridge) Lock(key replicache.Key) (unlock func()) {
	return b.locks.lock(key)
}

// Wait blocks until every started sync has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) copy(ctx context.Context, key replicache.Key, o syncOptions) (outcome Outcome, err error) {
	start := time.Now()
	defer func() {
		result := outcome
		if err != nil {
			result = OutcomeFailed
		}
		telemetry.RecordSync(ctx, string(result), time.Since(start))
	}()

	data, err := b.store.Read(ctx, store.Network, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			b.logger.Debug("nothing to sync", "key", key.String())
			return OutcomeMissing, nil
		}
		b.logger.Warn("sync read failed", "key", key.String(), "error", err)
		return OutcomeFailed, fmt.Errorf("reading network record %s: %w", key, err)
	}

	// Local is checked and written under the key lock so a concurrent own
	// write is either seen here or lands after the copy.
	unlock := b.Lock(key)
	defer unlock()

	localHash, err := b.store.Hash(ctx, store.Local, key)
	switch {
	case err == nil:
		if localHash == replicache.HashBytes(data) {
			return OutcomeUnchanged, nil
		}
		if o.keepLocal != nil {
			local, err := b.store.Read(ctx, store.Local, key)
			if err == nil && o.keepLocal(local) {
				b.logger.Debug("keeping local record", "key", key.String())
				return OutcomeKept, nil
			}
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		// A corrupt or unreadable Local copy is replaced.
		b.logger.Warn("replacing unreadable local record", "key", key.String(), "error", err)
	}

	if err := b.store.Write(ctx, store.Local, key, data, false); err != nil {
		b.logger.Warn("sync write failed", "key", key.String(), "error", err)
		return OutcomeFailed, fmt.Errorf("writing local record %s: %w", key, err)
	}

	b.logger.Debug("synced record to local", "key", key.String(), "bytes", len(data))
	return OutcomeCopied, nil
}
