// Package reconcile brings the Local and Network stores back in line after
// startup and after the Network store has been unreachable.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/bridge"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/journal"
	"github.com/wolfeidau/replicache/replica"
	"github.com/wolfeidau/replicache/store"
)

// PendingLister lists journaled keys.
type PendingLister interface {
	ListPending(ctx context.Context, owner string) ([]journal.PendingEntry, error)
	ClearPending(ctx context.Context, key replicache.Key) error
}

// Pusher copies a Local record to Network.
type Pusher interface {
	PushNetwork(ctx context.Context, id identity.Identity, key replicache.Key) error
}

// BootstrapResult counts the outcomes of a bootstrap.
type BootstrapResult struct {
	Copied    int `json:"copied"`
	Unchanged int `json:"unchanged"`
	Kept      int `json:"kept"`
	Failed    int `json:"failed"`
}

// RepairResult counts the outcomes of a Network repair.
type RepairResult struct {
	Pushed  int `json:"pushed"`
	Cleared int `json:"cleared"`
	Failed  int `json:"failed"`
}

// Reconciler runs bootstrap and repair passes over one owner's records.
type Reconciler struct {
	store       store.RecordStore
	bridge      *bridge.Bridge
	pusher      Pusher
	journal     PendingLister
	checker     availability.Checker
	logger      *slog.Logger
	syncTimeout time.Duration
	empty       func([]byte) bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger for the reconciler.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithSyncTimeout bounds the wait on each bootstrap copy.
func WithSyncTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.syncTimeout = d
	}
}

// WithEmpty sets how an empty Local payload is recognised. Empty Local
// records are replaced during bootstrap.
func WithEmpty(fn func([]byte) bool) Option {
	return func(r *Reconciler) {
		r.empty = fn
	}
}

// New creates a reconciler.
func New(s store.RecordStore, b *bridge.Bridge, p Pusher, j PendingLister, checker availability.Checker, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		bridge:      b,
		pusher:      p,
		journal:     j,
		checker:     checker,
		logger:      slog.Default(),
		syncTimeout: 30 * time.Second,
		empty:       emptyPayload,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var emptyPayloads = [][]byte{nil, []byte("[]"), []byte("{}"), []byte("null")}

func emptyPayload(data []byte) bool {
	data = bytes.TrimSpace(data)
	for _, e := range emptyPayloads {
		if bytes.Equal(data, e) {
			return true
		}
	}
	return false
}

// Bootstrap copies every Network record of owner that Local is missing or
// holds empty, and waits for the copies to finish.
func (r *Reconciler) Bootstrap(ctx context.Context, owner string) (*BootstrapResult, error) {
	if !r.checker.Available(ctx) {
		return nil, fmt.Errorf("bootstrapping %s: %w", owner, replicache.ErrNetworkUnavailable)
	}

	keys, err := r.store.List(ctx, store.Network, owner)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping %s: %w", owner, err)
	}

	tasks := make([]*bridge.Task, 0, len(keys))
	for _, key := range keys {
		tasks = append(tasks, r.bridge.SyncToLocal(ctx, key, bridge.KeepLocal(func(local []byte) bool {
			return !r.empty(local)
		})))
	}

	result := &BootstrapResult{}
	var errs []error
	for _, task := range tasks {
		if err := task.Wait(ctx, r.syncTimeout); err != nil {
			result.Failed++
			errs = append(errs, err)
			continue
		}
		switch task.Outcome() {
		case bridge.OutcomeCopied:
			result.Copied++
		case bridge.OutcomeUnchanged:
			result.Unchanged++
		case bridge.OutcomeKept:
			result.Kept++
		}
	}

	r.logger.Info("bootstrap complete",
		"owner", owner,
		"copied", result.Copied,
		"unchanged", result.Unchanged,
		"kept", result.Kept,
		"failed", result.Failed,
	)
	return result, errors.Join(errs...)
}

// RepairNetwork pushes the Local copy of every journaled key of the identity
// to Network, then pushes Local records that Network does not have at all.
func (r *Reconciler) RepairNetwork(ctx context.Context, id identity.Identity) (*RepairResult, error) {
	if !r.checker.Available(ctx) {
		return nil, fmt.Errorf("repairing %s: %w", id.Owner, replicache.ErrNetworkUnavailable)
	}

	result := &RepairResult{}
	var errs []error
	done := make(map[replicache.Key]bool)

	pending, err := r.journal.ListPending(ctx, id.Owner)
	if err != nil {
		return nil, fmt.Errorf("listing pending keys of %s: %w", id.Owner, err)
	}
	for _, p := range pending {
		done[p.Key] = true
		err := r.pusher.PushNetwork(ctx, id, p.Key)
		switch {
		case err == nil:
			result.Pushed++
		case errors.Is(err, store.ErrNotFound):
			// nothing left locally to push
			if err := r.journal.ClearPending(ctx, p.Key); err != nil {
				errs = append(errs, err)
				continue
			}
			result.Cleared++
		default:
			result.Failed++
			errs = append(errs, err)
		}
	}

	localKeys, err := r.store.List(ctx, store.Local, id.Owner)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing local records of %s: %w", id.Owner, err))
		localKeys = nil
	}
	if len(localKeys) > 0 {
		networkKeys, err := r.store.List(ctx, store.Network, id.Owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing network records of %s: %w", id.Owner, err))
			localKeys = nil
		}
		for _, k := range networkKeys {
			done[k] = true
		}
	}
	for _, key := range localKeys {
		if done[key] {
			continue
		}
		if err := r.pusher.PushNetwork(ctx, id, key); err != nil {
			result.Failed++
			errs = append(errs, err)
			continue
		}
		result.Pushed++
	}

	r.logger.Info("network repair complete",
		"owner", id.Owner,
		"pushed", result.Pushed,
		"cleared", result.Cleared,
		"failed", result.Failed,
	)
	return result, errors.Join(errs...)
}

// RepairHook returns an availability hook that repairs Network for the
// current identity of p.
func (r *Reconciler) RepairHook(p *identity.Provider) availability.Hook {
	return func(ctx context.Context) error {
		id := p.Current()
		if id.Owner == "" {
			return nil
		}
		_, err := r.RepairNetwork(ctx, id)
		return err
	}
}

var _ Pusher = (*replica.Facade)(nil)
