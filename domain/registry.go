package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/cache"
	"github.com/wolfeidau/replicache/flush"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/reconcile"
	"github.com/wolfeidau/replicache/replica"
)

// Cache is the record type independent surface of a domain cache.
type Cache interface {
	Name() string
	Policy() cache.Policy
	Mode() replica.Mode
	FlushNow(ctx context.Context) (int, error)
	FlushUser(ctx context.Context, owner string) (int, error)
	Invalidate(ctx context.Context, owner, period string) error
	InvalidateAll(ctx context.Context) error
	Reload(ctx context.Context, id identity.Identity) (int, error)
	Close(ctx context.Context) error
	Stats() cache.Stats
	Diagnostics() string
}

// Registry holds one cache per record type.
type Registry struct {
	Work     *cache.Collection[WorkEntry]
	Worktime *cache.Collection[WorktimeDay]
	TimeOff  *cache.Collection[TimeOff]
	Session  *cache.Cache[SessionState]
	User     *cache.Cache[UserRecord]
	Presence *cache.Cache[Presence]
	Notes    *cache.Collection[Note]

	caches []Cache
	logger *slog.Logger
}

func cacheConfig[R any](name string, p CachePolicy, s cache.Store, logger *slog.Logger) (cache.Config[R], error) {
	st, err := p.settings()
	if err != nil {
		return cache.Config[R]{}, fmt.Errorf("%s: %w", name, err)
	}
	return cache.Config[R]{
		Name:   name,
		Policy: st.policy,
		Mode:   st.mode,
		TTL:    p.TTL,
		Backup: p.Backup,
		Codec:  st.codec,
		Store:  s,
		Logger: logger,
	}, nil
}

func collection[E any](name string, policies Policies, s cache.Store, logger *slog.Logger, id func(E) string) (*cache.Collection[E], error) {
	cfg, err := cacheConfig[[]E](name, policies[name], s, logger)
	if err != nil {
		return nil, err
	}
	cfg.Clone = cloneList[E]
	return cache.NewCollection(cfg, id)
}

func singleton[R any](name string, policies Policies, s cache.Store, logger *slog.Logger, clone func(R) R) (*cache.Cache[R], error) {
	cfg, err := cacheConfig[R](name, policies[name], s, logger)
	if err != nil {
		return nil, err
	}
	cfg.Clone = clone
	return cache.New(cfg)
}

// NewRegistry builds every domain cache over s.
func NewRegistry(s cache.Store, policies Policies, logger *slog.Logger) (*Registry, error) {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{logger: logger}
	var err error
	if r.Work, err = collection(TypeWork, policies, s, logger, workEntryID); err != nil {
		return nil, err
	}
	if r.Worktime, err = collection(TypeWorktime, policies, s, logger, worktimeDayID); err != nil {
		return nil, err
	}
	if r.TimeOff, err = collection(TypeTimeOff, policies, s, logger, timeOffID); err != nil {
		return nil, err
	}
	if r.Session, err = singleton(TypeSession, policies, s, logger, copyValue[SessionState]); err != nil {
		return nil, err
	}
	if r.User, err = singleton(TypeUser, policies, s, logger, cloneUser); err != nil {
		return nil, err
	}
	if r.Presence, err = singleton(TypePresence, policies, s, logger, copyValue[Presence]); err != nil {
		return nil, err
	}
	if r.Notes, err = collection(TypeNotes, policies, s, logger, noteID); err != nil {
		return nil, err
	}

	r.caches = []Cache{r.Work, r.Worktime, r.TimeOff, r.Session, r.User, r.Presence, r.Notes}
	return r, nil
}

// Caches returns every cache in registration order.
func (r *Registry) Caches() []Cache {
	return append([]Cache(nil), r.caches...)
}

// Lookup returns the cache of a record type.
func (r *Registry) Lookup(name string) (Cache, bool) {
	for _, c := range r.caches {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Wire registers the caches with the background components: write-back
// caches with the flush scheduler, network-only caches for reload on
// recovery, and every cache with the midnight reset. Nil components are
// skipped.
func (r *Registry) Wire(s *flush.Scheduler, m *availability.Monitor, mid *reconcile.Midnight, p *identity.Provider) {
	for _, c := range r.caches {
		if s != nil && c.Policy() == cache.WriteBack {
			s.Register(c)
		}
		if m != nil && c.Mode() == replica.ModeNetworkOnly {
			m.AddHook("reload "+c.Name(), func(ctx context.Context) error {
				_, err := c.Reload(ctx, p.Current())
				return err
			})
		}
		if mid != nil {
			mid.Register(c)
		}
	}
}

// Diagnostics returns the diagnostics line of every cache.
func (r *Registry) Diagnostics() []string {
	lines := make([]string, 0, len(r.caches))
	for _, c := range r.caches {
		lines = append(lines, c.Diagnostics())
	}
	return lines
}

// Close flushes and clears every cache, bounded by timeout.
func (r *Registry) Close(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var errs []error
	for _, c := range r.caches {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("closing caches left dirty entries", "error", err)
		return err
	}
	return nil
}
