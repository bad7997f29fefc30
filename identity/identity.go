// Package identity holds the owner and session of the running installation.
//
// A single Provider is created at startup and injected into the components
// that need it. Caches receive the Identity value explicitly on each call.
package identity

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/replicache"
)

// ErrAlreadyElevated is returned by Elevate while an elevation is active.
var ErrAlreadyElevated = errors.New("identity already elevated")

// ErrNoOwner is returned when an owner is required but empty.
var ErrNoOwner = errors.New("owner is required")

// Identity is an immutable snapshot of who the installation is acting as.
type Identity struct {
	// Owner is the effective owner. Keys with this owner are own data.
	Owner string
	// Session changes on every login and reset.
	Session string
	// Elevated is set while acting as another owner.
	Elevated bool
}

// IsOwn reports whether key belongs to this identity.
func (id Identity) IsOwn(key replicache.Key) bool {
	return id.Owner != "" && key.Owner == id.Owner
}

// Provider is the process-wide identity guarded by a read-write lock.
type Provider struct {
	mu       sync.RWMutex
	owner    string
	session  string
	elevated string
	logger   *slog.Logger
	newID    func() string
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithSessionIDs sets the session id generator for testing.
func WithSessionIDs(fn func() string) Option {
	return func(p *Provider) {
		p.newID = fn
	}
}

// New creates a provider logged in as owner. An empty owner leaves the
// provider anonymous until Login is called.
func New(owner string, opts ...Option) *Provider {
	p := &Provider{
		logger: slog.Default(),
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if owner != "" {
		p.owner = owner
		p.session = p.newID()
	}
	return p
}

// Current returns the effective identity.
func (p *Provider) Current() Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentLocked()
}

func (p *Provider) currentLocked() Identity {
	if p.elevated != "" {
		return Identity{Owner: p.elevated, Session: p.session, Elevated: true}
	}
	return Identity{Owner: p.owner, Session: p.session}
}

// Login replaces the owner and starts a fresh session. Any elevation is dropped.
func (p *Provider) Login(owner string) (Identity, error) {
	if owner == "" {
		return Identity{}, ErrNoOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.owner = owner
	p.elevated = ""
	p.session = p.newID()
	p.logger.Info("logged in", "owner", owner, "session", p.session)
	return p.currentLocked(), nil
}

// Elevate acts as owner until the returned restore function is called.
// Restore is safe to call more than once.
func (p *Provider) Elevate(owner string) (func(), error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.elevated != "" {
		return nil, ErrAlreadyElevated
	}
	p.elevated = owner
	p.logger.Info("elevated", "owner", p.owner, "as", owner)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.elevated == owner {
				p.elevated = ""
				p.logger.Info("restored", "owner", p.owner)
			}
		})
	}, nil
}

// Reset rotates the session id, keeping the owner. Used by the midnight reset.
func (p *Provider) Reset() Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.elevated = ""
	if p.owner != "" {
		p.session = p.newID()
	}
	p.logger.Debug("session reset", "owner", p.owner, "session", p.session)
	return p.currentLocked()
}

// IsOwn reports whether key belongs to the effective identity.
func (p *Provider) IsOwn(key replicache.Key) bool {
	return p.Current().IsOwn(key)
}
