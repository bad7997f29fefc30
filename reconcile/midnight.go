package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/replicache/identity"
)

// Invalidator is a cache that can be flushed and emptied.
type Invalidator interface {
	Name() string
	InvalidateAll(ctx context.Context) error
}

// MidnightConfig configures the daily reset.
type MidnightConfig struct {
	// At is the offset from local midnight at which the reset runs.
	At time.Duration

	// Location is the time zone of midnight. Defaults to time.Local.
	Location *time.Location

	// Logger for reset events.
	Logger *slog.Logger
}

// Midnight flushes and clears every registered cache and rotates the
// identity session once a day.
type Midnight struct {
	config   MidnightConfig
	identity *identity.Provider
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	caches  []Invalidator
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun time.Time
}

// NewMidnight creates the daily reset loop.
func NewMidnight(p *identity.Provider, cfg MidnightConfig) *Midnight {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Midnight{
		config:   cfg,
		identity: p,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Register adds a cache to the reset.
func (m *Midnight) Register(c Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caches = append(m.caches, c)
}

// NextRun returns the first reset time strictly after t.
func (m *Midnight) NextRun(t time.Time) time.Time {
	t = t.In(m.config.Location)
	y, mo, d := t.Date()
	next := time.Date(y, mo, d, 0, 0, 0, 0, m.config.Location).Add(m.config.At)
	if !next.After(t) {
		next = time.Date(y, mo, d+1, 0, 0, 0, 0, m.config.Location).Add(m.config.At)
	}
	return next
}

// LastRun returns when the reset last ran.
func (m *Midnight) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// RunNow resets immediately. Caches that cannot be flushed keep their dirty
// entries and the session is rotated regardless.
func (m *Midnight) RunNow(ctx context.Context) error {
	m.mu.Lock()
	caches := append([]Invalidator(nil), m.caches...)
	m.mu.Unlock()

	var errs []error
	for _, c := range caches {
		if err := c.InvalidateAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("resetting %s: %w", c.Name(), err))
		}
	}
	id := m.identity.Reset()

	m.mu.Lock()
	m.lastRun = m.now()
	m.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("midnight reset incomplete", "owner", id.Owner, "error", err)
	} else {
		m.logger.Info("midnight reset complete", "owner", id.Owner, "caches", len(caches))
	}
	return err
}

// Start begins the daily loop.
func (m *Midnight) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop ends the daily loop.
func (m *Midnight) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Midnight) run(ctx context.Context) {
	defer close(m.doneCh)

	for {
		next := m.NextRun(m.now())
		m.logger.Debug("next midnight reset", "at", next)

		timer := time.NewTimer(next.Sub(m.now()))
		select {
		case <-timer.C:
			_ = m.RunNow(ctx)
		case <-m.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
