// Package availability tracks whether the Network store is reachable and runs
// reconciliation hooks when it comes back.
package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/replicache/telemetry"
)

// State is the reachability of the Network store.
type State int

const (
	StateUnknown State = iota
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Hook runs after the Network store has recovered.
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Config holds monitor configuration.
type Config struct {
	// Interval is how often the checker is polled.
	// Default is 10 seconds.
	Interval time.Duration

	// StabilizationDelay is how long the network must stay up after a
	// recovery before hooks run. Default is 2 seconds.
	StabilizationDelay time.Duration

	// Logger for availability events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           10 * time.Second,
		StabilizationDelay: 2 * time.Second,
		Logger:             slog.Default(),
	}
}

// Status is a snapshot of the monitor.
type Status struct {
	State       State
	Since       time.Time
	LastCheck   time.Time
	Transitions int
	Recoveries  int
}

// Monitor polls a Checker and tracks availability transitions.
type Monitor struct {
	config  Config
	checker Checker
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	status     Status
	hooks      []namedHook
	recovering bool
	rerun      bool // a recovery arrived while hooks were running
	recoveries sync.WaitGroup

	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor over checker.
func NewMonitor(checker Checker, cfg Config) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		config:  cfg,
		checker: checker,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// AddHook registers fn to run on every recovery. Hooks run in registration
// order; a failing hook is logged and does not stop the others.
func (m *Monitor) AddHook(name string, fn Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: fn})
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check polls the checker once and records the result.
func (m *Monitor) Check(ctx context.Context) State {
	m.Observe(ctx, m.checker.Available(ctx))
	return m.State()
}

// Observe records an availability observation, for example a Network write
// that just failed. A transition from unavailable to available starts a
// recovery in the background.
func (m *Monitor) Observe(ctx context.Context, available bool) {
	next := StateUnavailable
	if available {
		next = StateAvailable
	}

	m.mu.Lock()
	prev := m.state
	now := m.now()
	m.status.LastCheck = now
	changed := prev != next
	if changed {
		m.state = next
		m.status.State = next
		m.status.Since = now
		if prev != StateUnknown {
			m.status.Transitions++
		}
	}
	recovered := changed && prev == StateUnavailable && next == StateAvailable
	startRecovery := recovered && !m.recovering
	if startRecovery {
		m.recovering = true
		m.recoveries.Add(1)
	} else if recovered {
		m.rerun = true
	}
	m.mu.Unlock()

	telemetry.RecordNetworkState(ctx, available, changed && prev != StateUnknown)

	if changed {
		m.logger.Info("network availability changed", "from", prev.String(), "to", next.String())
	}
	if startRecovery {
		go m.recover(context.WithoutCancel(ctx))
	}
}

// recover runs the hooks, and runs them again if Network recovered once more
// while they were running.
func (m *Monitor) recover(ctx context.Context) {
	defer m.recoveries.Done()

	for {
		stopped := !m.runHooks(ctx)

		m.mu.Lock()
		again := !stopped && m.rerun && m.state == StateAvailable
		m.rerun = false
		if !again {
			m.recovering = false
		}
		m.mu.Unlock()

		if !again {
			return
		}
		m.logger.Info("network recovered again during reconciliation, rerunning hooks")
	}
}

// runHooks waits out the stabilization delay and runs every hook. It returns
// false if the monitor was stopped first.
func (m *Monitor) runHooks(ctx context.Context) bool {
	if m.config.StabilizationDelay > 0 {
		timer := time.NewTimer(m.config.StabilizationDelay)
		select {
		case <-timer.C:
		case <-m.stopCh:
			timer.Stop()
			return false
		}
	}

	if !m.checker.Available(ctx) {
		m.logger.Info("network did not stay available, skipping reconciliation")
		m.Observe(ctx, false)
		return true
	}

	m.mu.Lock()
	hooks := append([]namedHook(nil), m.hooks...)
	m.mu.Unlock()

	start := m.now()
	failed := 0
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			failed++
			m.logger.Error("reconciliation hook failed", "hook", h.name, "error", err)
		}
	}

	m.mu.Lock()
	m.status.Recoveries++
	m.mu.Unlock()

	m.logger.Info("reconciliation complete",
		"hooks", len(hooks),
		"failed", failed,
		"duration", m.now().Sub(start),
	)
	return true
}

// Wait blocks until any running recovery has finished.
func (m *Monitor) Wait() {
	m.recoveries.Wait()
}

// Start begins background polling.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops polling and waits for a running recovery to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	m.recoveries.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
