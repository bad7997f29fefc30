// Package flush periodically persists the dirty entries of write-back caches.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/replicache/telemetry"
	"golang.org/x/sync/errgroup"
)

// Triggers recorded on a Result.
const (
	TriggerTick     = "tick"
	TriggerManual   = "manual"
	TriggerUser     = "user"
	TriggerShutdown = "shutdown"
)

// Flusher is a cache with deferred writes.
type Flusher interface {
	Name() string
	FlushNow(ctx context.Context) (int, error)
	FlushUser(ctx context.Context, owner string) (int, error)
}

// Config configures the scheduler.
type Config struct {
	Interval time.Duration // How often to flush (default: 30s)
	Timeout  time.Duration // Bound on one cache's flush (default: 20s)
}

// DefaultConfig returns the default flush configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  20 * time.Second,
	}
}

// CacheResult is the outcome of flushing one cache.
type CacheResult struct {
	Name    string `json:"name"`
	Flushed int    `json:"flushed"`
	Error   string `json:"error,omitempty"`
}

// Result contains the results of a flush run.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Trigger   string        `json:"trigger"`
	Flushed   int           `json:"flushed"`
	Failed    int           `json:"failed"`
	Caches    []CacheResult `json:"caches"`
}

// Err joins the errors of every cache that failed.
func (r *Result) Err() error {
	var errs []error
	for _, c := range r.Caches {
		if c.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", c.Name, c.Error))
		}
	}
	return errors.Join(errs...)
}

// Scheduler flushes every registered cache on a fixed period.
type Scheduler struct {
	config Config
	logger *slog.Logger

	runMu sync.Mutex // serializes flush runs

	mu       sync.Mutex
	flushers []Flusher
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastRun  *Result
}

// New creates a scheduler.
func New(config Config, logger *slog.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config: config,
		logger: logger,
	}
}

// Register adds a cache to every subsequent flush.
func (s *Scheduler) Register(f Flusher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushers = append(s.flushers, f)
}

// Start starts the background flush goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the background goroutine and performs a final flush.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.flush(ctx, TriggerShutdown, nil).Err()
}

// FlushNow flushes every registered cache immediately.
func (s *Scheduler) FlushNow(ctx context.Context) *Result {
	return s.flush(ctx, TriggerManual, nil)
}

// FlushUser flushes the dirty entries of owner in every registered cache.
func (s *Scheduler) FlushUser(ctx context.Context, owner string) (int, error) {
	res := s.flush(ctx, TriggerUser, func(ctx context.Context, f Flusher) (int, error) {
		return f.FlushUser(ctx, owner)
	})
	return res.Flushed, res.Err()
}

// Status returns the last flush result, nil before the first run.
func (s *Scheduler) Status() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info("flush scheduler starting", "interval", s.config.Interval)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(ctx, TriggerTick, nil)
		case <-s.stopCh:
			s.logger.Info("flush scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("flush scheduler context cancelled")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) flush(ctx context.Context, trigger string, fn func(context.Context, Flusher) (int, error)) *Result {
	if fn == nil {
		fn = func(ctx context.Context, f Flusher) (int, error) { return f.FlushNow(ctx) }
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	flushers := append([]Flusher(nil), s.flushers...)
	s.mu.Unlock()

	result := &Result{
		StartedAt: time.Now(),
		Trigger:   trigger,
		Caches:    make([]CacheResult, len(flushers)),
	}

	// Caches flush concurrently. Errors are kept per cache.
	var g errgroup.Group
	for i, f := range flushers {
		g.Go(func() error {
			fctx := ctx
			if s.config.Timeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
				defer cancel()
			}
			n, err := fn(fctx, f)
			result.Caches[i] = CacheResult{Name: f.Name(), Flushed: n}
			if err != nil {
				result.Caches[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range result.Caches {
		result.Flushed += c.Flushed
		if c.Error != "" {
			result.Failed++
		}
	}
	result.Duration = time.Since(result.StartedAt)

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()

	telemetry.RecordFlushRun(ctx, trigger, result.Duration)

	if result.Failed > 0 {
		s.logger.Warn("flush run incomplete",
			"trigger", trigger,
			"flushed", result.Flushed,
			"failed_caches", result.Failed,
			"error", result.Err(),
		)
	} else if result.Flushed > 0 {
		s.logger.Info("flush run completed",
			"trigger", trigger,
			"flushed", result.Flushed,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("flush run completed, nothing dirty", "trigger", trigger)
	}

	return result
}
