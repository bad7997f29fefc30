package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/flush"
	"github.com/wolfeidau/replicache/reconcile"
	"github.com/wolfeidau/replicache/server"
	"github.com/wolfeidau/replicache/telemetry"
)

// ServeCmd runs the cache until interrupted.
type ServeCmd struct {
	Address   string `help:"Admin server listen address." default:"127.0.0.1:9090" env:"REPLICACHE_ADDRESS"`
	AuthToken string `help:"Bearer token required by the admin server." env:"REPLICACHE_AUTH_TOKEN"`

	FlushInterval      time.Duration `help:"How often write-back caches are flushed." default:"30s" env:"REPLICACHE_FLUSH_INTERVAL"`
	FlushTimeout       time.Duration `help:"Bound on flushing one cache." default:"20s" env:"REPLICACHE_FLUSH_TIMEOUT"`
	CheckInterval      time.Duration `help:"How often Network availability is checked." default:"10s" env:"REPLICACHE_CHECK_INTERVAL"`
	StabilizationDelay time.Duration `help:"How long Network must stay up before reconciling." default:"2s" env:"REPLICACHE_STABILIZATION_DELAY"`
	MidnightAt         time.Duration `help:"Offset from local midnight of the daily reset." default:"0s" env:"REPLICACHE_MIDNIGHT_AT"`
	Bootstrap          bool          `help:"Copy Network records missing from Local at startup." default:"true" negatable:"" env:"REPLICACHE_BOOTSTRAP"`
	ShutdownTimeout    time.Duration `help:"Bound on the final flush at shutdown." default:"10s" env:"REPLICACHE_SHUTDOWN_TIMEOUT"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"REPLICACHE_PROMETHEUS"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"REPLICACHE_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger := g.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("shutting down metrics failed", "error", err)
		}
	}()

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	registry, err := a.registry(g)
	if err != nil {
		return fmt.Errorf("building caches: %w", err)
	}

	monitor := availability.NewMonitor(a.checker, availability.Config{
		Interval:           c.CheckInterval,
		StabilizationDelay: c.StabilizationDelay,
		Logger:             logger.With("component", "availability"),
	})
	scheduler := flush.New(flush.Config{
		Interval: c.FlushInterval,
		Timeout:  c.FlushTimeout,
	}, logger.With("component", "flush"))
	midnight := reconcile.NewMidnight(a.identity, reconcile.MidnightConfig{
		At:     c.MidnightAt,
		Logger: logger.With("component", "midnight"),
	})
	reconciler := a.reconciler(g)

	registry.Wire(scheduler, monitor, midnight, a.identity)
	monitor.AddHook("repair network", reconciler.RepairHook(a.identity))

	if c.Bootstrap {
		if a.checker.Available(ctx) {
			if _, err := reconciler.Bootstrap(ctx, g.Owner); err != nil {
				logger.Warn("bootstrap incomplete", "error", err)
			}
		} else {
			logger.Warn("network unavailable, skipping bootstrap", "network_root", g.NetworkRoot)
		}
	}

	// Background loops outlive the signal so Stop can run the final flush.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := monitor.Start(runCtx); err != nil {
		return fmt.Errorf("starting availability monitor: %w", err)
	}
	scheduler.Start(runCtx)
	midnight.Start(runCtx)

	srv, err := server.New(server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger.With("component", "server"),
	}, server.Components{
		Registry:  registry,
		Scheduler: scheduler,
		Monitor:   monitor,
		Identity:  a.identity,
		Journal:   a.journal,
		Repairer:  reconciler,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("replicache started",
		"owner", g.Owner,
		"local_root", g.LocalRoot,
		"network_root", g.NetworkRoot,
		"address", srv.Address(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
		logger.Error("admin server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutting down admin server failed", "error", err)
	}
	midnight.Stop()
	monitor.Stop()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("final flush failed", "error", err)
	}
	if err := registry.Close(shutdownCtx, c.ShutdownTimeout); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}
