package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/backend"
	"github.com/wolfeidau/replicache/bridge"
	"github.com/wolfeidau/replicache/domain"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/journal"
	"github.com/wolfeidau/replicache/reconcile"
	"github.com/wolfeidau/replicache/replica"
	"github.com/wolfeidau/replicache/store"
)

// app holds the components every command that touches the stores needs.
type app struct {
	logger   *slog.Logger
	files    *store.Files
	journal  *journal.Journal
	checker  *availability.PathChecker
	bridge   *bridge.Bridge
	facade   *replica.Facade
	identity *identity.Provider
}

func newApp(g *Globals) (*app, error) {
	if g.NetworkRoot == "" {
		return nil, errors.New("--network-root is required")
	}
	if g.Owner == "" {
		return nil, errors.New("--owner is required")
	}
	logger := g.logger

	local, err := backend.NewFilesystem(g.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("creating local backend: %w", err)
	}
	// An unreachable share is reported by the checker, not here.
	network, err := backend.OpenFilesystem(g.NetworkRoot)
	if err != nil {
		return nil, fmt.Errorf("creating network backend: %w", err)
	}

	files, err := store.NewFiles(
		backend.NewInstrumentedBackend(local, store.Local.String()),
		backend.NewInstrumentedBackend(network, store.Network.String()),
		store.WithLogger(logger.With("component", "store")),
		store.WithNetworkTimeout(g.NetworkTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("creating record store: %w", err)
	}

	j := journal.New(journal.WithLogger(logger.With("component", "journal")))
	if err := j.Open(filepath.Join(g.LocalRoot, journal.FileName)); err != nil {
		files.Close()
		return nil, err
	}

	checker := availability.NewPathChecker(g.NetworkRoot, g.NetworkTimeout)
	b := bridge.New(files, bridge.WithLogger(logger.With("component", "bridge")))
	facade := replica.New(files, checker, b,
		replica.WithLogger(logger.With("component", "replica")),
		replica.WithJournal(j),
	)

	return &app{
		logger:   logger,
		files:    files,
		journal:  j,
		checker:  checker,
		bridge:   b,
		facade:   facade,
		identity: identity.New(g.Owner, identity.WithLogger(logger.With("component", "identity"))),
	}, nil
}

func (a *app) registry(g *Globals) (*domain.Registry, error) {
	policies, err := domain.LoadPolicies(g.Policies)
	if err != nil {
		return nil, err
	}
	return domain.NewRegistry(a.facade, policies, a.logger.With("component", "cache"))
}

func (a *app) reconciler(g *Globals) *reconcile.Reconciler {
	return reconcile.New(a.files, a.bridge, a.facade, a.journal, a.checker,
		reconcile.WithLogger(a.logger.With("component", "reconcile")),
		reconcile.WithSyncTimeout(g.SyncTimeout),
	)
}

// close waits for in-flight syncs and releases the stores.
func (a *app) close() {
	a.bridge.Wait()
	if err := a.journal.Close(); err != nil {
		a.logger.Warn("closing journal failed", "error", err)
	}
	a.files.Close()
}
