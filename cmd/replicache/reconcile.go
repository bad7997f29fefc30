package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/reconcile"
)

// ReconcileCmd runs one bootstrap and Network repair pass for the owner.
// It must not run while a server holds the journal of the same Local root.
type ReconcileCmd struct {
	SkipBootstrap bool `help:"Only push pending records to Network."`
	SkipRepair    bool `help:"Only copy Network records missing from Local."`
}

type reconcileReport struct {
	Owner     string                     `json:"owner"`
	Bootstrap *reconcile.BootstrapResult `json:"bootstrap,omitempty"`
	Repair    *reconcile.RepairResult    `json:"repair,omitempty"`
	Errors    []string                   `json:"errors,omitempty"`
}

func (c *ReconcileCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	if !a.checker.Available(ctx) {
		return fmt.Errorf("reconciling %s: %w", g.Owner, replicache.ErrNetworkUnavailable)
	}

	r := a.reconciler(g)
	report := reconcileReport{Owner: g.Owner}
	var errs []error

	if !c.SkipBootstrap {
		res, err := r.Bootstrap(ctx, g.Owner)
		report.Bootstrap = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	if !c.SkipRepair {
		res, err := r.RepairNetwork(ctx, a.identity.Current())
		report.Repair = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return errors.Join(errs...)
}
