package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/journal"
	"github.com/wolfeidau/replicache/store"
)

// InspectCmd prints the replication state of every record of the owner.
type InspectCmd struct {
	All bool `help:"Include records that are in sync."`
}

type recordState struct {
	key     replicache.Key
	local   replicache.Hash
	network replicache.Hash
	pending *journal.PendingEntry
	writes  *journal.WriteEntry
}

func (s recordState) status() string {
	switch {
	case s.local.IsZero() && s.network.IsZero():
		return "missing"
	case s.network.IsZero():
		return "local only"
	case s.local.IsZero():
		return "network only"
	case s.local != s.network:
		return "differs"
	default:
		return "in sync"
	}
}

func (c *InspectCmd) Run(g *Globals) error {
	ctx := context.Background()

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	states, err := collectStates(ctx, a.files, a.journal, g.Owner, a.checker.Available(ctx))
	if err != nil {
		return err
	}
	return printStates(os.Stdout, states, c.All)
}

type hashLister interface {
	List(ctx context.Context, loc store.Location, owner string) ([]replicache.Key, error)
	Hash(ctx context.Context, loc store.Location, key replicache.Key) (replicache.Hash, error)
}

type journalReader interface {
	ListPending(ctx context.Context, owner string) ([]journal.PendingEntry, error)
	LastWrite(ctx context.Context, key replicache.Key) (journal.WriteEntry, error)
}

func collectStates(ctx context.Context, s hashLister, j journalReader, owner string, networkUp bool) ([]*recordState, error) {
	byKey := map[replicache.Key]*recordState{}
	get := func(key replicache.Key) *recordState {
		st, ok := byKey[key]
		if !ok {
			st = &recordState{key: key}
			byKey[key] = st
		}
		return st
	}

	locations := []store.Location{store.Local}
	if networkUp {
		locations = append(locations, store.Network)
	}
	for _, loc := range locations {
		keys, err := s.List(ctx, loc, owner)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			h, err := s.Hash(ctx, loc, key)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("hashing %s record %s: %w", loc, key, err)
			}
			st := get(key)
			if loc == store.Local {
				st.local = h
			} else {
				st.network = h
			}
		}
	}

	pending, err := j.ListPending(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		get(pending[i].Key).pending = &pending[i]
	}

	states := make([]*recordState, 0, len(byKey))
	for _, st := range byKey {
		entry, err := j.LastWrite(ctx, st.key)
		switch {
		case err == nil:
			st.writes = &entry
		case !errors.Is(err, journal.ErrNotFound):
			return nil, fmt.Errorf("reading write history of %s: %w", st.key, err)
		}
		states = append(states, st)
	}
	slices.SortFunc(states, func(a, b *recordState) int {
		return strings.Compare(a.key.Path(), b.key.Path())
	})
	return states, nil
}

func shortHash(h replicache.Hash) string {
	if h.IsZero() {
		return "-"
	}
	return h.ShortString()
}

func writtenAt(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func printStates(w io.Writer, states []*recordState, all bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLOCAL\tNETWORK\tLOCAL_AT\tNETWORK_AT\tSTATUS\tPENDING")
	for _, st := range states {
		if !all && st.status() == "in sync" && st.pending == nil {
			continue
		}
		pending := "-"
		if st.pending != nil {
			pending = fmt.Sprintf("%s x%d since %s", st.pending.Reason, st.pending.Attempts, st.pending.Since.Format("2006-01-02 15:04"))
		}
		localAt, networkAt := "-", "-"
		if st.writes != nil {
			localAt, networkAt = writtenAt(st.writes.LocalAt), writtenAt(st.writes.NetworkAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.key, shortHash(st.local), shortHash(st.network), localAt, networkAt, st.status(), pending)
	}
	return tw.Flush()
}
