package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/availability"
	"github.com/wolfeidau/replicache/bridge"
	"github.com/wolfeidau/replicache/identity"
	"github.com/wolfeidau/replicache/journal"
	"github.com/wolfeidau/replicache/replica"
	"github.com/wolfeidau/replicache/store"
	"github.com/wolfeidau/replicache/store/storetest"
)

var (
	alice     = identity.Identity{Owner: "alice", Session: "s1"}
	aliceWork = replicache.Key{Owner: "alice", RecordType: "work", Period: "2026-10"}
	aliceUser = replicache.Key{Owner: "alice", RecordType: "user"}
	aliceNote = replicache.Key{Owner: "alice", RecordType: "notes", Subject: "bob"}
	bobUser   = replicache.Key{Owner: "bob", RecordType: "user"}
)

type testEnv struct {
	fake       *storetest.Fake
	checker    *availability.StaticChecker
	journal    *journal.Journal
	facade     *replica.Facade
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	j := journal.New(journal.WithNoSync(true))
	require.NoError(t, j.Open(filepath.Join(t.TempDir(), journal.FileName)))
	t.Cleanup(func() { _ = j.Close() })

	fake := storetest.New()
	checker := availability.NewStaticChecker(true)
	b := bridge.New(fake)
	t.Cleanup(b.Wait)
	facade := replica.New(fake, checker, b, replica.WithJournal(j))

	return &testEnv{
		fake:       fake,
		checker:    checker,
		journal:    j,
		facade:     facade,
		reconciler: New(fake, b, facade, j, checker, WithSyncTimeout(time.Second)),
	}
}

func TestBootstrap(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Seed(store.Network, aliceWork, []byte(`[{"id":"e1"}]`))
	env.fake.Seed(store.Network, aliceUser, []byte(`{"name":"Alice"}`))
	env.fake.Seed(store.Network, aliceNote, []byte(`[{"id":"n1"}]`))
	env.fake.Seed(store.Network, bobUser, []byte(`{"name":"Bob"}`))

	env.fake.Seed(store.Local, aliceUser, []byte(`{"name":"Alice"}`))
	env.fake.Seed(store.Local, aliceNote, []byte(`[{"id":"local"}]`))

	res, err := env.reconciler.Bootstrap(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, &BootstrapResult{Copied: 1, Unchanged: 1, Kept: 1}, res)

	data, ok := env.fake.Get(store.Local, aliceWork)
	require.True(t, ok)
	require.Equal(t, `[{"id":"e1"}]`, string(data))

	data, _ = env.fake.Get(store.Local, aliceNote)
	require.Equal(t, `[{"id":"local"}]`, string(data))

	_, ok = env.fake.Get(store.Local, bobUser)
	require.False(t, ok)
}

func TestBootstrapReplacesEmptyLocal(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Seed(store.Network, aliceWork, []byte(`[{"id":"e1"}]`))
	env.fake.Seed(store.Local, aliceWork, []byte(` [] `))

	res, err := env.reconciler.Bootstrap(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, res.Copied)
}

func TestBootstrapNetworkDown(t *testing.T) {
	env := newTestEnv(t)
	env.checker.Set(false)

	_, err := env.reconciler.Bootstrap(context.Background(), "alice")
	require.ErrorIs(t, err, replicache.ErrNetworkUnavailable)
	require.Zero(t, env.fake.TotalCalls(store.Network))
}

func TestBootstrapReportsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.fake.Seed(store.Network, aliceWork, []byte(`[{"id":"e1"}]`))
	env.fake.Fail(store.Local, storetest.OpWrite, errors.New("disk full"))

	res, err := env.reconciler.Bootstrap(context.Background(), "alice")
	require.Error(t, err)
	require.Equal(t, 1, res.Failed)
}

func TestRepairNetwork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// written while offline: journaled
	env.checker.Set(false)
	require.NoError(t, env.facade.Write(ctx, alice, aliceWork, []byte(`[{"id":"e1"}]`), replica.WriteOptions{}))
	// journaled but since removed locally
	require.NoError(t, env.journal.MarkPending(ctx, aliceNote, journal.ReasonUnavailable, nil))
	// local only, never journaled
	env.fake.Seed(store.Local, aliceUser, []byte(`{"name":"Alice"}`))
	env.checker.Set(true)

	res, err := env.reconciler.RepairNetwork(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, &RepairResult{Pushed: 2, Cleared: 1}, res)

	for _, key := range []replicache.Key{aliceWork, aliceUser} {
		_, ok := env.fake.Get(store.Network, key)
		require.True(t, ok, key.String())
	}

	pending, err := env.journal.ListPending(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, pending)

	// nothing left to repair
	env.fake.ResetCalls()
	res, err = env.reconciler.RepairNetwork(ctx, alice)
	require.NoError(t, err)
	require.Zero(t, res.Pushed)
	require.Zero(t, env.fake.Calls(store.Network, storetest.OpWrite))
}

func TestRepairNetworkKeepsFailuresPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.checker.Set(false)
	require.NoError(t, env.facade.Write(ctx, alice, aliceWork, []byte(`[]`), replica.WriteOptions{}))
	env.checker.Set(true)
	env.fake.Fail(store.Network, storetest.OpWrite, errors.New("share is read-only"))

	res, err := env.reconciler.RepairNetwork(ctx, alice)
	require.ErrorIs(t, err, replicache.ErrNetworkWrite)
	require.Equal(t, 1, res.Failed)

	pending, err := env.journal.ListPending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Attempts)
}

func TestRepairHook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.checker.Set(false)
	require.NoError(t, env.facade.Write(ctx, alice, aliceWork, []byte(`[{"id":"e1"}]`), replica.WriteOptions{}))
	env.checker.Set(true)

	hook := env.reconciler.RepairHook(identity.New("alice"))
	require.NoError(t, hook(ctx))

	_, ok := env.fake.Get(store.Network, aliceWork)
	require.True(t, ok)

	require.NoError(t, env.reconciler.RepairHook(identity.New(""))(ctx))
}
