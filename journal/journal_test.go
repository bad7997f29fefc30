package journal

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j := New(append([]Option{WithNoSync(true)}, opts...)...)
	require.NoError(t, j.Open(filepath.Join(t.TempDir(), FileName)))
	t.Cleanup(func() { _ = j.Close() })
	return j
}

var (
	aliceWork = replicache.Key{Owner: "alice", RecordType: "work", Period: "2026-10"}
	aliceUser = replicache.Key{Owner: "alice", RecordType: "user"}
	bobUser   = replicache.Key{Owner: "bob", RecordType: "user"}
)

func TestJournalPending(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	j := newTestJournal(t, WithNow(clock.Now))

	t.Run("mark keeps first timestamp and counts attempts", func(t *testing.T) {
		require.NoError(t, j.MarkPending(ctx, aliceWork, ReasonUnavailable, nil))
		clock.Advance(time.Minute)
		require.NoError(t, j.MarkPending(ctx, aliceWork, ReasonWriteFailed, errors.New("disk full")))

		entries, err := j.ListPending(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, aliceWork, entries[0].Key)
		assert.Equal(t, ReasonWriteFailed, entries[0].Reason)
		assert.Equal(t, "disk full", entries[0].LastError)
		assert.Equal(t, 2, entries[0].Attempts)
		assert.True(t, entries[0].Since.Equal(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)))
	})

	t.Run("list filters by owner", func(t *testing.T) {
		require.NoError(t, j.MarkPending(ctx, aliceUser, ReasonUnavailable, nil))
		require.NoError(t, j.MarkPending(ctx, bobUser, ReasonUnavailable, nil))

		entries, err := j.ListPending(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 2)

		all, err := j.ListPending(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)

		n, err := j.CountPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, n)
	})

	t.Run("clear removes entry", func(t *testing.T) {
		require.NoError(t, j.ClearPending(ctx, aliceWork))
		require.NoError(t, j.ClearPending(ctx, aliceWork))

		entries, err := j.ListPending(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, aliceUser, entries[0].Key)
	})
}

func TestJournalOwnerPrefixIsExact(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	require.NoError(t, j.MarkPending(ctx, replicache.Key{Owner: "al", RecordType: "user"}, ReasonUnavailable, nil))
	require.NoError(t, j.MarkPending(ctx, aliceUser, ReasonUnavailable, nil))

	entries, err := j.ListPending(ctx, "al")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "al", entries[0].Key.Owner)
}

func TestJournalWrites(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	j := newTestJournal(t, WithNow(clock.Now))

	_, err := j.LastWrite(ctx, aliceUser)
	require.ErrorIs(t, err, ErrNotFound)

	h := replicache.HashBytes([]byte(`{"name":"Alice"}`))
	require.NoError(t, j.RecordWrite(ctx, aliceUser, h, store.Local))
	clock.Advance(time.Second)
	require.NoError(t, j.RecordWrite(ctx, aliceUser, h, store.Network))

	entry, err := j.LastWrite(ctx, aliceUser)
	require.NoError(t, err)
	assert.Equal(t, h.String(), entry.ContentHash)
	assert.Equal(t, time.Second, entry.NetworkAt.Sub(entry.LocalAt))
}

func TestJournalNetworkWriteClearsPending(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	h := replicache.HashBytes([]byte(`[{"id":"e1"}]`))

	require.NoError(t, j.MarkPending(ctx, aliceWork, ReasonUnavailable, nil))
	require.NoError(t, j.RecordWrite(ctx, aliceWork, h, store.Local))

	n, err := j.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, j.RecordWrite(ctx, aliceWork, h, store.Local, store.Network))

	n, err = j.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	entry, err := j.LastWrite(ctx, aliceWork)
	require.NoError(t, err)
	assert.Equal(t, entry.LocalAt, entry.NetworkAt)
}

func TestJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)

	j := New(WithNoSync(true))
	require.NoError(t, j.Open(path))
	require.NoError(t, j.MarkPending(ctx, aliceWork, ReasonUnavailable, nil))
	require.NoError(t, j.Close())

	j = New()
	require.NoError(t, j.Open(path))
	t.Cleanup(func() { _ = j.Close() })

	entries, err := j.ListPending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
