package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replicache"
	"github.com/wolfeidau/replicache/store"
	"github.com/wolfeidau/replicache/store/storetest"
)

var key = replicache.Key{Owner: "alice", RecordType: "work", Period: "2026-10"}

func TestSyncToLocalCopies(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[{"id":"e1"}]`))
	b := New(fake)

	task := b.SyncToLocal(context.Background(), key)
	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeCopied, task.Outcome())

	got, ok := fake.Get(store.Local, key)
	require.True(t, ok)
	require.Equal(t, `[{"id":"e1"}]`, string(got))
}

func TestSyncToLocalUnchanged(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[{"id":"e1"}]`))
	fake.Seed(store.Local, key, []byte(`[{"id":"e1"}]`))
	b := New(fake)

	task := b.SyncToLocal(context.Background(), key)
	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeUnchanged, task.Outcome())
	require.Zero(t, fake.Calls(store.Local, storetest.OpWrite))
}

func TestSyncToLocalKeepLocal(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[{"id":"e1"},{"id":"e2"}]`))
	fake.Seed(store.Local, key, []byte(`[{"id":"e1"}]`))
	b := New(fake)

	notEmpty := func(local []byte) bool { return string(local) != "[]" }

	task := b.SyncToLocal(context.Background(), key, KeepLocal(notEmpty))
	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeKept, task.Outcome())

	got, _ := fake.Get(store.Local, key)
	require.Equal(t, `[{"id":"e1"}]`, string(got))

	fake.Seed(store.Local, key, []byte(`[]`))
	task = b.SyncToLocal(context.Background(), key, KeepLocal(notEmpty))
	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeCopied, task.Outcome())
}

func TestSyncToLocalMissing(t *testing.T) {
	fake := storetest.New()
	b := New(fake)

	task := b.SyncToLocal(context.Background(), key)
	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeMissing, task.Outcome())
	require.Zero(t, fake.TotalCalls(store.Local))
}

func TestSyncToLocalFailureStaysOnTask(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[]`))
	fake.Fail(store.Local, storetest.OpWrite, errors.New("disk full"))
	b := New(fake)

	task := b.SyncToLocal(context.Background(), key)
	b.Wait()

	require.Error(t, task.Err())
	require.Equal(t, OutcomeFailed, task.Outcome())
}

func TestSyncToLocalDeduplicates(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[{"id":"e1"}]`))

	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	fake.OnRead(func(loc store.Location, _ replicache.Key) {
		if loc == store.Network {
			once.Do(func() { close(started) })
			<-release
		}
	})
	b := New(fake)

	first := b.SyncToLocal(context.Background(), key)
	<-started

	tasks := []*Task{first}
	for range 5 {
		tasks = append(tasks, b.SyncToLocal(context.Background(), key))
	}
	// let the extra requests join the in-flight copy
	time.Sleep(20 * time.Millisecond)
	close(release)
	b.Wait()

	for _, task := range tasks {
		require.NoError(t, task.Err())
	}
	require.Equal(t, 1, fake.Calls(store.Network, storetest.OpRead))
	require.Equal(t, 1, fake.Calls(store.Local, storetest.OpWrite))
}

func TestTaskWaitTimeout(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[]`))

	release := make(chan struct{})
	fake.OnRead(func(loc store.Location, _ replicache.Key) {
		if loc == store.Network {
			<-release
		}
	})
	b := New(fake)

	task := b.SyncToLocal(context.Background(), key)
	err := task.Wait(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, replicache.ErrSyncTimeout)
	require.Nil(t, task.Err())
	require.Empty(t, task.Outcome())

	close(release)
	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeCopied, task.Outcome())
}

func TestSyncSurvivesCallerCancel(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[{"id":"e1"}]`))
	b := New(fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := b.SyncToLocal(ctx, key)
	b.Wait()
	require.NoError(t, task.Err())
	require.Equal(t, OutcomeCopied, task.Outcome())
}

func TestSyncWaitsForLocalWriter(t *testing.T) {
	fake := storetest.New()
	fake.Seed(store.Network, key, []byte(`[{"id":"e1"}]`))
	b := New(fake)

	// an own write holds the key while it updates Local
	unlock := b.Lock(key)
	task := b.SyncToLocal(context.Background(), key, KeepLocal(func(local []byte) bool {
		return string(local) != "[]"
	}))

	select {
	case <-task.Done():
		t.Fatal("copy finished while the key was locked")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, fake.Calls(store.Local, storetest.OpHash))

	fake.Seed(store.Local, key, []byte(`[{"id":"e1"},{"id":"e2"}]`))
	unlock()
	unlock()

	require.NoError(t, task.Wait(context.Background(), time.Second))
	require.Equal(t, OutcomeKept, task.Outcome())

	got, _ := fake.Get(store.Local, key)
	require.Equal(t, `[{"id":"e1"},{"id":"e2"}]`, string(got))
}

func TestKeyLocksReleaseIdleKeys(t *testing.T) {
	var locks keyLocks
	other := replicache.Key{Owner: "alice", RecordType: "work", Period: "2026-11"}

	a := locks.lock(key)
	b := locks.lock(other)
	require.Len(t, locks.locks, 2)

	a()
	b()
	require.Empty(t, locks.locks)
}
