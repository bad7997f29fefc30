package cache

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/replicache/identity"
)

func TestEntryLifecycle(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	e := newEntry(aliceWork, cloneItems)

	_, ok := e.Get()
	require.False(t, ok)
	require.False(t, e.IsValid())

	e.initializeLocked([]item{{ID: "e1"}}, false, now)
	require.True(t, e.IsValid())
	require.False(t, e.IsDirty())
	require.False(t, e.Absent())

	v := e.updateLocked([]item{{ID: "e1"}, {ID: "e2"}}, alice, now.Add(time.Second))
	require.True(t, e.IsDirty())

	record, version, dirty, writer := e.Snapshot()
	require.Len(t, record, 2)
	require.Equal(t, v, version)
	require.True(t, dirty)
	require.Equal(t, alice, writer)

	// a change made during the flush keeps the entry dirty
	e.updateLocked([]item{{ID: "e3"}}, alice, now.Add(2*time.Second))
	require.False(t, e.MarkClean(v))
	require.True(t, e.IsDirty())
	require.True(t, e.MarkClean(e.Version()))
	require.False(t, e.IsDirty())

	e.Clear()
	require.False(t, e.IsValid())
	require.False(t, e.MarkClean(e.Version()))
	_, ok = e.Get()
	require.False(t, ok)
}

func TestEntryGetReturnsCopy(t *testing.T) {
	e := newEntry(aliceWork, cloneItems)
	e.initializeLocked([]item{{ID: "e1", Hours: 1}}, false, time.Now())

	got, _ := e.Get()
	got[0].Hours = 5

	again, _ := e.Get()
	require.InDelta(t, 1, again[0].Hours, 0.001)
}

func TestEntryAbsent(t *testing.T) {
	e := newEntry(aliceWork, cloneItems)
	e.initializeLocked([]item{}, true, time.Now())
	require.True(t, e.Absent())

	e.updateLocked([]item{{ID: "e1"}}, identity.Identity{Owner: "alice"}, time.Now())
	require.False(t, e.Absent())
}

func cloneItems(r []item) []item { return slices.Clone(r) }
