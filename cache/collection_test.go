package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionOperations(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollection(t, env, WriteBack)
	ctx := context.Background()

	list, err := c.Add(ctx, alice, aliceWork, item{ID: "e1", Hours: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = c.Add(ctx, alice, aliceWork, item{ID: "e1"})
	require.ErrorIs(t, err, ErrDuplicateElement)

	list, err = c.Update(ctx, alice, aliceWork, item{ID: "e1", Hours: 4})
	require.NoError(t, err)
	require.Equal(t, []item{{ID: "e1", Hours: 4}}, list)

	_, err = c.Update(ctx, alice, aliceWork, item{ID: "missing"})
	require.ErrorIs(t, err, ErrElementNotFound)

	found, ok, err := c.Find(ctx, alice, aliceWork, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 4, found.Hours, 0.001)

	_, err = c.Delete(ctx, alice, aliceWork, "missing")
	require.ErrorIs(t, err, ErrElementNotFound)

	list, err = c.Delete(ctx, alice, aliceWork, "e1")
	require.NoError(t, err)
	require.Empty(t, list)

	_, ok, err = c.Find(ctx, alice, aliceWork, "e1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCollectionFailedMutationLeavesEntryUnchanged(t *testing.T) {
	env := newTestEnv(t)
	c := newTestCollection(t, env, WriteBack)
	ctx := context.Background()

	_, err := c.Add(ctx, alice, aliceWork, item{ID: "e1"})
	require.NoError(t, err)
	version := c.lookup(aliceWork).Version()

	_, err = c.Delete(ctx, alice, aliceWork, "missing")
	require.ErrorIs(t, err, ErrElementNotFound)
	require.Equal(t, version, c.lookup(aliceWork).Version())
}

func TestNewCollectionRequiresID(t *testing.T) {
	_, err := NewCollection[item](Config[[]item]{Name: "work", Store: newTestEnv(t).facade}, nil)
	require.Error(t, err)
}
