package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/datastore"
	"github.com/shardfs/shardfs/datastore/memstore"
)

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.HSet(ctx, "k", "a", "1"))
	require.NoError(t, s.HSet(ctx, "k", "b", "2"))

	v, err := s.HGet(ctx, "k", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := s.HGetAll(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, s.HDel(ctx, "k", "a"))
	_, err = s.HGet(ctx, "k", "a")
	assert.ErrorIs(t, err, datastore.ErrKeyNotFound)
}

func TestZSetRangeOrdering(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.ZAdd(ctx, "nodes", "/a", 2))
	require.NoError(t, s.ZAdd(ctx, "nodes", "/", 1))
	require.NoError(t, s.ZAdd(ctx, "nodes", "/a/b", 3))

	members, err := s.ZRangeWithScores(ctx, "nodes", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "/", members[0].Member)
	assert.Equal(t, "/a", members[1].Member)
	assert.Equal(t, "/a/b", members[2].Member)

	byScore, err := s.ZRangeByScore(ctx, "nodes", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, byScore)
}

func TestIncrMonotonic(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	first, err := s.Incr(ctx, "ctr")
	require.NoError(t, err)
	second, err := s.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Less(t, first, second)
}

func TestGetMissingKey(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, datastore.ErrKeyNotFound)
}
