package boltstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/datastore/boltstore"
)

func TestHashAndZSet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := boltstore.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.HSetMultiple(ctx, "{ns}:/a", map[string]string{
		"ftype": "1",
		"size":  "5",
	}))
	v, err := s.HGet(ctx, "{ns}:/a", "size")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	require.NoError(t, s.ZAdd(ctx, "{ns}:/ns_nodes", "/a", 2))
	require.NoError(t, s.ZAdd(ctx, "{ns}:/ns_nodes", "/", 1))
	members, err := s.ZRangeWithScores(ctx, "{ns}:/ns_nodes", 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "/", members[0].Member)

	id, err := s.Incr(ctx, "{ns}:/ns_next_fileid")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	id2, err := s.Incr(ctx, "{ns}:/ns_next_fileid")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)
}

func TestRenameMovesHash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := boltstore.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.HSet(ctx, "{ns}:/a", "ftype", "0"))
	require.NoError(t, s.Rename(ctx, "{ns}:/a", "{ns}:/b"))

	_, err = s.HGet(ctx, "{ns}:/a", "ftype")
	assert.Error(t, err)
	v, err := s.HGet(ctx, "{ns}:/b", "ftype")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}
