package metadata_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/datastore/memstore"
	"github.com/shardfs/shardfs/metadata"
	"github.com/shardfs/shardfs/namespace"
	"github.com/shardfs/shardfs/vfserr"
)

func setup(t *testing.T) (*memstore.Store, namespace.Tag) {
	t.Helper()
	store := memstore.New()
	tag := namespace.New("test")
	require.NoError(t, metadata.InitRoot(context.Background(), store, tag, time.Now()))
	return store, tag
}

func TestInitRootIsIdempotent(t *testing.T) {
	store, tag := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, metadata.InitRoot(ctx, store, tag, time.Now()))
	}

	id, err := store.HGet(ctx, tag.PathToID(), namespace.Root)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	next, err := metadata.AllocateFileID(ctx, store, tag)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next)
}

func TestGetattrRoot(t *testing.T) {
	store, tag := setup(t)
	ctx := context.Background()
	eng := metadata.New(store, tag)

	attr, err := eng.Getattr(ctx, namespace.RootFileID)
	require.NoError(t, err)
	assert.Equal(t, metadata.ProtoDir, attr.Type)
	assert.Equal(t, uint32(0755|0x80)&0x1FF, attr.Mode)
	assert.Equal(t, uint64(namespace.RootFileID), attr.FileID)
}

func TestGetattrMissingFileIDIsNotExist(t *testing.T) {
	store, tag := setup(t)
	eng := metadata.New(store, tag)

	_, err := eng.Getattr(context.Background(), 999)
	assert.ErrorIs(t, err, vfserr.ErrNotExist)
}

func TestSetattrUpdatesModeAndSize(t *testing.T) {
	store, tag := setup(t)
	ctx := context.Background()
	eng := metadata.New(store, tag)

	mode := uint32(0644)
	size := uint64(42)
	attr, err := eng.Setattr(ctx, namespace.RootFileID, metadata.Sattr{
		Mode: &mode,
		Size: &size,
	})
	require.NoError(t, err)
	assert.Equal(t, (0644|0x80)&0x1FF, int(attr.Mode))
	assert.Equal(t, uint64(42), attr.Size)
}

func TestSetattrServerTimeAdvancesTimestamp(t *testing.T) {
	store, tag := setup(t)
	ctx := context.Background()
	eng := metadata.New(store, tag)

	before, err := eng.Getattr(ctx, namespace.RootFileID)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	after, err := eng.Setattr(ctx, namespace.RootFileID, metadata.Sattr{AtimeOp: metadata.TimeServerTime})
	require.NoError(t, err)
	assert.True(t, after.Atime.After(before.Atime))
}

func TestFormatMasksModeAndMapsFtype(t *testing.T) {
	f := metadata.Format(metadata.Attr{FType: metadata.TypeSymlink, Mode: 0o1777})
	assert.Equal(t, metadata.ProtoSymlink, f.Type)
	assert.Equal(t, uint32(0o1777|0x80)&0x1FF, f.Mode)
}
