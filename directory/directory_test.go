package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/datastore/memstore"
	"github.com/shardfs/shardfs/directory"
	"github.com/shardfs/shardfs/metadata"
	"github.com/shardfs/shardfs/namespace"
	"github.com/shardfs/shardfs/vfserr"
)

func setup(t *testing.T) (*directory.Engine, *metadata.Engine) {
	t.Helper()
	store := memstore.New()
	tag := namespace.New("test")
	require.NoError(t, metadata.InitRoot(context.Background(), store, tag, time.Now()))
	meta := metadata.New(store, tag)
	dir := directory.New(store, tag, meta, directory.Options{})
	return dir, meta
}

func TestMkdirAndLookup(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	attr, err := dir.Mkdir(ctx, namespace.RootFileID, "sub", 0755)
	require.NoError(t, err)
	assert.Equal(t, metadata.ProtoDir, attr.Type)

	id, err := dir.Lookup(ctx, namespace.RootFileID, "sub")
	require.NoError(t, err)
	assert.NotEqual(t, namespace.RootFileID, id)
}

func TestCreateCollisionIsExist(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Create(ctx, namespace.RootFileID, "f", 0644)
	require.NoError(t, err)
	_, err = dir.Create(ctx, namespace.RootFileID, "f", 0644)
	assert.ErrorIs(t, err, vfserr.ErrExist)
}

func TestLookupMissingNameIsNotExist(t *testing.T) {
	dir, _ := setup(t)
	_, err := dir.Lookup(context.Background(), namespace.RootFileID, "nope")
	assert.ErrorIs(t, err, vfserr.ErrNotExist)
}

func TestCreateExclusiveReturnsExistingWithoutError(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	first, created, err := dir.CreateExclusive(ctx, namespace.RootFileID, "f", 0644)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := dir.CreateExclusive(ctx, namespace.RootFileID, "f", 0600)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.FileID, second.FileID)
}

func TestSymlinkAndReadlink(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Symlink(ctx, namespace.RootFileID, "link", "/target", 0777)
	require.NoError(t, err)
	id, err := dir.Lookup(ctx, namespace.RootFileID, "link")
	require.NoError(t, err)

	target, err := dir.Readlink(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/target", target)
}

func TestReadlinkOnNonSymlinkIsInvalid(t *testing.T) {
	dir, _ := setup(t)
	_, err := dir.Readlink(context.Background(), namespace.RootFileID)
	assert.ErrorIs(t, err, vfserr.ErrInvalid)
}

func TestRemoveRefusesNonEmptyDirectory(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Mkdir(ctx, namespace.RootFileID, "sub", 0755)
	require.NoError(t, err)
	subID, err := dir.Lookup(ctx, namespace.RootFileID, "sub")
	require.NoError(t, err)
	_, err = dir.Create(ctx, subID, "child", 0644)
	require.NoError(t, err)

	err = dir.Remove(ctx, namespace.RootFileID, "sub")
	assert.ErrorIs(t, err, vfserr.ErrNotEmpty)
}

func TestRemoveDeletesEmptyEntry(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Create(ctx, namespace.RootFileID, "f", 0644)
	require.NoError(t, err)
	require.NoError(t, dir.Remove(ctx, namespace.RootFileID, "f"))

	_, err = dir.Lookup(ctx, namespace.RootFileID, "f")
	assert.ErrorIs(t, err, vfserr.ErrNotExist)
}

func TestReaddirOrderingAndCookie(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	var ids []uint64
	for _, name := range []string{"a", "b", "c"} {
		attr, err := dir.Create(ctx, namespace.RootFileID, name, 0644)
		require.NoError(t, err)
		ids = append(ids, attr.FileID)
	}

	entries, eof, err := dir.Readdir(ctx, namespace.RootFileID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, eof)
	assert.Equal(t, ids[0], entries[0].FileID)
	assert.Equal(t, ids[2], entries[2].FileID)

	entries, eof, err = dir.Readdir(ctx, namespace.RootFileID, ids[0], 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, eof)

	entries, eof, err = dir.Readdir(ctx, namespace.RootFileID, 0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, eof)
}

func TestReaddirZeroMaxReturnsEmptyPage(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Create(ctx, namespace.RootFileID, "a", 0644)
	require.NoError(t, err)

	entries, eof, err := dir.Readdir(ctx, namespace.RootFileID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, eof)

	attr, err := dir.Mkdir(ctx, namespace.RootFileID, "empty", 0755)
	require.NoError(t, err)
	entries, eof, err = dir.Readdir(ctx, attr.FileID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, eof)
}

func TestReaddirDoesNotLeakGrandchildren(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Mkdir(ctx, namespace.RootFileID, "sub", 0755)
	require.NoError(t, err)
	subID, err := dir.Lookup(ctx, namespace.RootFileID, "sub")
	require.NoError(t, err)
	_, err = dir.Create(ctx, subID, "deep", 0644)
	require.NoError(t, err)

	entries, _, err := dir.Readdir(ctx, namespace.RootFileID, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/sub", entries[0].Path)
}

func TestRenamePreservesFileIDAndMovesDescendants(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Mkdir(ctx, namespace.RootFileID, "src", 0755)
	require.NoError(t, err)
	srcID, err := dir.Lookup(ctx, namespace.RootFileID, "src")
	require.NoError(t, err)
	childAttr, err := dir.Create(ctx, srcID, "child", 0644)
	require.NoError(t, err)

	require.NoError(t, dir.Rename(ctx, namespace.RootFileID, "src", namespace.RootFileID, "dst"))

	newDirID, err := dir.Lookup(ctx, namespace.RootFileID, "dst")
	require.NoError(t, err)
	assert.Equal(t, srcID, newDirID)

	childID, err := dir.Lookup(ctx, newDirID, "child")
	require.NoError(t, err)
	assert.Equal(t, childAttr.FileID, childID)

	_, err = dir.Lookup(ctx, namespace.RootFileID, "src")
	assert.ErrorIs(t, err, vfserr.ErrNotExist)
}

func TestRenameToExistingNameIsExist(t *testing.T) {
	dir, _ := setup(t)
	ctx := context.Background()

	_, err := dir.Create(ctx, namespace.RootFileID, "a", 0644)
	require.NoError(t, err)
	_, err = dir.Create(ctx, namespace.RootFileID, "b", 0644)
	require.NoError(t, err)

	err = dir.Rename(ctx, namespace.RootFileID, "a", namespace.RootFileID, "b")
	assert.ErrorIs(t, err, vfserr.ErrExist)
}

func TestReadOnlyEngineRejectsMutators(t *testing.T) {
	store := memstore.New()
	tag := namespace.New("test")
	require.NoError(t, metadata.InitRoot(context.Background(), store, tag, time.Now()))
	meta := metadata.New(store, tag)
	dir := directory.New(store, tag, meta, directory.Options{ReadOnly: true})

	_, err := dir.Create(context.Background(), namespace.RootFileID, "f", 0644)
	assert.ErrorIs(t, err, vfserr.ErrReadOnly)
}
