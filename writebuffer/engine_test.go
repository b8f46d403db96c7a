package writebuffer_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/audit"
	"github.com/shardfs/shardfs/datastore/memstore"
	"github.com/shardfs/shardfs/metadata"
	"github.com/shardfs/shardfs/namespace"
	"github.com/shardfs/shardfs/shamir"
	"github.com/shardfs/shardfs/shamir/testshare"
	"github.com/shardfs/shardfs/writebuffer"
)

type capturingSink struct {
	events []audit.Event
}

func (c *capturingSink) Trigger(ev audit.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestSetup(t *testing.T) (*writebuffer.Engine, *metadata.Engine, *memstore.Store, namespace.Tag, *capturingSink) {
	t.Helper()
	store := memstore.New()
	tag := namespace.New("test")
	require.NoError(t, metadata.InitRoot(context.Background(), store, tag, time.Now()))
	meta := metadata.New(store, tag)
	share := testshare.New(shamir.DefaultConfig())
	sink := &capturingSink{}
	eng := writebuffer.New(meta, share, sink, writebuffer.Options{})
	return eng, meta, store, tag, sink
}

func TestCommitStoresReassemblablePayloadAndTimestamps(t *testing.T) {
	eng, _, store, tag, sink := newTestSetup(t)
	ctx := context.Background()
	share := testshare.New(shamir.DefaultConfig())

	buf := eng.GetOrCreate(namespace.RootFileID, "/f")
	buf.Write(0, []byte("hello world"))

	require.NoError(t, eng.Commit(ctx, namespace.RootFileID))

	data, err := store.HGet(ctx, tag.Meta("/f"), "data")
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := share.Reassemble(ctx, data)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(string(decoded))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(raw))

	for _, field := range []string{"atime_sec", "mtime_sec", "ctime_sec"} {
		ts, err := store.HGet(ctx, tag.Meta("/f"), field)
		require.NoError(t, err)
		assert.NotEmpty(t, ts)
	}

	require.Len(t, sink.events, 1)
	assert.Equal(t, audit.Disassembled, sink.events[0].Type)
	assert.Equal(t, "/f", sink.events[0].FilePath)
}

func TestCommitWithNoActiveBufferIsNoop(t *testing.T) {
	eng, _, _, _, sink := newTestSetup(t)
	require.NoError(t, eng.Commit(context.Background(), 42))
	assert.Empty(t, sink.events)
}

func TestCommitRemovesActiveBufferEntry(t *testing.T) {
	eng, _, _, _, _ := newTestSetup(t)
	ctx := context.Background()
	eng.GetOrCreate(namespace.RootFileID, "/f").Write(0, []byte("a"))
	require.NoError(t, eng.Commit(ctx, namespace.RootFileID))

	_, ok := eng.Get(namespace.RootFileID)
	assert.False(t, ok)
}

func TestGitPathBypassRules(t *testing.T) {
	assert.True(t, writebuffer.ShouldCommitSynchronously("/repo/.git/HEAD"))
	assert.True(t, writebuffer.ShouldCommitSynchronously("/repo/bare.git"))
	assert.False(t, writebuffer.ShouldCommitSynchronously("/repo/.git/objects/pack/pack-1.pack"))
	assert.False(t, writebuffer.ShouldCommitSynchronously("/repo/regular/file.txt"))
}

func TestSweeperCommitsCompleteBuffers(t *testing.T) {
	store := memstore.New()
	tag := namespace.New("test")
	require.NoError(t, metadata.InitRoot(context.Background(), store, tag, time.Now()))
	meta := metadata.New(store, tag)
	sink := &capturingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := writebuffer.New(meta, testshare.New(shamir.DefaultConfig()), sink, writebuffer.Options{SweepInterval: 10 * time.Millisecond})
	eng.Start(ctx)
	defer eng.Close()

	buf := eng.GetOrCreate(namespace.RootFileID, "/f")
	buf.Write(0, []byte("swept"))
	buf.SetComplete()

	require.Eventually(t, func() bool {
		_, ok := eng.Get(namespace.RootFileID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}
