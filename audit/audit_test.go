package audit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfs/shardfs/audit"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []audit.Event
	shutdown bool
}

func (r *recordingSink) ProcessEvent(_ context.Context, ev audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Shutdown(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	return nil
}

func (r *recordingSink) snapshot() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func TestMailboxDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	mb := audit.NewMailbox(sink, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mb.Start(ctx)

	for i := 0; i < 5; i++ {
		path := "/" + string(rune('a'+i))
		require.NoError(t, mb.Trigger(audit.Event{FilePath: path, Type: audit.Disassembled}))
	}

	require.NoError(t, mb.Shutdown(context.Background()))
	events := sink.snapshot()
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, "/"+string(rune('a'+i)), ev.FilePath)
	}
	assert.True(t, sink.shutdown)
}

func TestMailboxFullReturnsError(t *testing.T) {
	sink := &recordingSink{}
	mb := audit.NewMailbox(sink, 1)
	// Don't Start the consumer: the single slot fills immediately.
	require.NoError(t, mb.Trigger(audit.Event{FilePath: "/a"}))
	err := mb.Trigger(audit.Event{FilePath: "/b"})
	assert.ErrorIs(t, err, audit.ErrMailboxFull)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "DISASSEMBLED", audit.Disassembled.String())
	assert.Equal(t, "REASSEMBLED", audit.Reassembled.String())
}

func TestMailboxDrainsBeforeShutdownCompletes(t *testing.T) {
	sink := &recordingSink{}
	mb := audit.NewMailbox(sink, 16)
	ctx := context.Background()
	mb.Start(ctx)

	for i := 0; i < 10; i++ {
		require.NoError(t, mb.Trigger(audit.Event{FilePath: "/a"}))
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, mb.Shutdown(shutdownCtx))
	assert.Len(t, sink.snapshot(), 10)
}
