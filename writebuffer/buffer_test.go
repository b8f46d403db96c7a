package writebuffer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shardfs/shardfs/writebuffer"
)

func TestWriteOverwritesSameOffset(t *testing.T) {
	buf := writebuffer.New()
	buf.Write(0, []byte("aaaa"))
	buf.Write(0, []byte("bb"))
	assert.Equal(t, []byte("bbaa"), buf.ReadAll())
}

func TestReadAllZeroFillsGaps(t *testing.T) {
	buf := writebuffer.New()
	buf.Write(0, []byte("ab"))
	buf.Write(5, []byte("cd"))
	assert.Equal(t, []byte{'a', 'b', 0, 0, 0, 'c', 'd'}, buf.ReadAll())
}

func TestReadRangeStopsAtGap(t *testing.T) {
	buf := writebuffer.New()
	buf.Write(0, []byte("ab"))
	buf.Write(5, []byte("cd"))
	assert.Equal(t, []byte("ab"), buf.ReadRange(0, 10))
}

func TestReadRangeClampsToTotalSize(t *testing.T) {
	buf := writebuffer.New()
	buf.Write(0, []byte("hello"))
	assert.Equal(t, []byte("hel"), buf.ReadRange(0, 3))
	assert.Equal(t, []byte("hello"), buf.ReadRange(0, 100))
}

func TestSnapshotMatchesReadAllOverlay(t *testing.T) {
	buf := writebuffer.New()
	buf.Write(2, []byte("cd"))
	buf.Write(0, []byte("ab"))

	snap := buf.Snapshot()
	overlay := make([]byte, buf.TotalSize())
	for _, c := range snap {
		copy(overlay[c.Offset:], c.Data)
	}
	assert.Equal(t, buf.ReadAll(), overlay)
}

func TestCompleteLatchIsOneShot(t *testing.T) {
	buf := writebuffer.New()
	assert.False(t, buf.IsWriteComplete())
	buf.SetComplete()
	assert.True(t, buf.IsWriteComplete())
}

func TestTimeSinceLastWrite(t *testing.T) {
	buf := writebuffer.New()
	buf.Write(0, []byte("x"))
	d := buf.TimeSinceLastWrite(time.Now().Add(10 * time.Millisecond))
	assert.GreaterOrEqual(t, d, 9*time.Millisecond)
}
