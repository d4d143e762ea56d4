package wire

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func newBareConnection(t *testing.T, maxStreams int) *Connection {
	t.Helper()
	clientSide, _ := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })

	c := &Connection{
		log:          zerolog.Nop(),
		conn:         clientSide,
		framer:       http2.NewFramer(clientSide, clientSide),
		nextStreamID: 1,
		streams:      make(map[uint32]*pendingStream),
		slots:        make(chan struct{}, maxStreams),
	}
	c.encBuf = &bytes.Buffer{}
	c.encoder = hpack.NewEncoder(c.encBuf)
	c.decoder = hpack.NewDecoder(4096, nil)
	c.open.Store(true)
	return c
}

func TestOpenStreamAllocatesOddIncreasingIDs(t *testing.T) {
	c := newBareConnection(t, 4)

	id1, ps1, err := c.openStream()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id1)

	id2, ps2, err := c.openStream()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id2)

	assert.NotSame(t, ps1, ps2)

	c.streamMu.Lock()
	assert.Len(t, c.streams, 2)
	c.streamMu.Unlock()

	c.unregisterStream(id1)
	c.unregisterStream(id2)

	c.streamMu.Lock()
	assert.Empty(t, c.streams)
	c.streamMu.Unlock()
}

func TestAcquireSlotBlocksAtCapacityUntilReleased(t *testing.T) {
	c := newBareConnection(t, 1)

	ctx := context.Background()
	require.NoError(t, c.AcquireSlot(ctx))

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := c.AcquireSlot(blocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.ReleaseSlot()

	unblocked, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	assert.NoError(t, c.AcquireSlot(unblocked))
}

func TestDeliverToUnknownStreamIsANoop(t *testing.T) {
	c := newBareConnection(t, 4)
	assert.NotPanics(t, func() {
		c.deliver(99, streamEvent{status: 200, headerDone: true, endStream: true})
	})
}

func TestDeliverDropsOnFullBufferRatherThanBlocking(t *testing.T) {
	c := newBareConnection(t, 4)
	id, ps, err := c.openStream()
	require.NoError(t, err)

	for i := 0; i < cap(ps.frames)+5; i++ {
		c.deliver(id, streamEvent{data: []byte("x")})
	}
	assert.Len(t, ps.frames, cap(ps.frames))
}
