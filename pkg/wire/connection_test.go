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

	"github.com/brineforge/apnsession/pkg/apntype"
	"github.com/brineforge/apnsession/pkg/devicetoken"
	"github.com/brineforge/apnsession/pkg/result"
)

// fakePeer drives the server side of an in-memory pipe, standing in for
// APNs so the reader loop and stream dispatch can be exercised without a
// real TCP/TLS dial.
type fakePeer struct {
	t       *testing.T
	framer  *http2.Framer
	encBuf  bytes.Buffer
	encoder *hpack.Encoder
	decoder *hpack.Decoder
}

func newFakePeer(t *testing.T, conn net.Conn) *fakePeer {
	p := &fakePeer{t: t, framer: http2.NewFramer(conn, conn)}
	p.encoder = hpack.NewEncoder(&p.encBuf)
	p.decoder = hpack.NewDecoder(4096, nil)
	return p
}

// readRequest reads the next HEADERS frame (and any following DATA frames
// up to END_STREAM) and returns the stream ID and decoded pseudo-headers.
func (p *fakePeer) readRequest() (uint32, map[string]string, []byte) {
	p.t.Helper()
	var streamID uint32
	headers := make(map[string]string)
	var body []byte

	for {
		frame, err := p.framer.ReadFrame()
		assert.NoError(p.t, err)
		if err != nil {
			return streamID, headers, body
		}

		switch f := frame.(type) {
		case *http2.HeadersFrame:
			streamID = f.StreamID
			p.decoder.SetEmitFunc(func(hf hpack.HeaderField) {
				headers[hf.Name] = hf.Value
			})
			_, err := p.decoder.Write(f.HeaderBlockFragment())
			assert.NoError(p.t, err)
			if f.StreamEnded() {
				return streamID, headers, body
			}
		case *http2.DataFrame:
			body = append(body, f.Data()...)
			if f.StreamEnded() {
				return streamID, headers, body
			}
		}
	}
}

// respond writes a HEADERS frame carrying :status and, if body is
// non-nil, a trailing DATA frame, both with END_STREAM set on the last
// frame written.
func (p *fakePeer) respond(streamID uint32, status string, body []byte) {
	p.t.Helper()
	p.encBuf.Reset()
	assert.NoError(p.t, p.encoder.WriteField(hpack.HeaderField{Name: ":status", Value: status}))

	endStream := len(body) == 0
	assert.NoError(p.t, p.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: p.encBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	}))
	if !endStream {
		assert.NoError(p.t, p.framer.WriteData(streamID, true, body))
	}
}

// newTestConnection wires a Connection to one end of an in-memory pipe,
// starts its reader loop, and returns the peer driving the other end.
func newTestConnection(t *testing.T, maxStreams int) (*Connection, *fakePeer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	c := &Connection{
		log:             zerolog.Nop(),
		conn:            clientSide,
		framer:          http2.NewFramer(clientSide, clientSide),
		nextStreamID:    1,
		streams:         make(map[uint32]*pendingStream),
		stopFlowControl: make(chan struct{}),
		readerDone:      make(chan struct{}),
		slots:           make(chan struct{}, maxStreams),
	}
	c.encBuf = &bytes.Buffer{}
	c.encoder = hpack.NewEncoder(c.encBuf)
	c.decoder = hpack.NewDecoder(4096, nil)
	c.open.Store(true)

	c.wg.Add(1)
	go c.readLoop()

	// Closing the raw pipe ends (rather than calling c.Close, which writes
	// a GOAWAY frame nobody in this test is still reading) is enough to
	// unblock readLoop's pending ReadFrame and let it exit.
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})

	return c, newFakePeer(t, serverSide)
}

func TestConnectionSendNotificationOk(t *testing.T) {
	c, peer := newTestConnection(t, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		streamID, headers, body := peer.readRequest()
		assert.Equal(t, "POST", headers[":method"])
		assert.Equal(t, "/3/device/abcd1234", headers[":path"])
		assert.Equal(t, `{"aps":{}}`, string(body))
		peer.respond(streamID, "200", nil)
	}()

	tok, err := devicetoken.FromHex("ABCD1234")
	require.NoError(t, err)
	headers := BuildRequest("api.push.apple.com", tok, "com.example.App", apntype.Alert, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.AcquireSlot(ctx))
	defer c.ReleaseSlot()

	res := c.SendNotification(ctx, tok, headers, []byte(`{"aps":{}}`))
	<-done

	require.Equal(t, result.KindOk, res.Kind)
}

func TestConnectionSendNotificationClassifiesFatalReason(t *testing.T) {
	c, peer := newTestConnection(t, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		streamID, _, _ := peer.readRequest()
		peer.respond(streamID, "400", []byte(`{"reason":"BadDeviceToken"}`))
		// The client answers the DATA frame with a stream-level and a
		// connection-level WINDOW_UPDATE; read both so its reader loop is
		// not left blocked writing to the unbuffered pipe.
		for i := 0; i < 2; i++ {
			f, err := peer.framer.ReadFrame()
			assert.NoError(t, err)
			assert.IsType(t, &http2.WindowUpdateFrame{}, f)
		}
	}()

	tok, _ := devicetoken.FromHex("ab")
	headers := BuildRequest("api.push.apple.com", tok, "com.example.App", apntype.Alert, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.AcquireSlot(ctx))
	defer c.ReleaseSlot()

	res := c.SendNotification(ctx, tok, headers, nil)
	<-done

	require.Equal(t, result.KindFatal, res.Kind)
	require.Equal(t, result.FatalBadDeviceToken, res.FatalReason)
	require.False(t, res.IsFatalOther())
}

func TestConnectionSendNotificationMultiplexesConcurrentStreams(t *testing.T) {
	c, peer := newTestConnection(t, 4)

	const n = 5
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		for i := 0; i < n; i++ {
			streamID, _, _ := peer.readRequest()
			peer.respond(streamID, "200", nil)
		}
	}()

	tok, _ := devicetoken.FromHex("ab")
	headers := BuildRequest("api.push.apple.com", tok, "com.example.App", apntype.Background, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan result.ApnResult, n)
	for i := 0; i < n; i++ {
		go func() {
			if err := c.AcquireSlot(ctx); err != nil {
				results <- result.ClientError(err)
				return
			}
			defer c.ReleaseSlot()
			results <- c.SendNotification(ctx, tok, headers, nil)
		}()
	}

	for i := 0; i < n; i++ {
		res := <-results
		require.Equal(t, result.KindOk, res.Kind)
	}
	<-serverDone
}

func TestConnectionSendNotificationOnClosedConnectionIsClientError(t *testing.T) {
	c, _ := newTestConnection(t, 4)
	c.markClosed()

	tok, _ := devicetoken.FromHex("ab")
	headers := BuildRequest("api.push.apple.com", tok, "com.example.App", apntype.Alert, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := c.SendNotification(ctx, tok, headers, nil)
	require.Equal(t, result.KindClientError, res.Kind)
}
