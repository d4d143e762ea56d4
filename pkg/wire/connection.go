package wire

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/brineforge/apnsession/pkg/constants"
	"github.com/brineforge/apnsession/pkg/credentials"
	apnserrors "github.com/brineforge/apnsession/pkg/errors"
	"github.com/brineforge/apnsession/pkg/timing"
	"github.com/brineforge/apnsession/pkg/tlsconfig"
)

// Info is the immutable per-session connection configuration, captured at
// session creation and handed to Dial to create connections on demand.
type Info struct {
	Hostname             string
	MaxConcurrentStreams uint32
	Credentials          credentials.Source
	TLSProfile           tlsconfig.VersionProfile
}

// Connection is one TLS-secured HTTP/2 connection to APNs.
type Connection struct {
	info Info
	log  zerolog.Logger

	conn    net.Conn
	framer  *http2.Framer
	encBuf  *bytes.Buffer
	encoder *hpack.Encoder
	decoder *hpack.Decoder

	writeMu sync.Mutex // serializes frame writes on the shared framer

	slots chan struct{} // stream-slot semaphore, capacity = maxConcurrentStreams

	streamMu     sync.Mutex
	nextStreamID uint32
	streams      map[uint32]*pendingStream

	open         atomic.Bool
	lastActivity atomic.Int64 // unix nanos, for idle-TTL accounting

	stopFlowControl chan struct{}
	readerDone      chan struct{}
	wg              sync.WaitGroup
}

// pendingStream is a stream awaiting (or receiving) its response. The
// reader loop demultiplexes incoming frames to these by stream ID, since
// many streams share one connection's Framer.
type pendingStream struct {
	frames chan streamEvent
}

// streamEvent is one demultiplexed event handed to a waiting stream.
type streamEvent struct {
	status     int
	headerDone bool
	data       []byte
	endStream  bool
	err        error
	// refused marks a RST_STREAM(REFUSED_STREAM): the peer never
	// processed the request, so the caller should back off and retry
	// rather than treat it as a protocol failure.
	refused bool
}

// Dial performs the Connection Factory's job: TCP dial, TLS handshake with
// the APNs-pinned profile, the HTTP/2 preface and initial SETTINGS, and
// starts the per-connection flow-control worker.
func Dial(ctx context.Context, info Info, loaded credentials.Loaded, log zerolog.Logger) (*Connection, error) {
	addr := fmt.Sprintf("%s:%d", info.Hostname, constants.APNsPort)
	timer := timing.NewTimer()

	dialer := &net.Dialer{Timeout: constants.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, constants.DialTimeout)
	defer cancel()

	raw, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, apnserrors.NewConnectionError(info.Hostname, constants.APNsPort, err)
	}
	timer.MarkDialed()

	tlsCfg := tlsconfig.Build(tlsconfig.Params{
		Profile:      info.TLSProfile,
		SNI:          info.Hostname,
		Certificates: loaded.Certificates,
		RootCAs:      loaded.RootCAs,
	})

	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		raw.Close()
		return nil, apnserrors.NewTLSError(info.Hostname, constants.APNsPort, err)
	}
	timer.MarkHandshakeDone()
	dt := timer.Finish()

	c := &Connection{
		info:            info,
		log:             log.With().Str("remote", addr).Logger(),
		conn:            tlsConn,
		framer:          http2.NewFramer(tlsConn, tlsConn),
		nextStreamID:    1,
		streams:         make(map[uint32]*pendingStream),
		stopFlowControl: make(chan struct{}),
		readerDone:      make(chan struct{}),
		slots:           make(chan struct{}, maxInt(1, int(info.MaxConcurrentStreams))),
	}
	c.encBuf = &bytes.Buffer{}
	c.encoder = hpack.NewEncoder(c.encBuf)
	c.encoder.SetMaxDynamicTableSize(constants.HPACKDynamicTableSize)
	c.decoder = hpack.NewDecoder(constants.HPACKDynamicTableSize, nil)
	c.open.Store(true)
	c.touch()

	if err := c.sendInitialSettings(info.MaxConcurrentStreams); err != nil {
		tlsConn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.flowControlWorker()

	c.wg.Add(1)
	go c.readLoop()

	c.log.Info().
		Dur("tcp_connect", dt.TCPConnect).
		Dur("tls_handshake", dt.TLSHandshake).
		Msg("apns connection established")
	return c, nil
}

// NewBareConnection wires a Connection directly to an already-established
// net.Conn, skipping the TCP dial, TLS handshake, and initial SETTINGS
// exchange that Dial performs. It exists so other packages' tests can
// exercise pool/session behavior against a real *Connection backed by a
// net.Pipe, without a network endpoint or a fake APNs peer.
func NewBareConnection(conn net.Conn, maxConcurrentStreams uint32, log zerolog.Logger) *Connection {
	c := &Connection{
		log:             log,
		conn:            conn,
		framer:          http2.NewFramer(conn, conn),
		nextStreamID:    1,
		streams:         make(map[uint32]*pendingStream),
		stopFlowControl: make(chan struct{}),
		readerDone:      make(chan struct{}),
		slots:           make(chan struct{}, maxInt(1, int(maxConcurrentStreams))),
	}
	c.encBuf = &bytes.Buffer{}
	c.encoder = hpack.NewEncoder(c.encBuf)
	c.encoder.SetMaxDynamicTableSize(constants.HPACKDynamicTableSize)
	c.decoder = hpack.NewDecoder(constants.HPACKDynamicTableSize, nil)
	c.open.Store(true)
	c.touch()

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// readLoop is the single reader of this connection's Framer. Only one
// goroutine may safely call Framer.ReadFrame, and frames for many streams
// interleave on the wire, so every response frame is routed here to the
// waiting pendingStream by ID rather than read inline by the stream that
// sent the request.
func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.readerDone)

	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.markClosed()
			c.broadcastError(apnserrors.NewIOError("reading frame", err))
			return
		}
		c.touch()

		switch f := frame.(type) {
		case *http2.HeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				c.framer.WriteSettingsAck()
				c.writeMu.Unlock()
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				c.framer.WritePing(true, f.Data)
				c.writeMu.Unlock()
			}
		case *http2.WindowUpdateFrame:
			// Peer is granting us more send window. This implementation
			// does not block outgoing DATA frames on it (see stream.go);
			// APNs notification bodies are well under the default window,
			// so write-side flow control never becomes the bottleneck.
		case *http2.GoAwayFrame:
			c.log.Warn().Uint32("last_stream_id", f.LastStreamID).Msg("received GOAWAY")
			// Mark the connection unfit for reuse, but don't fail streams
			// already in flight: their real HEADERS/DATA frames may still
			// arrive and deliver() keeps routing them. A stream that never
			// gets a response is caught by its own outer timeout instead.
			c.markClosed()
		case *http2.RSTStreamFrame:
			if f.ErrCode == http2.ErrCodeRefusedStream {
				c.deliver(f.StreamID, streamEvent{refused: true, endStream: true})
				break
			}
			c.deliver(f.StreamID, streamEvent{err: apnserrors.NewProtocolError("stream reset", fmt.Errorf("error code: %v", f.ErrCode))})
		}
	}
}

func (c *Connection) handleHeaders(f *http2.HeadersFrame) {
	headers, err := decodeHeaderBlock(c.decoder, f.HeaderBlockFragment())
	if err != nil {
		c.deliver(f.StreamID, streamEvent{err: apnserrors.NewProtocolError("decoding headers", err)})
		return
	}
	// -1 marks a missing :status, which awaitResponse reports as a client
	// error rather than classifying.
	status := -1
	if v, ok := headers[":status"]; ok {
		fmt.Sscanf(v, "%d", &status)
	}
	c.deliver(f.StreamID, streamEvent{status: status, headerDone: true, endStream: f.StreamEnded()})
}

func (c *Connection) handleData(f *http2.DataFrame) {
	data := f.Data()
	if len(data) > 0 {
		c.writeMu.Lock()
		c.framer.WriteWindowUpdate(f.StreamID, uint32(len(data)))
		c.framer.WriteWindowUpdate(0, uint32(len(data)))
		c.writeMu.Unlock()
	}
	c.deliver(f.StreamID, streamEvent{data: data, endStream: f.StreamEnded()})
}

func (c *Connection) deliver(streamID uint32, ev streamEvent) {
	c.streamMu.Lock()
	ps, ok := c.streams[streamID]
	c.streamMu.Unlock()
	if !ok {
		return
	}
	select {
	case ps.frames <- ev:
	default:
		// Slow consumer: drop rather than block the shared reader loop.
		// The per-call outer timeout will eventually surface this as a
		// client error.
	}
}

func (c *Connection) broadcastError(err error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	for _, ps := range c.streams {
		select {
		case ps.frames <- streamEvent{err: err}:
		default:
		}
	}
}

func decodeHeaderBlock(dec *hpack.Decoder, block []byte) (map[string]string, error) {
	headers := make(map[string]string)
	dec.SetEmitFunc(func(f hpack.HeaderField) {
		headers[f.Name] = f.Value
	})
	if _, err := dec.Write(block); err != nil {
		return nil, err
	}
	return headers, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// sendInitialSettings writes the client SETTINGS frame APNs expects on
// every new connection.
func (c *Connection) sendInitialSettings(maxConcurrentStreams uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	settings := []http2.Setting{
		{ID: http2.SettingMaxFrameSize, Val: constants.SettingsMaxFrameSize},
		{ID: http2.SettingMaxConcurrentStreams, Val: maxConcurrentStreams},
		{ID: http2.SettingMaxHeaderListSize, Val: constants.SettingsMaxHeaderListSize},
		{ID: http2.SettingInitialWindowSize, Val: constants.SettingsInitialWindowSize},
		{ID: http2.SettingEnablePush, Val: 1},
	}
	if err := c.framer.WriteSettings(settings...); err != nil {
		return apnserrors.NewProtocolError("writing initial SETTINGS", err)
	}
	return nil
}

// flowControlWorker replenishes the connection-level inbound flow window
// once per second. It exits when the connection closes.
func (c *Connection) flowControlWorker() {
	defer c.wg.Done()
	ticker := time.NewTicker(constants.FlowControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.framer.WriteWindowUpdate(0, constants.SettingsInitialWindowSize)
			c.writeMu.Unlock()
			if err != nil {
				c.log.Warn().Err(err).Msg("flow-control window update failed, marking connection unhealthy")
				c.markClosed()
				return
			}
		case <-c.stopFlowControl:
			return
		}
	}
}

// Open reports whether the connection is still usable.
func (c *Connection) Open() bool {
	return c.open.Load()
}

// markClosed atomically flips the open flag false. Safe to call from the
// reader loop (GOAWAY or a read error), the flow-control worker, or Close.
func (c *Connection) markClosed() {
	c.open.Store(false)
}

// touch records activity for idle-TTL accounting.
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince returns how long this connection has been idle.
func (c *Connection) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Close tears the connection down: stops the flow-control worker, sends
// GOAWAY, and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.markClosed()

	// The open flag cannot guard teardown on its own: GOAWAY, a read error,
	// or a failed flow-control write clear it too. Closing stopFlowControl
	// under writeMu is what makes the teardown below run exactly once.
	c.writeMu.Lock()
	select {
	case <-c.stopFlowControl:
		c.writeMu.Unlock()
		return nil
	default:
	}
	close(c.stopFlowControl)
	c.framer.WriteGoAway(0, http2.ErrCodeNo, nil)
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	c.broadcastError(apnserrors.NewValidationError("connection closed"))
	c.log.Info().Msg("apns connection closed")
	return err
}
