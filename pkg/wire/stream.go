package wire

import (
	"context"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/brineforge/apnsession/pkg/constants"
	"github.com/brineforge/apnsession/pkg/devicetoken"
	apnserrors "github.com/brineforge/apnsession/pkg/errors"
	"github.com/brineforge/apnsession/pkg/result"
)

// AcquireSlot blocks until a stream slot is available on this connection
// (capacity = maxConcurrentStreams), or ctx is done. Callers must release
// with ReleaseSlot on every exit path.
func (c *Connection) AcquireSlot(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseSlot frees a previously acquired stream slot.
func (c *Connection) ReleaseSlot() {
	select {
	case <-c.slots:
	default:
	}
}

// SendNotification opens a stream, writes the request, and waits for and
// classifies the response. The caller must already hold a stream slot
// (see AcquireSlot) and a 300s outer-timeout context.
func (c *Connection) SendNotification(ctx context.Context, token devicetoken.Token, headers []Header, body []byte) result.ApnResult {
	if !c.Open() {
		return result.ClientError(apnserrors.NewValidationError("connection closed"))
	}

	streamID, ps, err := c.openStream()
	if err != nil {
		return result.ClientError(err)
	}
	defer c.unregisterStream(streamID)

	if err := c.writeHeadersAndBody(streamID, headers, body); err != nil {
		c.markClosed()
		return result.IoError(err)
	}

	return c.awaitResponse(ctx, ps)
}

// openStream allocates the next client stream ID and registers a
// pendingStream to receive demultiplexed frames.
func (c *Connection) openStream() (uint32, *pendingStream, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	if c.nextStreamID > (1<<31 - 1) {
		return 0, nil, apnserrors.NewProtocolError("stream ID space exhausted", nil)
	}
	id := c.nextStreamID
	c.nextStreamID += 2

	ps := &pendingStream{frames: make(chan streamEvent, 32)}
	c.streams[id] = ps
	return id, ps, nil
}

func (c *Connection) unregisterStream(id uint32) {
	c.streamMu.Lock()
	delete(c.streams, id)
	c.streamMu.Unlock()
}

// writeHeadersAndBody sends HEADERS (END_HEADERS) and then the body as
// DATA frames terminated by END_STREAM.
func (c *Connection) writeHeadersAndBody(streamID uint32, headers []Header, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.encBuf.Reset()
	for _, h := range headers {
		if strings.HasPrefix(h.Name, ":") {
			if err := c.encoder.WriteField(hpack.HeaderField{Name: h.Name, Value: h.Value}); err != nil {
				return apnserrors.NewProtocolError("encoding pseudo-header "+h.Name, err)
			}
		}
	}
	for _, h := range headers {
		if !strings.HasPrefix(h.Name, ":") {
			if err := c.encoder.WriteField(hpack.HeaderField{Name: strings.ToLower(h.Name), Value: h.Value}); err != nil {
				return apnserrors.NewProtocolError("encoding header "+h.Name, err)
			}
		}
	}

	encoded := make([]byte, c.encBuf.Len())
	copy(encoded, c.encBuf.Bytes())

	endStreamOnHeaders := len(body) == 0
	if err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: encoded,
		EndStream:     endStreamOnHeaders,
		EndHeaders:    true,
	}); err != nil {
		return apnserrors.NewIOError("writing HEADERS frame", err)
	}
	if endStreamOnHeaders {
		c.touchLocked()
		return nil
	}

	// Chunk the body respecting MaxFrameSize. Outgoing flow-control
	// waiting on peer WINDOW_UPDATE is intentionally not implemented:
	// APNs notification bodies are well under the default window, so
	// write-side throttling never kicks in (see readLoop's
	// WindowUpdateFrame case).
	const chunkSize = constants.SettingsMaxFrameSize
	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		last := end == len(body)
		if err := c.framer.WriteData(streamID, last, body[offset:end]); err != nil {
			return apnserrors.NewIOError("writing DATA frame", err)
		}
	}
	c.touchLocked()
	return nil
}

func (c *Connection) touchLocked() {
	c.touch()
}

// awaitResponse collects the response HEADERS and body frames for one
// stream and classifies the result.
func (c *Connection) awaitResponse(ctx context.Context, ps *pendingStream) result.ApnResult {
	status := -1
	var body []byte
	headerSeen := false

	for {
		select {
		case <-ctx.Done():
			return result.ClientError(apnserrors.NewTimeoutError("awaiting APNs response", constants.OuterTimeout))
		case ev := <-ps.frames:
			if ev.refused {
				return result.Backoff()
			}
			if ev.err != nil {
				if apnserrors.GetErrorType(ev.err) == apnserrors.ErrorTypeIO {
					return result.IoError(ev.err)
				}
				return result.ClientError(ev.err)
			}
			if ev.headerDone {
				headerSeen = true
				status = ev.status
			}
			if len(ev.data) > 0 {
				if len(body)+len(ev.data) > constants.MaxResponseBodySize {
					return result.ClientError(apnserrors.NewProtocolError("response body exceeds limit", nil))
				}
				body = append(body, ev.data...)
			}
			if ev.endStream {
				if !headerSeen || status < 0 {
					return result.ClientError(apnserrors.NewValidationError(`missing required response header ":status"`))
				}
				return result.Classify(status, body)
			}
		}
	}
}
