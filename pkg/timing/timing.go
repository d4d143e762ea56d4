// Package timing measures how long each stage of establishing a new APNs
// connection takes, so the Connection Factory can log it alongside the
// connection-established event.
package timing

import "time"

// DialTiming captures how long the TCP dial and TLS handshake stages of
// Dial took. Unlike a generic HTTP client, there is no separate DNS stage
// worth measuring here (net.Dialer resolves inline) and no TTFB stage
// (that belongs to an individual stream, not the connection).
type DialTiming struct {
	TCPConnect   time.Duration
	TLSHandshake time.Duration
}

// Timer measures the stages of one Dial call.
type Timer struct {
	dialStart time.Time
	dialDone  time.Time
	tlsDone   time.Time
}

// NewTimer starts timing a dial.
func NewTimer() *Timer {
	return &Timer{dialStart: time.Now()}
}

// MarkDialed records that the TCP dial completed.
func (t *Timer) MarkDialed() {
	t.dialDone = time.Now()
}

// MarkHandshakeDone records that the TLS handshake completed.
func (t *Timer) MarkHandshakeDone() {
	t.tlsDone = time.Now()
}

// Finish returns the measured durations. Call after MarkDialed and
// MarkHandshakeDone.
func (t *Timer) Finish() DialTiming {
	return DialTiming{
		TCPConnect:   t.dialDone.Sub(t.dialStart),
		TLSHandshake: t.tlsDone.Sub(t.dialDone),
	}
}
