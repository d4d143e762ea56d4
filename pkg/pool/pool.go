// Package pool implements the Connection Pool: it hands a Session up to
// maxConnections idle-or-in-use *wire.Connection values, creating new ones
// on demand and evicting connections that have been idle past the idle
// TTL. The idle list is a LIFO stack guarded by a sync.Cond, so a blocked
// acquire wakes as soon as a connection is released or a new one is
// created, without the waiter polling.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brineforge/apnsession/pkg/constants"
	"github.com/brineforge/apnsession/pkg/credentials"
	apnserrors "github.com/brineforge/apnsession/pkg/errors"
	"github.com/brineforge/apnsession/pkg/wire"
)

// Stats is a point-in-time snapshot of pool occupancy and lifetime counters.
type Stats struct {
	ActiveConns  int
	IdleConns    int
	TotalCreated int
	TotalReused  int
}

// dialFunc matches wire.Dial's signature. Pool.New wires it to wire.Dial;
// tests substitute a network-free constructor to exercise pool behavior
// without a real TLS handshake.
type dialFunc func(ctx context.Context, info wire.Info, creds credentials.Loaded, log zerolog.Logger) (*wire.Connection, error)

// Pool manages the connections for one Session.
type Pool struct {
	info  wire.Info
	creds credentials.Loaded
	log   zerolog.Logger
	dial  dialFunc

	maxConnections int

	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*wire.Connection
	numActive int

	totalCreated int
	totalReused  int

	closed bool

	stopJanitor chan struct{}
	wg          sync.WaitGroup
}

// New creates a Pool bounded at maxConnections and starts its idle-TTL
// janitor. Grounded on Transport.NewWithConfig starting
// cleanupIdleConnections as a background goroutine tied to the pool's own
// lifetime.
func New(info wire.Info, creds credentials.Loaded, maxConnections int, log zerolog.Logger) *Pool {
	if maxConnections <= 0 {
		maxConnections = constants.DefaultMaxConnections
	}
	p := &Pool{
		info:           info,
		creds:          creds,
		log:            log.With().Str("component", "pool").Logger(),
		dial:           wire.Dial,
		maxConnections: maxConnections,
		idle:           make([]*wire.Connection, 0, maxConnections),
		stopJanitor:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.janitor()

	return p
}

// WithConnection acquires a connection (reusing an idle one, dialing a new
// one, or blocking until one is free up to the outer timeout), runs fn with
// a reserved stream slot, and returns the connection to the idle list on
// success. A connection that errors, or that AcquireSlot fails on, is
// discarded rather than returned to the pool: a connection that just
// failed is not trusted to serve the next caller cleanly.
func (p *Pool) WithConnection(ctx context.Context, fn func(*wire.Connection) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	if slotErr := conn.AcquireSlot(ctx); slotErr != nil {
		p.discard(conn)
		return slotErr
	}

	// If fn panics, the slot and the connection are still given back
	// before the panic continues up the stack.
	panicked := true
	defer func() {
		if panicked {
			conn.ReleaseSlot()
			p.discard(conn)
		}
	}()
	err = fn(conn)
	panicked = false
	conn.ReleaseSlot()

	if err != nil || !conn.Open() {
		if err != nil {
			p.log.Warn().
				Str("error_type", string(apnserrors.GetErrorType(err))).
				Bool("timeout", apnserrors.IsTimeoutError(err)).
				Msg("discarding connection after failed send")
		}
		p.discard(conn)
		return err
	}

	p.release(conn)
	return nil
}

// acquire returns an idle connection, dials a new one if under capacity,
// or blocks on the condition variable until a connection frees up or ctx
// is done. Grounded on hostPool's LIFO idle-list pop in getFromPool,
// generalized to block via sync.Cond instead of returning "pool
// exhausted" immediately, since callers are expected to wait up to the
// outer timeout rather than fail fast.
func (p *Pool) acquire(ctx context.Context) (*wire.Connection, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, apnserrors.NewSessionClosedError()
		}

		for len(p.idle) > 0 {
			n := len(p.idle)
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]

			if !conn.Open() || conn.IdleSince() > constants.IdleTTL {
				conn.Close()
				continue
			}

			p.numActive++
			p.totalReused++
			p.mu.Unlock()
			return conn, nil
		}

		if p.numActive < p.maxConnections {
			p.numActive++
			p.mu.Unlock()

			conn, err := p.dial(ctx, p.info, p.creds, p.log)
			if err != nil {
				p.mu.Lock()
				p.numActive--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}

			p.mu.Lock()
			p.totalCreated++
			p.mu.Unlock()
			return conn, nil
		}

		// At capacity with nothing idle: block for a signal or ctx
		// cancellation. sync.Cond has no context-aware wait, so a
		// watcher goroutine translates ctx.Done into a Broadcast.
		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				// Taking the lock ensures the waiter is already inside
				// Wait, so this Broadcast cannot be missed.
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-waitDone:
			}
		}()
		p.cond.Wait()
		close(waitDone)

		if ctx.Err() != nil {
			p.mu.Unlock()
			switch {
			case apnserrors.IsContextTimeout(ctx.Err()):
				p.log.Debug().Msg("acquire timed out waiting for a free connection")
			case apnserrors.IsContextCanceled(ctx.Err()):
				p.log.Debug().Msg("acquire canceled waiting for a free connection")
			}
			return nil, ctx.Err()
		}
	}
}

// release returns a healthy connection to the idle list.
func (p *Pool) release(conn *wire.Connection) {
	p.mu.Lock()
	p.numActive--
	keep := !p.closed && conn.Open()
	if keep {
		p.idle = append(p.idle, conn)
	}
	p.cond.Signal()
	p.mu.Unlock()

	if !keep {
		conn.Close()
	}
}

// discard closes a connection rather than returning it to the pool.
func (p *Pool) discard(conn *wire.Connection) {
	p.mu.Lock()
	p.numActive--
	p.mu.Unlock()

	conn.Close()

	p.mu.Lock()
	p.cond.Signal()
	p.mu.Unlock()
}

// janitor evicts idle connections past the idle TTL. Grounded on
// Transport.cleanupIdleConnections.
func (p *Pool) janitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(constants.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopJanitor:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	survivors := p.idle[:0]
	for _, conn := range p.idle {
		if !conn.Open() || conn.IdleSince() > constants.IdleTTL {
			conn.Close()
			continue
		}
		survivors = append(survivors, conn)
	}
	p.idle = survivors
}

// DestroyAll marks the pool closed so future WithConnection calls fail
// fast, then stops the janitor and closes every idle connection.
// In-flight WithConnection calls still finish, and their connections are
// closed by release/discard once the pool is marked closed.
func (p *Pool) DestroyAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopJanitor)
	p.wg.Wait()

	for _, conn := range idle {
		conn.Close()
	}

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Stats reports the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		ActiveConns:  p.numActive,
		IdleConns:    len(p.idle),
		TotalCreated: p.totalCreated,
		TotalReused:  p.totalReused,
	}
}
