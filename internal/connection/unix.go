package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/vmnetd/internal/protocol"
)

// Conn is one accepted peer. The handler goroutine owns reads and the final
// Close; any goroutine may write or Abort.
type Conn struct {
	id    ID
	nc    net.Conn
	state atomic.Int32

	maxFrame     int
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error

	reasonMu sync.Mutex
	reason   error

	framesIn, framesOut atomic.Uint64
	bytesIn, bytesOut   atomic.Uint64
}

// Option configures a Conn.
type Option func(*Conn)

// WithMaxFrame limits the payload size accepted from the peer.
func WithMaxFrame(n int) Option {
	return func(c *Conn) { c.maxFrame = n }
}

// WithWriteTimeout sets a deadline on every frame written to the peer.
// Zero disables deadlines.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

// New wraps an accepted stream. The connection starts in StateAccepted.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		id:       nextID(),
		nc:       nc,
		maxFrame: protocol.MaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) ID() ID { return c.id }

func (c *Conn) State() State { return State(c.state.Load()) }

// RemoteAddr returns the peer address, which is usually empty for unix
// sockets.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Activate moves Accepted to Active. It reports false if the connection was
// aborted before it could be activated.
func (c *Conn) Activate() bool {
	return c.state.CompareAndSwap(int32(StateAccepted), int32(StateActive))
}

// ReadFrame decodes the next frame from the peer.
func (c *Conn) ReadFrame() ([]byte, error) {
	frame, err := protocol.ReadFrame(c.nc, c.maxFrame)
	if err != nil {
		if c.State() >= StateClosing {
			return nil, fmt.Errorf("%w: %w", ErrClosing, c.abortReason(err))
		}
		return nil, err
	}
	c.framesIn.Add(1)
	c.bytesIn.Add(uint64(len(frame)))
	return frame, nil
}

// WriteFrame sends one frame. Concurrent writers are serialized so frames
// are never interleaved on the wire.
func (c *Conn) WriteFrame(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.State() >= StateClosing {
		return ErrClosing
	}
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if err := protocol.WriteFrame(c.nc, payload); err != nil {
		if c.State() >= StateClosing {
			return fmt.Errorf("%w: %w", ErrClosing, err)
		}
		return err
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(len(payload)))
	return nil
}

// Abort marks the connection Closing and expires its deadlines, which wakes
// the reader (and any blocked writer) so the handler can release it. It never
// closes the stream itself and is safe to call from any goroutine.
func (c *Conn) Abort(reason error) {
	for {
		s := c.state.Load()
		if State(s) >= StateClosing {
			return
		}
		if c.state.CompareAndSwap(s, int32(StateClosing)) {
			break
		}
	}
	c.reasonMu.Lock()
	c.reason = reason
	c.reasonMu.Unlock()

	// Errors here mean the stream is already gone, which wakes the reader too.
	_ = c.nc.SetDeadline(time.Now())
}

// Close releases the stream and moves the connection to StateClosed. Only
// the first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// Err returns the reason the connection left StateActive, or nil while it
// has not.
func (c *Conn) Err() error {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

// Stats returns a snapshot of the traffic counters.
func (c *Conn) Stats() Stats {
	return Stats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
}

func (c *Conn) abortReason(fallback error) error {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason != nil {
		return c.reason
	}
	return fallback
}

// IsClosing reports whether err came from a connection that had already
// been aborted or closed.
func IsClosing(err error) bool {
	return errors.Is(err, ErrClosing) || errors.Is(err, net.ErrClosed)
}
