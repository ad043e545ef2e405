// Package throttle applies token-bucket bandwidth limits to connections and writers.
package throttle

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// NewLimiter returns a limiter allowing bytesPerSecond with the given burst, or nil
// when bytesPerSecond is zero, which disables throttling.
func NewLimiter(bytesPerSecond, burst int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	if burst < bytesPerSecond/10 {
		burst = bytesPerSecond / 10
	}

	if burst <= 0 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// waitN blocks until n bytes may pass. Requests larger than the burst are split.
func waitN(ctx context.Context, lim *rate.Limiter, n int) error {
	for n > 0 {
		chunk := n
		if b := lim.Burst(); chunk > b {
			chunk = b
		}

		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}

// Conn wraps a connection with optional upload (write) and download (read) limits.
// Closing the connection releases any caller blocked on a limiter.
type Conn struct {
	net.Conn

	up, down *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

// WrapConn returns c unchanged when both limiters are nil.
func WrapConn(c net.Conn, up, down *rate.Limiter) net.Conn {
	if up == nil && down == nil {
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{Conn: c, up: up, down: down, ctx: ctx, cancel: cancel}
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.down != nil {
		if werr := waitN(c.ctx, c.down, n); werr != nil && err == nil {
			err = werr
		}
	}

	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.up == nil {
		return c.Conn.Write(b)
	}

	written := 0

	for written < len(b) {
		chunk := len(b) - written
		if burst := c.up.Burst(); chunk > burst {
			chunk = burst
		}

		if err := c.up.WaitN(c.ctx, chunk); err != nil {
			return written, err
		}

		n, err := c.Conn.Write(b[written : written+chunk])
		written += n

		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (c *Conn) Close() error {
	c.once.Do(c.cancel)
	return c.Conn.Close()
}

type writer struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

// Writer limits writes to w. A nil limiter returns w unchanged.
func Writer(ctx context.Context, w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}

	return &writer{ctx: ctx, w: w, lim: lim}
}

func (tw *writer) Write(b []byte) (int, error) {
	if err := waitN(tw.ctx, tw.lim, len(b)); err != nil {
		return 0, err
	}

	return tw.w.Write(b)
}
