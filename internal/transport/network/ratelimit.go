package network

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedConn wraps a Conn with a coarse-grained, socket-wide byte-rate
// ceiling. It is a defense-in-depth cap, not the transport's primary pacing
// mechanism (that is the Throttler's token bucket, which hands out group
// IDs the limiter here has no notion of) — it exists so a congestion
// controller bug can never push a socket past an operator-configured hard
// limit, no matter what the rest of the send path decides.
type RateLimitedConn struct {
	Conn
	limiter *rate.Limiter
}

// NewRateLimitedConn wraps conn with a token bucket refilling at bps
// bytes/sec, with room for a burst of up to burstBytes in one go.
func NewRateLimitedConn(conn Conn, bps int, burstBytes int) *RateLimitedConn {
	return &RateLimitedConn{
		Conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(bps), burstBytes),
	}
}

// WriteTo blocks until the limiter admits len(b) bytes, then delegates to
// the wrapped Conn. A datagram larger than the configured burst can never
// be admitted in one shot; callers must size burstBytes at least as large
// as the largest single segment they intend to send.
func (c *RateLimitedConn) WriteTo(b []byte) (int, error) {
	if err := c.limiter.WaitN(context.Background(), len(b)); err != nil {
		return 0, err
	}
	return c.Conn.WriteTo(b)
}

var _ Conn = (*RateLimitedConn)(nil)
