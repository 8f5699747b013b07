package network

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// FakeAddr is the trivial net.Addr used by FakeConn.
type FakeAddr string

func (a FakeAddr) Network() string { return "fake" }
func (a FakeAddr) String() string  { return string(a) }

// FakeParams configures the impairments a FakeConn's writer applies to
// every datagram before the peer's reader sees it: delay, jitter, loss
// (independent or bursty), and duplication, so network-condition scenarios
// can be driven deterministically without a real socket.
type FakeParams struct {
	// Delay is the fixed one-way propagation delay.
	Delay time.Duration
	// Jitter is the maximum uniform-random addition to Delay, applied
	// independently per datagram.
	Jitter time.Duration
	// LossProbability is the independent per-datagram drop probability
	// (scenario S2). Ignored if BurstLoss is set.
	LossProbability float64
	// BurstLoss, if non-nil, switches to a two-state (good/bad) Markov
	// loss model: in the bad state every datagram is dropped, runs last
	// BurstLength datagrams on average before returning to good.
	BurstLoss *BurstLossParams
	// DuplicateProbability independently re-delivers a datagram a second
	// time, to exercise duplicate handling.
	DuplicateProbability float64
	// Rand seeds the impairment dice; nil gives each conn its own source
	// seeded from the current time, so tests supply their own to be
	// deterministic.
	Rand *rand.Rand
}

// BurstLossParams configures correlated burst loss (scenario S3).
type BurstLossParams struct {
	// EntryProbability is the chance of transitioning good→bad before each
	// datagram while currently in the good state.
	EntryProbability float64
	// BurstLength is the mean number of consecutive datagrams dropped once
	// in the bad state (geometric exit probability = 1/BurstLength).
	BurstLength int
}

type burstState struct {
	bad bool
}

// FakeConn is an in-process Conn backed by channels, used by network-
// condition test scenarios instead of a real socket.
type FakeConn struct {
	self, peerAddr FakeAddr
	inbound        chan impairedDatagram
	outbound       chan<- impairedDatagram // peer's inbound channel, written to directly by our WriteTo
	params         FakeParams
	rng            *rand.Rand

	closeOnce sync.Once
	closed    chan struct{}

	readDeadline struct {
		mu sync.Mutex
		t  time.Time
	}

	burst burstState
}

type impairedDatagram struct {
	data []byte
	from FakeAddr
}

// NewFakePair builds two connected FakeConns, each applying its own
// FakeParams to the datagrams *it* sends (so asymmetric impairment — e.g.
// lossy uplink, clean downlink — is expressible).
func NewFakePair(aName, bName FakeAddr, aToB, bToA FakeParams) (a, b *FakeConn) {
	aToBCh := make(chan impairedDatagram, 1024)
	bToACh := make(chan impairedDatagram, 1024)

	a = &FakeConn{
		self: aName, peerAddr: bName,
		inbound: bToACh, outbound: aToBCh, params: aToB, rng: randFor(aToB),
		closed: make(chan struct{}),
	}
	b = &FakeConn{
		self: bName, peerAddr: aName,
		inbound: aToBCh, outbound: bToACh, params: bToA, rng: randFor(bToA),
		closed: make(chan struct{}),
	}
	return a, b
}

func randFor(p FakeParams) *rand.Rand {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func (c *FakeConn) WriteTo(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	cp := append([]byte(nil), b...)
	delay := c.params.Delay
	if c.params.Jitter > 0 {
		delay += time.Duration(c.rng.Int63n(int64(c.params.Jitter)))
	}

	if c.dropped() {
		return len(b), nil // a dropped datagram is still "sent" from the caller's perspective
	}

	deliver := func() {
		select {
		case c.outbound <- impairedDatagram{data: cp, from: c.self}:
		case <-c.closed:
		}
	}
	if delay <= 0 {
		deliver()
	} else {
		time.AfterFunc(delay, deliver)
	}

	if c.params.DuplicateProbability > 0 && c.rng.Float64() < c.params.DuplicateProbability {
		dup := append([]byte(nil), b...)
		time.AfterFunc(delay+time.Millisecond, func() {
			select {
			case c.outbound <- impairedDatagram{data: dup, from: c.self}:
			case <-c.closed:
			}
		})
	}
	return len(b), nil
}

// dropped decides, and advances any stateful loss model, whether the
// in-flight datagram should be silently discarded.
func (c *FakeConn) dropped() bool {
	if bl := c.params.BurstLoss; bl != nil {
		if c.burst.bad {
			if c.rng.Float64() < 1.0/float64(bl.BurstLength) {
				c.burst.bad = false
			}
			return true
		}
		if c.rng.Float64() < bl.EntryProbability {
			c.burst.bad = true
			return true
		}
		return false
	}
	return c.params.LossProbability > 0 && c.rng.Float64() < c.params.LossProbability
}

func (c *FakeConn) ReadFrom(b []byte) (int, error) {
	return c.ReadFromBuf(b)
}

func (c *FakeConn) ReadFromBuf(b []byte) (int, error) {
	timeout := c.currentDeadline()
	var after <-chan time.Time
	if !timeout.IsZero() {
		d := time.Until(timeout)
		if d <= 0 {
			return 0, errTimeout{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		after = t.C
	}
	select {
	case dgram, ok := <-c.inbound:
		if !ok {
			return 0, net.ErrClosed
		}
		n := copy(b, dgram.data)
		return n, nil
	case <-after:
		return 0, errTimeout{}
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *FakeConn) ReadFromAny(b []byte) (int, net.Addr, error) {
	n, err := c.ReadFromBuf(b)
	return n, c.peerAddr, err
}

func (c *FakeConn) BindPeer(net.Addr) {} // a FakeConn pair has exactly one possible peer already

func (c *FakeConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.mu.Lock()
	c.readDeadline.t = t
	c.readDeadline.mu.Unlock()
	return nil
}

func (c *FakeConn) currentDeadline() time.Time {
	c.readDeadline.mu.Lock()
	defer c.readDeadline.mu.Unlock()
	return c.readDeadline.t
}

func (c *FakeConn) LocalAddr() net.Addr { return c.self }

func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

var _ Conn = (*FakeConn)(nil)

// errTimeout mimics the net package's timeout error shape (Timeout() bool)
// so callers using the standard os.IsTimeout-style checks keep working.
type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

var _ error = errTimeout{}
var _ net.Error = errTimeout{}

var errClosedPair = errors.New("network: fake conn closed")
