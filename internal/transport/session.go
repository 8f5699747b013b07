package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowlatency/relay/internal/fec"
	"github.com/lowlatency/relay/internal/transport/network"
)

// Config configures a Transport at creation time.
type Config struct {
	// IsServer selects the handshake role: the server listens for the
	// first CONNECTION_ATTEMPT and binds whichever peer sends it; the
	// client dials a known address and repeats CONNECTION_ATTEMPT until
	// confirmed.
	IsServer bool

	// BindAddr is the local UDP address to listen on (server) — e.g. ":5000".
	BindAddr string
	// PeerAddr is the remote UDP address to dial (client) — e.g. "1.2.3.4:5000".
	PeerAddr string

	// Conn, if non-nil, is used instead of opening a real UDP socket —
	// this is how tests wire a network.FakeConn pair in.
	Conn network.Conn

	AESKey [AESKeySize]byte

	RecvTimeout    time.Duration
	ConnectTimeout time.Duration

	Logger *logrus.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.RecvTimeout <= 0 {
		out.RecvTimeout = RecvTimeoutDefault
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = ConnectTimeoutDefault
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// streamState is one stream kind's send/receive buffers and bookkeeping.
type streamState struct {
	nackBuf      *nackBuffer // sender side
	ringBuf      *ringBuffer // receiver side
	prevDupCount uint16

	pendingResetMu sync.Mutex
	pendingReset   bool // true once we owe the peer a recovery-point frame
}

// session owns one established connection's mutable state: the socket, the
// handshake result, ping/pong liveness, per-stream buffers, the congestion
// controller, and the throttler (this Session concurrency unit).
type session struct {
	conn   network.Conn
	sealer *sealer
	cfg    Config
	codec  *fec.Codec

	// log is the session-lifecycle logger; receiverLog/senderLog/
	// congestionLog are the same fields plus "component", attached once at
	// construction so call sites never repeat the WithField boilerplate.
	log           *logrus.Entry
	receiverLog   *logrus.Entry
	senderLog     *logrus.Entry
	congestionLog *logrus.Entry

	streamsMu sync.RWMutex
	streams   [int(numStreamKinds)]*streamState

	// timestampMu protects ping/pong timing state, read concurrently by
	// the latency exporter and written by the pong handler / ping sender.
	timestampMu      sync.Mutex
	lastPingID       uint32
	lastPingSendUS   uint64
	lastPongRecvAt   time.Time
	haveLastPong     bool
	rttEWMAMS        float64
	haveRTT          bool
	lastClientTS     uint64 // server: client's send_timestamp_us from the last PING answered
	lastClientRecvAt time.Time

	congestionMu sync.Mutex
	congestion   *congestionState

	throttler *throttler

	connLostMu sync.Mutex
	connLost   bool

	counters counters

	nackQueue chan nackResponderItem

	stopCh   chan struct{}
	stopOnce sync.Once
}

// counters is the plain-struct metrics source metrics.go's Prometheus
// Collector reads from.
type counters struct {
	mu sync.Mutex

	segmentsSent, segmentsReceived   uint64
	nacksSent, nacksReceived         uint64
	duplicatesSent                   uint64
	decryptFailures, malformedDrops  uint64
	streamResetsSent, streamResetsRX uint64
	framesAssembled                  uint64
	bufferFullDrops                  uint64
}

func (c *counters) add(field *uint64, n uint64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

func (c *counters) snapshot() counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c
	cp.mu = sync.Mutex{}
	return cp
}

func (s *session) isConnectionLost() bool {
	s.connLostMu.Lock()
	defer s.connLostMu.Unlock()
	return s.connLost
}

// setConnectionLost latches the fatal "connection lost" condition. It is
// idempotent and safe to call from any goroutine.
func (s *session) setConnectionLost() {
	s.connLostMu.Lock()
	already := s.connLost
	s.connLost = true
	s.connLostMu.Unlock()
	if !already {
		s.log.Error("connection lost")
		s.stopOnce.Do(func() { close(s.stopCh) })
	}
}

func (s *session) streamState(stream StreamKind) *streamState {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	return s.streams[stream]
}

// recordRTTSample folds one PONG round trip into the EWMA (λ=PingLambda).
// Caller holds no lock.
func (s *session) recordRTTSample(rttMS float64) {
	s.timestampMu.Lock()
	defer s.timestampMu.Unlock()
	if !s.haveRTT {
		s.rttEWMAMS = rttMS
		s.haveRTT = true
		return
	}
	s.rttEWMAMS = PingLambda*s.rttEWMAMS + (1-PingLambda)*rttMS
}

func (s *session) currentRTTMS() float64 {
	s.timestampMu.Lock()
	defer s.timestampMu.Unlock()
	return s.rttEWMAMS
}

// clientInputTimestamp implements this "Latency export": the
// estimated instant, in the server's clock, of the client-side event the
// server is currently responding to.
func (s *session) clientInputTimestamp() uint64 {
	s.timestampMu.Lock()
	defer s.timestampMu.Unlock()
	if s.lastClientRecvAt.IsZero() {
		return 0
	}
	elapsedUS := uint64(time.Since(s.lastClientRecvAt).Microseconds())
	return s.lastClientTS + elapsedUS
}
