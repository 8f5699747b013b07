// Package transport implements the encrypted, segmented, FEC-and-NACK
// reliable-over-UDP media transport described by this repository's wire
// protocol: handshake, ping/pong liveness, segmentation with optional
// Reed-Solomon FEC, server-side NACK buffering, client-side ring-buffer
// reassembly, delay/loss-driven congestion control, and a pacing Throttler.
package transport

import (
	"fmt"

	"github.com/lowlatency/relay/internal/fec"
	"github.com/lowlatency/relay/internal/transport/network"
)

// Transport is the application-facing handle to one established connection.
type Transport struct {
	s *session
}

// Create opens (or accepts, for a server) a connection per cfg and runs the
// handshake. It blocks until the session is established or
// cfg.ConnectTimeout elapses.
func Create(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	conn := cfg.Conn
	var err error
	if conn == nil {
		if cfg.IsServer {
			conn, err = network.ListenUDPConn(cfg.BindAddr)
		} else {
			conn, err = network.DialUDPConn(cfg.PeerAddr)
		}
		if err != nil {
			return nil, fmt.Errorf("transport: open socket: %w", err)
		}
	}

	seal, err := newSealer(cfg.AESKey)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: %w", err)
	}

	if err := handshake(conn, seal, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	base := cfg.Logger.WithFields(sessionFields(cfg))
	s := &session{
		conn:          conn,
		sealer:        seal,
		cfg:           cfg,
		log:           base.WithField("component", "session"),
		receiverLog:   base.WithField("component", "receiver"),
		senderLog:     base.WithField("component", "sender"),
		congestionLog: base.WithField("component", "congestion"),
		codec:         fec.NewCodec(),
		congestion:    newCongestionState(),
		throttler:     newThrottler(DefaultBurstBitrateBPS),
		nackQueue:     make(chan nackResponderItem, 256),
		stopCh:        make(chan struct{}),
	}

	go s.receiveLoop()
	go s.nackResponderLoop()
	go s.maintenanceLoop()
	if !cfg.IsServer {
		go s.pingLoop()
	}

	return &Transport{s: s}, nil
}

// SendFrame segments and transmits one application frame.
// isRecoveryPoint documents to the caller's own bookkeeping that this frame
// satisfies the peer's RecoveryPredicate; the transport itself attaches no
// wire-level meaning to it.
func (t *Transport) SendFrame(stream StreamKind, payload []byte, frameID uint32, isRecoveryPoint bool) error {
	return t.s.sendFrame(stream, payload, frameID, isRecoveryPoint)
}

// Poll updates transport state once and reports whether the connection is
// still alive. The actual recv/ping/nack work already happens on background
// goroutines started by Create, so Poll's only remaining duty is to surface
// connection loss to the caller.
func (t *Transport) Poll() bool {
	return !t.s.isConnectionLost()
}

// NextFrame returns the next frame ready for stream, applying that stream's
// render-pointer catch-up policy. ok is false if nothing is
// ready yet.
func (t *Transport) NextFrame(stream StreamKind) (frame Frame, ok bool) {
	st := t.s.streamState(stream)
	if st == nil || st.ringBuf == nil {
		return Frame{}, false
	}
	return st.ringBuf.nextFrame()
}

// RegisterNackBuffer makes stream sendable: frames passed to SendFrame for
// it are retained in a NACK buffer of numBuffers frame-slots, each
// preallocated at registration time to hold a frame of up to maxFrameSize
// bytes (plus its worst-case FEC parity) so storing a frame never allocates
// on the hot send path. Sender side only. Panics if stream is already
// registered.
func (t *Transport) RegisterNackBuffer(stream StreamKind, maxFrameSize, numBuffers int) {
	t.s.streamsMu.Lock()
	defer t.s.streamsMu.Unlock()
	st := t.s.streams[stream]
	if st == nil {
		st = &streamState{}
		t.s.streams[stream] = st
	}
	invariant(st.nackBuf == nil, "nack buffer already registered for stream %v", stream)
	st.nackBuf = newNackBuffer(maxFrameSize, numBuffers)
}

// RegisterRingBuffer makes stream receivable: incoming segments for it are
// reassembled into frames retrievable via NextFrame, using numBuffers
// slots preallocated at registration time to hold a frame of up to
// maxFrameSize bytes so reassembly never allocates on the hot receive path.
// Receiver side only. Panics if stream is already registered.
func (t *Transport) RegisterRingBuffer(stream StreamKind, maxFrameSize, numBuffers int, recovery RecoveryPredicate) {
	t.s.streamsMu.Lock()
	defer t.s.streamsMu.Unlock()
	st := t.s.streams[stream]
	if st == nil {
		st = &streamState{}
		t.s.streams[stream] = st
	}
	invariant(st.ringBuf == nil, "ring buffer already registered for stream %v", stream)
	st.ringBuf = newRingBuffer(stream, maxFrameSize, numBuffers, t.s.codec, recovery)
}

// PendingStreamReset reports and clears an outstanding peer-initiated
// STREAM_RESET for stream. The application should respond by
// making its next SendFrame for stream a recovery point.
func (t *Transport) PendingStreamReset(stream StreamKind) bool {
	st := t.s.streamState(stream)
	if st == nil {
		return false
	}
	st.pendingResetMu.Lock()
	defer st.pendingResetMu.Unlock()
	pending := st.pendingReset
	st.pendingReset = false
	return pending
}

// CurrentNetworkSettings snapshots the session's current bitrate/FEC targets.
func (t *Transport) CurrentNetworkSettings() NetworkSettings {
	t.s.congestionMu.Lock()
	defer t.s.congestionMu.Unlock()
	c := t.s.congestion
	return NetworkSettings{
		BitrateBPS:      c.currentBitrateBPS,
		BurstBitrateBPS: c.currentBurstBitrateBPS,
		AudioFECRatio:   c.currentAudioFECRatio,
		VideoFECRatio:   c.currentVideoFECRatio,
	}
}

// ClientInputTimestamp implements this latency export. Server side
// only; returns 0 before any PING has been observed.
func (t *Transport) ClientInputTimestamp() uint64 {
	return t.s.clientInputTimestamp()
}

// RTTMilliseconds reports the current smoothed round-trip estimate.
func (t *Transport) RTTMilliseconds() float64 {
	return t.s.currentRTTMS()
}

// Close tears down the session's background goroutines and socket. It does
// not wait for in-flight sends.
func (t *Transport) Close() error {
	t.s.setConnectionLost()
	return t.s.conn.Close()
}
