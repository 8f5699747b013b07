package transport

import (
	"time"

	"github.com/sirupsen/logrus"
)

// nackResponderItem is one incoming retransmit request queued for the
// server-side responder goroutine.
type nackResponderItem struct {
	stream     StreamKind
	frameID    uint32
	isRange    bool
	index      uint16
	startIndex uint32
	numBits    uint32
	bitmap     []byte
}

// receiveLoop is the Receiver goroutine: it blocks on the socket
// with a short read timeout so it stays responsive to s.stopCh, decrypts
// each datagram, and dispatches by packet kind.
func (s *session) receiveLoop() {
	buf := make([]byte, MaxSegmentSize*2)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.RecvTimeout))
		n, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			s.receiverLog.WithError(err).Warn("recv failed")
			s.setConnectionLost()
			return
		}

		plaintext, err := s.sealer.open(buf[:n])
		if err != nil {
			s.counters.add(&s.counters.decryptFailures, 1)
			continue // transient, — could be a stray packet
		}
		if len(plaintext) == 0 {
			continue
		}
		s.dispatch(PacketKind(plaintext[0]), plaintext[1:])
	}
}

func (s *session) dispatch(kind PacketKind, body []byte) {
	switch kind {
	case KindSegment:
		s.handleSegment(body)
	case KindNack:
		n, err := unmarshalNack(body)
		if err != nil {
			s.counters.add(&s.counters.malformedDrops, 1)
			return
		}
		s.counters.add(&s.counters.nacksReceived, 1)
		s.enqueueNack(nackResponderItem{stream: n.StreamKind, frameID: n.FrameID, index: n.SegmentIndex})
	case KindBitarrayNack:
		n, err := unmarshalBitarrayNack(body)
		if err != nil {
			s.counters.add(&s.counters.malformedDrops, 1)
			return
		}
		s.counters.add(&s.counters.nacksReceived, 1)
		s.enqueueNack(nackResponderItem{stream: n.StreamKind, frameID: n.FrameID, isRange: true, startIndex: n.StartIndex, numBits: n.NumBits, bitmap: n.Bitmap})
	case KindStreamReset:
		r, err := unmarshalStreamReset(body)
		if err != nil {
			s.counters.add(&s.counters.malformedDrops, 1)
			return
		}
		s.counters.add(&s.counters.streamResetsRX, 1)
		if st := s.streamState(r.StreamKind); st != nil {
			st.pendingResetMu.Lock()
			st.pendingReset = true
			st.pendingResetMu.Unlock()
		}
	case KindPing:
		p, err := unmarshalPing(body)
		if err != nil {
			s.counters.add(&s.counters.malformedDrops, 1)
			return
		}
		s.handlePing(p)
	case KindPong:
		p, err := unmarshalPong(body)
		if err != nil {
			s.counters.add(&s.counters.malformedDrops, 1)
			return
		}
		s.handlePong(p)
	case KindNetworkSettings:
		ns, err := unmarshalNetworkSettings(body)
		if err != nil {
			s.counters.add(&s.counters.malformedDrops, 1)
			return
		}
		s.adoptNetworkSettings(ns)
	case KindConnectionAttempt, KindConnectionConfirmation:
		// Handshake kinds arriving after connect are ignored.
	default:
		s.counters.add(&s.counters.malformedDrops, 1)
	}
}

func (s *session) handleSegment(body []byte) {
	seg, err := unmarshalSegment(body)
	if err != nil {
		s.counters.add(&s.counters.malformedDrops, 1)
		return
	}
	st := s.streamState(seg.StreamKind)
	if st == nil || st.ringBuf == nil {
		return // no buffer registered for this stream; drop
	}
	s.counters.add(&s.counters.segmentsReceived, 1)

	arrival := time.Now()
	justAssembled := st.ringBuf.deliver(seg, arrival)
	if justAssembled {
		s.counters.add(&s.counters.framesAssembled, 1)
	}

	if seg.StreamKind == StreamVideo && !seg.IsNack && !seg.IsDuplicate {
		s.onVideoGroupDelivered(seg, arrival)
	}
}

// onVideoGroupDelivered feeds the congestion controller and, if it produces
// new settings, sends a NETWORK_SETTINGS packet to the peer.
func (s *session) onVideoGroupDelivered(seg *Segment, arrival time.Time) {
	st := s.streamState(StreamVideo)
	var loss float64
	if st != nil && st.ringBuf != nil {
		loss = st.ringBuf.lossRatio()
	}

	s.congestionMu.Lock()
	settings, changed := s.congestion.onGroupDelivered(seg.GroupID, seg.DepartureTimeUS, uint64(arrival.UnixMicro()), uint64(seg.SegmentSize), loss)
	s.congestionMu.Unlock()
	if !changed {
		return
	}
	s.congestionLog.WithFields(logrus.Fields{
		"bitrate_bps":     settings.BitrateBPS,
		"video_fec_ratio": settings.VideoFECRatio,
		"audio_fec_ratio": settings.AudioFECRatio,
	}).Debug("network settings changed")

	plaintext := sealBody(KindNetworkSettings, settings.marshal())
	envelope, err := s.sealer.seal(plaintext)
	if err != nil {
		s.congestionLog.WithError(err).Warn("seal network settings")
		return
	}
	if _, err := s.conn.WriteTo(envelope); err != nil {
		s.congestionLog.WithError(err).Warn("send network settings")
	}
}

// adoptNetworkSettings applies an incoming NETWORK_SETTINGS to the
// Segmenter's FEC ratios and the Throttler's burst rate.
func (s *session) adoptNetworkSettings(ns *NetworkSettings) {
	s.congestionMu.Lock()
	s.congestion.currentBitrateBPS = ns.BitrateBPS
	s.congestion.currentBurstBitrateBPS = ns.BurstBitrateBPS
	s.congestion.currentAudioFECRatio = ns.AudioFECRatio
	s.congestion.currentVideoFECRatio = ns.VideoFECRatio
	s.congestionMu.Unlock()
	s.throttler.setBurstBitrate(ns.BurstBitrateBPS)
}

func (s *session) enqueueNack(item nackResponderItem) {
	select {
	case s.nackQueue <- item:
	default:
		// Queue full: best-effort, matches this "silently drop" for
		// overwhelmed responders rather than blocking the receive loop.
	}
}

// nackResponderLoop is the server-side goroutine draining nackQueue.
func (s *session) nackResponderLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case item := <-s.nackQueue:
			s.respondToNack(item)
		}
	}
}

func (s *session) respondToNack(item nackResponderItem) {
	st := s.streamState(item.stream)
	if st == nil || st.nackBuf == nil {
		return
	}
	if !item.isRange {
		seg, ok := st.nackBuf.lookup(item.frameID, item.index)
		if !ok {
			return // overwritten slot — silently dropped
		}
		if err := s.resendSegment(item.stream, seg, false); err != nil {
			s.senderLog.WithError(err).Debug("resend segment")
		}
		return
	}
	for _, seg := range st.nackBuf.lookupRange(item.frameID, item.startIndex, item.numBits, item.bitmap) {
		if err := s.resendSegment(item.stream, seg, false); err != nil {
			s.senderLog.WithError(err).Debug("resend segment (range)")
		}
	}
}
