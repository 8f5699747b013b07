package transport

import (
	"time"
)

// pingLoop is the initiator's (client's) liveness goroutine:
// every PingIntervalMS it sends PING{id, now}, updates the RTT EWMA from
// the matching PONG, and latches connection_lost if PongTimeoutMS elapses
// without one.
func (s *session) pingLoop() {
	ticker := time.NewTicker(PingIntervalMS * time.Millisecond)
	defer ticker.Stop()

	s.timestampMu.Lock()
	s.lastPongRecvAt = time.Now()
	s.haveLastPong = true
	s.timestampMu.Unlock()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.timestampMu.Lock()
		s.lastPingID++
		id := s.lastPingID
		now := uint64(time.Now().UnixMicro())
		s.lastPingSendUS = now
		lastPong := s.lastPongRecvAt
		s.timestampMu.Unlock()

		if time.Since(lastPong) > PongTimeoutMS*time.Millisecond {
			s.setConnectionLost()
			return
		}

		ping := &pingPacket{ID: id, SendTimestamp: now}
		plaintext := sealBody(KindPing, ping.marshal())
		envelope, err := s.sealer.seal(plaintext)
		if err != nil {
			s.senderLog.WithError(err).Warn("seal ping")
			continue
		}
		if _, err := s.conn.WriteTo(envelope); err != nil {
			s.senderLog.WithError(err).Warn("send ping")
		}
	}
}

// handlePing is the responder's (server's) side: echo the ping's fields
// into a PONG and record the client's timestamp for the latency export.
func (s *session) handlePing(p *pingPacket) {
	s.timestampMu.Lock()
	s.lastClientTS = p.SendTimestamp
	s.lastClientRecvAt = time.Now()
	s.timestampMu.Unlock()

	pong := &pongPacket{ID: p.ID, PingSendTimestamp: p.SendTimestamp}
	plaintext := sealBody(KindPong, pong.marshal())
	envelope, err := s.sealer.seal(plaintext)
	if err != nil {
		s.receiverLog.WithError(err).Warn("seal pong")
		return
	}
	if _, err := s.conn.WriteTo(envelope); err != nil {
		s.receiverLog.WithError(err).Warn("send pong")
	}
}

// handlePong updates the RTT EWMA and resets the pong-timeout clock.
func (s *session) handlePong(p *pongPacket) {
	s.timestampMu.Lock()
	s.lastPongRecvAt = time.Now()
	s.haveLastPong = true
	sentAt := s.lastPingSendUS
	s.timestampMu.Unlock()

	if p.PingSendTimestamp != sentAt {
		return // stale pong for a ping we've since superseded
	}
	rttUS := uint64(time.Now().UnixMicro()) - p.PingSendTimestamp
	s.recordRTTSample(float64(rttUS) / 1000.0)
}

// maintenanceLoop periodically drives ring-buffer nack scheduling and
// stream-reset emission for every registered receive stream. It
// runs on both sides; a side with no registered ring buffers just idles.
func (s *session) maintenanceLoop() {
	ticker := time.NewTicker(NackCooldownFloorMS * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		s.runMaintenanceTick()
	}
}

func (s *session) runMaintenanceTick() {
	now := time.Now()
	cooldown := time.Duration(s.currentRTTMS()) * time.Millisecond

	s.streamsMu.RLock()
	streams := s.streams
	s.streamsMu.RUnlock()

	for kind, st := range streams {
		if st == nil || st.ringBuf == nil {
			continue
		}
		stream := StreamKind(kind)

		for _, req := range st.ringBuf.pendingNacks(now, cooldown) {
			s.sendNackRequest(req)
		}
		if greatestFailed, ok := st.ringBuf.takePendingReset(); ok {
			s.sendStreamReset(stream, greatestFailed)
		}
	}
}

func (s *session) sendNackRequest(req nackRequest) {
	var body []byte
	var kind PacketKind
	if req.isRange {
		kind = KindBitarrayNack
		n := &bitarrayNackPacket{StreamKind: req.stream, FrameID: req.frameID, StartIndex: req.startIndex, NumBits: req.numBits, Bitmap: req.bitmap}
		body = n.marshal()
	} else {
		kind = KindNack
		n := &nackPacket{StreamKind: req.stream, FrameID: req.frameID, SegmentIndex: req.index}
		body = n.marshal()
	}
	plaintext := sealBody(kind, body)
	envelope, err := s.sealer.seal(plaintext)
	if err != nil {
		s.receiverLog.WithError(err).Warn("seal nack")
		return
	}
	if _, err := s.conn.WriteTo(envelope); err != nil {
		s.receiverLog.WithError(err).Warn("send nack")
	}
}

func (s *session) sendStreamReset(stream StreamKind, greatestFailedID int32) {
	r := &streamResetPacket{StreamKind: stream, GreatestFailedID: greatestFailedID}
	plaintext := sealBody(KindStreamReset, r.marshal())
	envelope, err := s.sealer.seal(plaintext)
	if err != nil {
		s.receiverLog.WithError(err).Warn("seal stream reset")
		return
	}
	if _, err := s.conn.WriteTo(envelope); err != nil {
		s.receiverLog.WithError(err).Warn("send stream reset")
		return
	}
	s.counters.add(&s.counters.streamResetsSent, 1)
}
