package transport

import (
	"fmt"
	"time"
)

// sendFrame segments the frame, retains the segments in the stream's nack
// buffer, paces video through the Throttler (audio bypasses it), and
// transmits each segment as an encrypted SEGMENT packet.
func (s *session) sendFrame(stream StreamKind, payload []byte, frameID uint32, isRecoveryPoint bool) error {
	if s.isConnectionLost() {
		return ErrConnectionLost
	}

	st := s.streamState(stream)
	if st == nil || st.nackBuf == nil {
		return wrapErr(ErrKindMalformed, "sendFrame", ErrBufferNotRegistered)
	}

	fecRatio := s.currentFECRatio(stream)
	segments, err := segmentFrame(s.codec, stream, frameID, payload, fecRatio, st.prevDupCount)
	if err != nil {
		return wrapErr(ErrKindMalformed, "sendFrame", err)
	}
	st.prevDupCount = 0

	// isRecoveryPoint carries no wire representation: the receiver's
	// RecoveryPredicate inspects the reassembled bytes directly, so the
	// caller's claim only matters insofar as the bytes it sent actually
	// satisfy that predicate downstream.
	_ = isRecoveryPoint

	st.nackBuf.store(frameID, segments)

	for _, seg := range segments {
		if err := s.transmitSegment(stream, seg); err != nil {
			return err
		}
	}
	return nil
}

// transmitSegment paces (video only), stamps departure time and group id,
// encrypts, and sends one segment, retrying a transient buffer-full
// condition up to RetriesOnBufferFull times before giving up.
func (s *session) transmitSegment(stream StreamKind, seg *Segment) error {
	var groupID uint32
	if stream == StreamVideo {
		gid, ok := s.throttler.waitForAllocation(int(seg.SegmentSize))
		if !ok {
			return ErrConnectionLost
		}
		groupID = gid
	}
	seg.GroupID = groupID
	seg.DepartureTimeUS = uint64(time.Now().UnixMicro())

	plaintext := sealBody(KindSegment, seg.marshal())
	envelope, err := s.sealer.seal(plaintext)
	if err != nil {
		return wrapErr(ErrKindFatal, "transmitSegment", err)
	}
	if stream == StreamVideo {
		s.throttler.chargeExtra(len(envelope) - len(plaintext))
	}

	var lastErr error
	for attempt := 0; attempt <= RetriesOnBufferFull; attempt++ {
		_, err := s.conn.WriteTo(envelope)
		if err == nil {
			s.counters.add(&s.counters.segmentsSent, 1)
			return nil
		}
		lastErr = err
	}
	s.counters.add(&s.counters.bufferFullDrops, 1)
	s.senderLog.WithError(lastErr).WithField("stream", stream).Warn("segment dropped after exhausting buffer-full retries")
	return wrapErr(ErrKindResourceExhausted, "transmitSegment", fmt.Errorf("dropped after %d retries: %w", RetriesOnBufferFull, lastErr))
}

// resendSegment is the NACK/duplicate retransmit path: it
// reuses a retained segment verbatim except for the is_nack/is_duplicate
// flags, and still goes through the Throttler like any other video send.
func (s *session) resendSegment(stream StreamKind, seg *Segment, isDuplicate bool) error {
	cp := *seg
	cp.IsNack = !isDuplicate
	cp.IsDuplicate = isDuplicate
	if err := s.transmitSegment(stream, &cp); err != nil {
		return err
	}
	if isDuplicate {
		s.counters.add(&s.counters.duplicatesSent, 1)
		if st := s.streamState(stream); st != nil {
			st.prevDupCount++
		}
	} else {
		s.counters.add(&s.counters.nacksSent, 1)
	}
	return nil
}

// currentFECRatio reports the FEC ratio currently in effect for stream,
// as last set by an incoming NETWORK_SETTINGS.
func (s *session) currentFECRatio(stream StreamKind) float32 {
	s.congestionMu.Lock()
	defer s.congestionMu.Unlock()
	switch stream {
	case StreamVideo:
		return s.congestion.currentVideoFECRatio
	case StreamAudio:
		return s.congestion.currentAudioFECRatio
	default:
		return 0
	}
}
