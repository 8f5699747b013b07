package transport

// Frame is one fully reassembled application frame, delivered to the
// application via Transport.NextFrame.
// Frame.Bytes aliases the ring buffer's preallocated per-slot storage: it is
// only valid until the slot is reused by a later frame landing on the same
// frame_id modulo the stream's registered buffer count. Callers that need to
// retain a frame past their next NextFrame call must copy it.
type Frame struct {
	Stream  StreamKind
	FrameID uint32
	Bytes   []byte
}

// RecoveryPredicate reports whether a reassembled frame is a recovery point
// (e.g. a video intra frame) the render pointer may jump to when catching
// up. The transport has no notion of codec internals, so callers supply
// this.
type RecoveryPredicate func(Frame) bool

// nackRequest is one segment (or contiguous range) the ring reassembler
// wants resent.
type nackRequest struct {
	stream     StreamKind
	frameID    uint32
	index      uint16 // valid when !isRange
	isRange    bool
	startIndex uint32
	numBits    uint32
	bitmap     []byte
}
