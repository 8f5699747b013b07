package transport

import (
	"sync"
	"time"

	"github.com/lowlatency/relay/internal/fec"
)

// ringSlot is one frame's reassembly state. The ring shape (fixed-size array indexed by frame_id mod N,
// overwrite-on-newer-id, per-slot "set" flag) is adapted from the voice
// jitter buffer's slot/ring design, generalized from a single opus payload
// per slot to a full segment/FEC reassembly.
type ringSlot struct {
	frameID   uint32
	present   bool // true once any segment has ever landed in this slot
	assembled bool
	rendered  bool

	segmentCount    uint16
	fecSegmentCount uint16
	dataCount       uint16 // segmentCount - fecSegmentCount

	received    []bool // length segmentCount; true once that index (data or parity) has arrived
	numReceived int
	numData     int // of the received segments, how many were original data (index < dataCount)

	shards    []byte // concatenated per-shard storage, shardSize*segmentCount bytes
	shardSize int

	assembledBytes []byte

	firstSeen    time.Time
	lastNackTime time.Time
	nackAttempts []int // per-segment-index attempt counter
}

// reset clears a slot's logical state for a new frameID while keeping its
// preallocated received/nackAttempts/shards/assembledBytes backing arrays at
// their registration-time capacity, to be reused in place. widenShardsLocked
// allocates new shard storage only when a frame's shard width grows after
// some of its shards were already stored.
func (s *ringSlot) reset(frameID uint32, now time.Time) {
	s.frameID = frameID
	s.present = true
	s.assembled = false
	s.rendered = false
	s.segmentCount = 0
	s.fecSegmentCount = 0
	s.dataCount = 0
	s.numReceived = 0
	s.numData = 0
	s.received = s.received[:0]
	s.nackAttempts = s.nackAttempts[:0]
	s.shards = s.shards[:0]
	s.shardSize = 0
	s.assembledBytes = s.assembledBytes[:0]
	s.firstSeen = now
	s.lastNackTime = time.Time{}
}

// ringBuffer is the client-side reassembler for one stream.
type ringBuffer struct {
	mu     sync.Mutex
	slots  []ringSlot
	codec  *fec.Codec
	stream StreamKind

	maxSegments int

	maxID          uint32
	haveMaxID      bool
	lastRenderedID uint32
	haveRendered   bool

	recoveryPredicate RecoveryPredicate

	pendingResetGreatestFailed int32
	hasPendingReset            bool

	lossObservedCount int
	lossTotalCount    int
}

func newRingBuffer(stream StreamKind, maxFrameSize, size int, codec *fec.Codec, recovery RecoveryPredicate) *ringBuffer {
	invariant(size > 0, "ring buffer size must be positive, got %d", size)
	invariant(maxFrameSize > 0, "ring buffer max frame size must be positive, got %d", maxFrameSize)

	maxSegments := maxSegmentsForFrameSize(maxFrameSize)
	slots := make([]ringSlot, size)
	for i := range slots {
		slots[i].received = make([]bool, 0, maxSegments)
		slots[i].nackAttempts = make([]int, 0, maxSegments)
		slots[i].shards = make([]byte, 0, maxSegments*MaxSegmentSize)
		slots[i].assembledBytes = make([]byte, 0, maxFrameSize)
	}
	return &ringBuffer{
		slots:             slots,
		codec:             codec,
		stream:            stream,
		recoveryPredicate: recovery,
		maxSegments:       maxSegments,
	}
}

// deliver records one arrived segment and attempts reassembly. It returns
// true if this segment completed the frame (so the caller can fire a
// congestion/metrics hook exactly once per newly-assembled frame).
func (rb *ringBuffer) deliver(seg *Segment, now time.Time) (justAssembled bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lossTotalCount++

	idx := int(seg.FrameID) % len(rb.slots)
	slot := &rb.slots[idx]

	if slot.present && slot.frameID != seg.FrameID {
		if int32(seg.FrameID)-int32(slot.frameID) < 0 {
			// Older than what's resident — drop.
			return false
		}
		if !slot.assembled {
			// The evicted frame never completed — count it toward loss.
			rb.lossObservedCount++
		}
		slot.reset(seg.FrameID, now)
	} else if !slot.present {
		slot.reset(seg.FrameID, now)
	}

	if !rb.haveMaxID || int32(seg.FrameID-rb.maxID) > 0 {
		rb.maxID = seg.FrameID
		rb.haveMaxID = true
	}

	if slot.segmentCount == 0 {
		invariant(int(seg.SegmentCount) <= cap(slot.received),
			"frame %d needs %d segments, ring buffer sized for at most %d (check max_frame_size)",
			seg.FrameID, seg.SegmentCount, cap(slot.received))
		slot.segmentCount = seg.SegmentCount
		slot.fecSegmentCount = seg.FECSegmentCount
		slot.dataCount = seg.SegmentCount - seg.FECSegmentCount
		slot.received = slot.received[:seg.SegmentCount]
		for i := range slot.received {
			slot.received[i] = false
		}
		slot.nackAttempts = slot.nackAttempts[:seg.SegmentCount]
		for i := range slot.nackAttempts {
			slot.nackAttempts[i] = 0
		}
	}

	if slot.assembled || int(seg.SegmentIndex) >= len(slot.received) {
		return false
	}
	if slot.received[seg.SegmentIndex] {
		return false // duplicate, silently dropped
	}

	// Every shard except the final data shard (when the frame length isn't
	// an exact multiple of k) is zero-padded to one common width by the
	// segmenter (segment.go), and all parity shards always carry that full
	// width. So any segment other than the last data index is authoritative
	// for shardSize; only trust the last data index if nothing else has
	// reported in yet, and widen (and re-home already-stored shards) if a
	// wider one later corrects it.
	isRunt := int(slot.dataCount) > 1 && int(seg.SegmentIndex) == int(slot.dataCount)-1
	if int(seg.SegmentSize) > slot.shardSize && (!isRunt || slot.shardSize == 0) {
		rb.widenShardsLocked(slot, int(seg.SegmentSize))
	}

	slot.received[seg.SegmentIndex] = true
	slot.numReceived++
	if int(seg.SegmentIndex) < int(slot.dataCount) {
		slot.numData++
	}

	if slot.shardSize > 0 {
		dst := slot.shards[int(seg.SegmentIndex)*slot.shardSize : (int(seg.SegmentIndex)+1)*slot.shardSize]
		n := copy(dst, seg.Bytes)
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
	}

	canAssembleRaw := slot.numData == int(slot.dataCount)
	canAssembleFEC := slot.fecSegmentCount > 0 && slot.numReceived >= int(slot.dataCount)
	if !canAssembleRaw && !canAssembleFEC {
		return false
	}

	if err := rb.assembleLocked(slot); err != nil {
		// FEC reconstruction failed outright (more shards missing than
		// parity can cover despite the count check above passing, or a
		// corrupt shard) — leave the slot pending for nacks/reset instead
		// of surfacing an error on the hot path.
		return false
	}
	return true
}

// assembleLocked materializes slot.assembledBytes, running FEC reconstruction
// first if any data segment is still missing. Caller holds rb.mu.
func (rb *ringBuffer) assembleLocked(slot *ringSlot) error {
	if slot.numData < int(slot.dataCount) {
		shards := make([][]byte, slot.segmentCount)
		for i := 0; i < int(slot.segmentCount); i++ {
			if slot.received[i] {
				shards[i] = slot.shards[i*slot.shardSize : (i+1)*slot.shardSize]
			}
		}
		if err := rb.codec.Reconstruct(shards, int(slot.dataCount), int(slot.fecSegmentCount), slot.shardSize); err != nil {
			return err
		}
		for i := 0; i < int(slot.dataCount); i++ {
			copy(slot.shards[i*slot.shardSize:(i+1)*slot.shardSize], shards[i])
		}
	}

	needed := int(slot.dataCount) * slot.shardSize
	if cap(slot.assembledBytes) < needed {
		// Only reachable if max_frame_size under-promised at registration;
		// fall back rather than corrupt/drop the frame.
		slot.assembledBytes = make([]byte, 0, needed)
	}
	buf := slot.assembledBytes[:0]
	for i := 0; i < int(slot.dataCount); i++ {
		buf = append(buf, slot.shards[i*slot.shardSize:(i+1)*slot.shardSize]...)
	}
	slot.assembledBytes = buf
	slot.assembled = true
	return nil
}

// widenShardsLocked grows slot's shard storage to newSize per shard,
// re-homing any already-received shard bytes at their new offsets. Caller
// holds rb.mu.
func (rb *ringBuffer) widenShardsLocked(slot *ringSlot, newSize int) {
	if need := newSize * int(slot.segmentCount); slot.shardSize == 0 && cap(slot.shards) >= need {
		// Nothing stored yet for this frame: lay it out in the slot's
		// existing backing array.
		slot.shards = slot.shards[:need]
		slot.shardSize = newSize
		return
	}
	newShards := make([]byte, newSize*int(slot.segmentCount))
	if slot.shardSize > 0 {
		for i, got := range slot.received {
			if !got {
				continue
			}
			src := slot.shards[i*slot.shardSize : (i+1)*slot.shardSize]
			copy(newShards[i*newSize:(i+1)*newSize], src)
		}
	}
	slot.shards = newShards
	slot.shardSize = newSize
}

// pendingNacks scans slots behind maxID-SafetyMargin that remain
// unassembled, rate-limited by MaxNackAttempts and a cooldown derived from
// the caller's current latency estimate.
// Slots older than maxID-ResetThreshold instead contribute to a
// STREAM_RESET and are skipped here.
func (rb *ringBuffer) pendingNacks(now time.Time, cooldown time.Duration) []nackRequest {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.haveMaxID {
		return nil
	}
	if cooldown < NackCooldownFloorMS*time.Millisecond {
		cooldown = NackCooldownFloorMS * time.Millisecond
	}

	var reqs []nackRequest
	for i := range rb.slots {
		slot := &rb.slots[i]
		if !slot.present || slot.assembled {
			continue
		}
		age := int32(rb.maxID) - int32(slot.frameID)
		if age < SafetyMargin {
			continue
		}
		if age >= ResetThreshold {
			rb.requestStreamResetLocked(slot.frameID)
			continue
		}
		if now.Sub(slot.lastNackTime) < cooldown {
			continue
		}
		var missing []uint16
		for idx, got := range slot.received {
			if !got && slot.nackAttempts[idx] < MaxNackAttempts {
				missing = append(missing, uint16(idx))
			}
		}
		if len(missing) == 0 {
			continue
		}
		slot.lastNackTime = now
		for _, idx := range missing {
			slot.nackAttempts[idx]++
		}
		reqs = append(reqs, rb.buildNackRequest(slot.frameID, missing)...)
	}
	return reqs
}

// buildNackRequest prefers a single BITARRAY_NACK over many individual NACKs
// when the missing indices span more than one entry, matching the server's
// handling of both kinds identically.
func (rb *ringBuffer) buildNackRequest(frameID uint32, missing []uint16) []nackRequest {
	if len(missing) == 1 {
		return []nackRequest{{stream: rb.stream, frameID: frameID, index: missing[0]}}
	}
	start := uint32(missing[0])
	span := uint32(missing[len(missing)-1]) - start + 1
	bitmap := make([]byte, (span+7)/8)
	for _, idx := range missing {
		bit := uint32(idx) - start
		bitmap[bit/8] |= 1 << (bit % 8)
	}
	return []nackRequest{{
		stream: rb.stream, frameID: frameID, isRange: true,
		startIndex: start, numBits: span, bitmap: bitmap,
	}}
}

func (rb *ringBuffer) requestStreamResetLocked(frameID uint32) {
	if !rb.hasPendingReset || int32(frameID)-rb.pendingResetGreatestFailed > 0 {
		rb.pendingResetGreatestFailed = int32(frameID)
		rb.hasPendingReset = true
	}
}

// takePendingReset reports and clears any outstanding reset request, for the
// Session to wrap in a STREAM_RESET packet.
func (rb *ringBuffer) takePendingReset() (int32, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.hasPendingReset {
		return 0, false
	}
	rb.hasPendingReset = false
	return rb.pendingResetGreatestFailed, true
}

// nextFrame implements the render pointer: one step forward to
// the next assembled slot, with real-time catch-up jumps for audio (past
// MaxAudioFrames buffered) and video (jump to the most recent recovery
// point in range).
func (rb *ringBuffer) nextFrame() (Frame, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.haveMaxID {
		return Frame{}, false
	}

	if !rb.haveRendered {
		// Start from the newest frame id currently resident rather than 0,
		// so a session that joins mid-stream doesn't wait for frame id 0.
		rb.lastRenderedID = rb.maxID
		rb.haveRendered = true
		if slot := rb.slotFor(rb.maxID); slot != nil && slot.assembled {
			return rb.renderLocked(slot)
		}
		return Frame{}, false
	}

	next := rb.lastRenderedID + 1

	if rb.stream == StreamAudio {
		buffered := int32(rb.maxID) - int32(rb.lastRenderedID)
		if buffered > MaxAudioFrames {
			if slot := rb.slotFor(rb.maxID); slot != nil && slot.assembled {
				rb.lastRenderedID = rb.maxID - 1 // renderLocked below advances exactly one
				return rb.renderLocked(slot)
			}
		}
	} else {
		for id := rb.maxID; int32(id-next) >= 0; id-- {
			slot := rb.slotFor(id)
			if slot != nil && slot.assembled && rb.recoveryPredicate != nil && rb.recoveryPredicate(Frame{Stream: rb.stream, FrameID: id, Bytes: slot.assembledBytes}) {
				if id != next {
					rb.lastRenderedID = id - 1
				}
				return rb.renderLocked(slot)
			}
		}
	}

	slot := rb.slotFor(next)
	if slot == nil || !slot.assembled || slot.rendered {
		return Frame{}, false
	}
	return rb.renderLocked(slot)
}

func (rb *ringBuffer) slotFor(frameID uint32) *ringSlot {
	slot := &rb.slots[int(frameID)%len(rb.slots)]
	if !slot.present || slot.frameID != frameID {
		return nil
	}
	return slot
}

func (rb *ringBuffer) renderLocked(slot *ringSlot) (Frame, bool) {
	slot.rendered = true
	rb.lastRenderedID = slot.frameID
	return Frame{Stream: rb.stream, FrameID: slot.frameID, Bytes: slot.assembledBytes}, true
}

// lossRatio reports the number of frames evicted from a slot before they
// were assembled, divided by all deliver() calls since the buffer was
// created (the counters are never reset) — a rough receiver-side loss
// signal for the congestion controller.
func (rb *ringBuffer) lossRatio() float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.lossTotalCount == 0 {
		return 0
	}
	return float64(rb.lossObservedCount) / float64(rb.lossTotalCount)
}
