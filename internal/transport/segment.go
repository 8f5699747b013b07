package transport

import (
	"fmt"
	"math"

	"github.com/lowlatency/relay/internal/fec"
)

// segmentFrame implements: split bytes into k data segments (plus p
// FEC parity segments if fecRatio > 0), each carrying at most MaxSegmentSize
// payload bytes. Only video and audio (StreamKind.hasRing) may produce
// more than one segment or use FEC; everything else is a "packet too large"
// failure, since MESSAGE frames are expected to fit in one datagram.
func segmentFrame(codec *fec.Codec, stream StreamKind, frameID uint32, payload []byte, fecRatio float32, prevDupCount uint16) ([]*Segment, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("transport: segmentFrame called with empty payload")
	}

	k := (len(payload) + MaxSegmentSize - 1) / MaxSegmentSize
	if k > 1 && !stream.hasRing() {
		return nil, ErrPacketTooLarge
	}

	p := 0
	if fecRatio > 0 {
		p = parityCount(k, float64(fecRatio))
		if !stream.hasRing() && p > 0 {
			return nil, ErrPacketTooLarge
		}
	}

	shardSize := (len(payload) + k - 1) / k
	dataShards := make([][]byte, k)
	for i := 0; i < k; i++ {
		start := i * shardSize
		end := start + shardSize
		if end > len(payload) {
			end = len(payload)
		}
		shard := make([]byte, shardSize)
		copy(shard, payload[start:end])
		dataShards[i] = shard
	}

	var parityShards [][]byte
	if p > 0 {
		var err error
		parityShards, err = codec.EncodeWithParity(dataShards, p)
		if err != nil {
			return nil, fmt.Errorf("transport: fec encode: %w", err)
		}
	}

	total := k + p
	segments := make([]*Segment, total)
	for i := 0; i < k; i++ {
		// Trim the last data shard's trailing zero-pad back off before it goes
		// on the wire — padding exists only to give the FEC codec uniform
		// shard width, not to change segment_size.
		b := dataShards[i]
		if i == k-1 {
			lastLen := len(payload) - (k-1)*shardSize
			b = b[:lastLen]
		}
		segments[i] = &Segment{
			StreamKind:              stream,
			FrameID:                 frameID,
			SegmentIndex:            uint16(i),
			SegmentCount:            uint16(total),
			FECSegmentCount:         uint16(p),
			SegmentSize:             uint16(len(b)),
			PrevFrameDuplicateCount: prevDupCount,
			Bytes:                   b,
		}
	}
	for j := 0; j < p; j++ {
		segments[k+j] = &Segment{
			StreamKind:              stream,
			FrameID:                 frameID,
			SegmentIndex:            uint16(k + j),
			SegmentCount:            uint16(total),
			FECSegmentCount:         uint16(p),
			SegmentSize:             uint16(len(parityShards[j])),
			PrevFrameDuplicateCount: prevDupCount,
			Bytes:                   parityShards[j],
		}
	}
	return segments, nil
}

// maxSegmentsForFrameSize returns the largest number of segments (data
// shards plus worst-case FEC parity at MaxFECRatio) that a frame of at most
// maxFrameSize bytes can ever produce. RegisterNackBuffer/RegisterRingBuffer
// use this to size their preallocated per-slot storage once, at
// registration time, rather than growing it on the send/receive hot path.
func maxSegmentsForFrameSize(maxFrameSize int) int {
	k := (maxFrameSize + MaxSegmentSize - 1) / MaxSegmentSize
	if k < 1 {
		k = 1
	}
	return k + parityCount(k, float64(MaxFECRatio))
}

// parityCount computes p = ceil(k*r/(1-r)), bounded so p/(k+p) <= MaxFECRatio.
func parityCount(k int, r float64) int {
	if r <= 0 {
		return 0
	}
	if r >= 1 {
		r = 1 - 1e-6
	}
	p := int(math.Ceil(float64(k) * r / (1 - r)))
	for p > 0 && float64(p)/float64(k+p) > MaxFECRatio {
		p--
	}
	return p
}
