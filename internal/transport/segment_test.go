package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lowlatency/relay/internal/fec"
)

func TestSegmentFrameSingleSegmentNoFEC(t *testing.T) {
	codec := fec.NewCodec()
	payload := []byte("small message payload")
	segs, err := segmentFrame(codec, StreamMessage, 1, payload, 0, 0)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, uint16(0), segs[0].FECSegmentCount)
	require.Equal(t, payload, segs[0].Bytes)
}

func TestSegmentFrameMultiSegmentRejectedWithoutRing(t *testing.T) {
	codec := fec.NewCodec()
	payload := make([]byte, MaxSegmentSize*3)
	_, err := segmentFrame(codec, StreamMessage, 1, payload, 0, 0)
	require.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestSegmentFrameMultiSegmentWithFEC(t *testing.T) {
	codec := fec.NewCodec()
	payload := make([]byte, MaxSegmentSize*4+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	segs, err := segmentFrame(codec, StreamVideo, 5, payload, 0.2, 0)
	require.NoError(t, err)
	require.Greater(t, len(segs), 5) // data shards + at least one parity shard

	var dataCount, parityCount int
	for _, s := range segs {
		require.Equal(t, uint32(5), s.FrameID)
		if s.FECSegmentCount > 0 && int(s.SegmentIndex) >= len(segs)-int(s.FECSegmentCount) {
			parityCount++
		} else {
			dataCount++
		}
	}
	require.Equal(t, len(segs), dataCount+parityCount)

	// Reassemble from only the data segments to confirm the last shard was
	// trimmed back to its true length rather than left zero-padded.
	var reassembled []byte
	for _, s := range segs {
		if int(s.SegmentIndex) < dataCount {
			reassembled = append(reassembled, s.Bytes...)
		}
	}
	require.Equal(t, payload, reassembled)
}

func TestParityCountRespectsMaxFECRatio(t *testing.T) {
	p := parityCount(10, 0.9)
	require.LessOrEqual(t, float64(p)/float64(10+p), MaxFECRatio+1e-9)
}

func TestParityCountZeroRatio(t *testing.T) {
	require.Equal(t, 0, parityCount(10, 0))
}
