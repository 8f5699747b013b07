package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func segs(n int) []*Segment {
	out := make([]*Segment, n)
	for i := range out {
		out[i] = &Segment{SegmentIndex: uint16(i), Bytes: []byte{byte(i)}}
	}
	return out
}

func TestNackBufferStoreAndLookup(t *testing.T) {
	b := newNackBuffer(MaxSegmentSize*8, 4)
	b.store(10, segs(3))

	seg, ok := b.lookup(10, 1)
	require.True(t, ok)
	require.Equal(t, []byte{1}, seg.Bytes)

	_, ok = b.lookup(10, 5)
	require.False(t, ok)

	_, ok = b.lookup(11, 0)
	require.False(t, ok)
}

func TestNackBufferOverwriteInvalidatesOldFrame(t *testing.T) {
	b := newNackBuffer(MaxSegmentSize*8, 4)
	b.store(1, segs(2)) // slot 1 % 4 == 1
	b.store(5, segs(2)) // slot 5 % 4 == 1, same slot, overwrites frame 1
	_, ok := b.lookup(1, 0)
	require.False(t, ok)
	_, ok = b.lookup(5, 0)
	require.True(t, ok)
}

func TestNackBufferLookupRange(t *testing.T) {
	b := newNackBuffer(MaxSegmentSize*8, 4)
	b.store(0, segs(8))
	bitmap := []byte{0b0000_0101} // bits 0 and 2 set
	out := b.lookupRange(0, 0, 3, bitmap)
	require.Len(t, out, 2)
	require.Equal(t, uint16(0), out[0].SegmentIndex)
	require.Equal(t, uint16(2), out[1].SegmentIndex)
}

func TestNackBufferLookupRangeUnknownFrame(t *testing.T) {
	b := newNackBuffer(MaxSegmentSize*8, 4)
	out := b.lookupRange(99, 0, 3, []byte{0xFF})
	require.Nil(t, out)
}
