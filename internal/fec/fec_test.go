package fec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func shardsOf(data [][]byte) [][]byte {
	out := make([][]byte, len(data))
	for i, s := range data {
		cp := make([]byte, len(s))
		copy(cp, s)
		out[i] = cp
	}
	return out
}

func TestEncodeWithParityThenReconstructMissingData(t *testing.T) {
	c := NewCodec()
	data := [][]byte{
		[]byte("aaaaaaaa"),
		[]byte("bbbbbbbb"),
		[]byte("cccccccc"),
		[]byte("dddddddd"),
	}
	parity, err := c.EncodeWithParity(data, 2)
	require.NoError(t, err)
	require.Len(t, parity, 2)

	shards := make([][]byte, 6)
	copy(shards, shardsOf(data))
	shards[2] = nil // drop one data shard
	shards[0] = nil // drop another
	shards[4] = parity[0]
	shards[5] = parity[1]

	require.NoError(t, c.Reconstruct(shards, 4, 2, 8))
	require.Equal(t, data[0], shards[0])
	require.Equal(t, data[2], shards[2])
}

func TestReconstructFailsWithTooManyMissingShards(t *testing.T) {
	c := NewCodec()
	data := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	parity, err := c.EncodeWithParity(data, 1)
	require.NoError(t, err)

	shards := make([][]byte, 4)
	shards[0] = nil
	shards[1] = nil // two data shards missing, only one parity shard available
	shards[2] = data[2]
	shards[3] = parity[0]

	err = c.Reconstruct(shards, 3, 1, 4)
	require.Error(t, err)
}

func TestEncodeWithParityRejectsMismatchedShardLengths(t *testing.T) {
	c := NewCodec()
	_, err := c.EncodeWithParity([][]byte{[]byte("aaaa"), []byte("bb")}, 1)
	require.Error(t, err)
}

func TestEncoderCacheReusedAcrossCalls(t *testing.T) {
	c := NewCodec()
	data := [][]byte{[]byte("aaaa"), []byte("bbbb")}
	_, err := c.EncodeWithParity(data, 1)
	require.NoError(t, err)
	require.Len(t, c.cache, 1)

	_, err = c.EncodeWithParity(data, 1)
	require.NoError(t, err)
	require.Len(t, c.cache, 1, "same shape should reuse the cached encoder")
}

func TestVerifyData(t *testing.T) {
	c := NewCodec()
	require.True(t, c.VerifyData(4, 2, 6))
	require.False(t, c.VerifyData(4, 2, 5))
}
