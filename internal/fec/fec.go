// Package fec wraps github.com/klauspost/reedsolomon with the lazy,
// shape-keyed encoder cache pattern xtaci/kcp-go uses for its FEC layer
// (vendor/github.com/xtaci/kcp-go/v5/sess.go: fecEncoder/fecDecoder are
// constructed once per session from a fixed (dataShards, parityShards) pair
// and reused for every group of packets that shape produces). Here the shape
// varies per frame, so encoders are cached by shape instead of held as a
// single session field.
package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// shapeKey identifies one (dataShards, parityShards, shardSize) codec.
// shardSize must be part of the key because reedsolomon.Encoder has no
// per-call size parameter — shards handed to Encode must already agree in
// length, and a cached encoder is only reused safely across calls sharing
// that length.
type shapeKey struct {
	data, parity, size int
}

// Codec lazily builds and caches reedsolomon.Encoder instances by shape, so
// repeated frames of the same (k, p, shard size) geometry don't pay
// construction cost twice. Safe for concurrent use.
type Codec struct {
	mu    sync.Mutex
	cache map[shapeKey]reedsolomon.Encoder
}

// NewCodec returns a ready-to-use, empty Codec.
func NewCodec() *Codec {
	return &Codec{cache: make(map[shapeKey]reedsolomon.Encoder)}
}

func (c *Codec) encoderFor(data, parity, size int) (reedsolomon.Encoder, error) {
	key := shapeKey{data, parity, size}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder (k=%d p=%d): %w", data, parity, err)
	}
	c.cache[key] = enc
	return enc, nil
}

// EncodeWithParity computes parityCount parity shards for dataShards, all of
// which must share one length (shardSize).
func (c *Codec) EncodeWithParity(dataShards [][]byte, parityCount int) ([][]byte, error) {
	if len(dataShards) == 0 {
		return nil, fmt.Errorf("fec: encode called with zero data shards")
	}
	if parityCount <= 0 {
		return nil, fmt.Errorf("fec: encode called with non-positive parity count %d", parityCount)
	}
	shardSize := len(dataShards[0])
	for _, s := range dataShards {
		if len(s) != shardSize {
			return nil, fmt.Errorf("fec: data shards must share one length, got %d and %d", shardSize, len(s))
		}
	}

	enc, err := c.encoderFor(len(dataShards), parityCount, shardSize)
	if err != nil {
		return nil, err
	}

	all := make([][]byte, len(dataShards)+parityCount)
	copy(all, dataShards)
	for i := len(dataShards); i < len(all); i++ {
		all[i] = make([]byte, shardSize)
	}
	if err := enc.Encode(all); err != nil {
		return nil, fmt.Errorf("fec: encode: %w", err)
	}
	return all[len(dataShards):], nil
}

// Reconstruct attempts to recover missing shards in place. shards[i] must be
// nil for every shard not received; present shards (data or parity) must all
// share shardSize. On success every shards[i] is filled in; on failure (too
// many shards missing for the given k/p) an error is returned and shards is
// left in an undefined, unusable state for any shard that was nil.
func (c *Codec) Reconstruct(shards [][]byte, dataCount, parityCount, shardSize int) error {
	enc, err := c.encoderFor(dataCount, parityCount, shardSize)
	if err != nil {
		return err
	}
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstruct: %w", err)
	}
	return nil
}

// VerifyData reports whether shardCount equals dataCount+parityCount, the
// shard shape the Codec works with, without attempting reconstruction. It
// checks counts only; Reconstruct does not call it.
func (c *Codec) VerifyData(dataCount, parityCount, shardCount int) bool {
	return shardCount == dataCount+parityCount
}
