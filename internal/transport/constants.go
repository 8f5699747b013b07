package transport

import "time"

// Protocol-wide tunables. Names and defaults mirror the constants carried in
// the original source's udp.c/udp.h, adjusted where the original left the
// value to a sibling header this repo doesn't have a complete copy of.
const (
	// MaxSegmentSize bounds a single SEGMENT's payload so that envelope +
	// header + payload fits comfortably under a conservative path MTU.
	MaxSegmentSize = 1200

	// MaxFrameSize bounds a single application frame before segmentation.
	MaxFrameSize = 16 << 20 // 16 MiB

	// MaxFECRatio is the hard ceiling on parity/(data+parity) for any stream.
	MaxFECRatio = 0.5

	// MaxIndices is the largest segment_count a NACK buffer slot can retain.
	MaxIndices = 4096

	// PingIntervalMS is how often the initiator sends PING.
	PingIntervalMS = 500
	// PongTimeoutMS is how long the initiator waits for a PONG before
	// latching connection_lost.
	PongTimeoutMS = 5000
	// PingLambda is the EWMA smoothing constant for RTT updates.
	PingLambda = 0.6

	// ConnectionAttemptIntervalMS is how often the client retries the
	// handshake's CONNECTION_ATTEMPT while waiting for confirmation.
	ConnectionAttemptIntervalMS = 5
	// NumConfirmationMessages is how many CONNECTION_CONFIRMATION copies the
	// server fires once it has bound a peer, to mitigate the Two Generals'
	// problem on a lossy first round trip.
	NumConfirmationMessages = 10

	// RetriesOnBufferFull bounds retries of a single segment send against a
	// transient ENOBUFS-equivalent condition before the segment is dropped.
	RetriesOnBufferFull = 5

	// ThrottlerBucketDuration is the token bucket's credit-refill window.
	ThrottlerBucketDuration = 5 * time.Millisecond

	// MaxGroupStats bounds the circular array of congestion-control group
	// statistics kept at the receiver.
	MaxGroupStats = 8

	// IncomingBitrateWindowMS is the sliding window the incoming-bitrate
	// estimator averages over.
	IncomingBitrateWindowMS = 256
	// IncomingBitrateNumBuckets partitions that window into fixed buckets.
	IncomingBitrateNumBuckets = 16
	// DurationPerBucketMS is the width of one incoming-bitrate bucket.
	DurationPerBucketMS = IncomingBitrateWindowMS / IncomingBitrateNumBuckets

	// MaxAudioFrames is how many buffered-but-unrendered audio frames the
	// render pointer tolerates before jumping straight to max_id.
	MaxAudioFrames = 10

	// SafetyMargin is how far behind max_id a video/audio slot must fall
	// before it becomes eligible for nack scheduling (gives in-flight
	// segments from the current frame time to arrive before nacking).
	SafetyMargin = 2

	// ResetThreshold is how far behind max_id an unassembled slot must fall
	// before the client gives up and requests a STREAM_RESET.
	ResetThreshold = 8

	// MaxNackAttempts caps retransmit requests per (frame_id, segment_index).
	MaxNackAttempts = 5
	// NackCooldownFloorMS is the minimum spacing enforced between nacks for
	// the same segment even when the latency estimate is ~0.
	NackCooldownFloorMS = 10

	// DefaultRingBufferSize is the default per-stream ring-reassembler
	// (client) and nack-buffer (server) slot count.
	DefaultRingBufferSize = 64

	// DefaultBitrateBPS / DefaultBurstBitrateBPS seed a freshly created
	// session's network settings before the first congestion-control report
	// arrives.
	DefaultBitrateBPS      = 4_000_000
	DefaultBurstBitrateBPS = 6_000_000
	MinBitrateBPS          = 500_000
	MaxBitrateBPS          = 50_000_000

	// RecvTimeoutDefault bounds how long a single blocking socket read may
	// take, so Poll's update loops stay responsive even with nothing to
	// read.
	RecvTimeoutDefault = 50 * time.Millisecond
	// ConnectTimeoutDefault bounds the handshake.
	ConnectTimeoutDefault = 10 * time.Second
)
