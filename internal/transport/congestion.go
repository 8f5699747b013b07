package transport

// Package-level congestion control: a pure function over the last few group
// statistics plus a small smoothed-state struct, in the style of
// client/internal/adapt/adapt.go's NextBitrate/TargetJitterDepth (a pure
// function from current settings + measured quality to next settings). Here
// the "ladder" of adapt.go is replaced by the delay-gradient/loss/incoming-
// bitrate signals this design calls for, but the shape — no callbacks, no
// goroutine state, table-driven testable — is the same.

// delayClass is the controller's classification of path delay trend.
type delayClass int

const (
	delayNormal delayClass = iota
	delayOveruse
	delayUnderuse
)

// groupStat is one congestion-control "group" observation: the newest
// segment's departure/arrival timestamps for one Throttler-assigned
// group_id, plus the bytes delivered under that group.
type groupStat struct {
	groupID        uint32
	departureUS    uint64
	arrivalUS      uint64
	bytesDelivered uint64
}

// congestionState is the Session's smoothed congestion-control memory,
// updated once per transition to a new group_id.
type congestionState struct {
	history []groupStat // most recent MaxGroupStats, oldest first

	delayGradientEWMA float64
	haveGradient      bool

	bitrateBuckets    [IncomingBitrateNumBuckets]uint64
	bitrateHeadUS     int64 // us, right edge ("now") of the newest bucket
	haveBitrateWindow bool

	currentBitrateBPS      uint32
	currentBurstBitrateBPS uint32
	currentAudioFECRatio   float32
	currentVideoFECRatio   float32

	lastSentSettings NetworkSettings
	haveSentSettings bool
}

func newCongestionState() *congestionState {
	return &congestionState{
		currentBitrateBPS:      DefaultBitrateBPS,
		currentBurstBitrateBPS: DefaultBurstBitrateBPS,
	}
}

// onGroupDelivered records one non-nack, non-duplicate video segment's
// timing and, if groupID is strictly newer than the most recent recorded
// group, runs the control law and returns the settings to send (ok=false if
// unchanged from the last emitted settings).
func (c *congestionState) onGroupDelivered(groupID uint32, departureUS, arrivalUS uint64, bytes uint64, lossRatio float64) (NetworkSettings, bool) {
	if len(c.history) > 0 && groupID < c.history[len(c.history)-1].groupID {
		// Stale group_id from UDP reordering: a segment belonging to a
		// group the controller has already moved past. Ignore it entirely
		// rather than folding it or appending a regressed history entry —
		// only a strictly-new group_id advances the controller.
		return NetworkSettings{}, false
	}
	if len(c.history) > 0 && groupID == c.history[len(c.history)-1].groupID {
		// Same group, another member segment: fold into the existing
		// group's departure/arrival, treating the last member's timestamps
		// as representative of the whole group.
		last := &c.history[len(c.history)-1]
		last.departureUS = departureUS
		last.arrivalUS = arrivalUS
		last.bytesDelivered += bytes
		c.recordIncomingBits(arrivalUS, bytes*8)
		return NetworkSettings{}, false
	}

	c.recordIncomingBits(arrivalUS, bytes*8)
	c.history = append(c.history, groupStat{groupID: groupID, departureUS: departureUS, arrivalUS: arrivalUS, bytesDelivered: bytes})
	if len(c.history) > MaxGroupStats {
		c.history = c.history[len(c.history)-MaxGroupStats:]
	}
	if len(c.history) < 2 {
		return NetworkSettings{}, false
	}

	prev := c.history[len(c.history)-2]
	curr := c.history[len(c.history)-1]
	gradient := float64(int64(curr.arrivalUS-prev.arrivalUS) - int64(curr.departureUS-prev.departureUS))

	const gradientAlpha = 0.2
	if !c.haveGradient {
		c.delayGradientEWMA = gradient
		c.haveGradient = true
	} else {
		c.delayGradientEWMA = gradientAlpha*gradient + (1-gradientAlpha)*c.delayGradientEWMA
	}

	class := classifyDelay(c.delayGradientEWMA)
	incomingBPS := c.incomingBitrateBPS()

	c.applyControlLaw(class, lossRatio, incomingBPS)

	settings := NetworkSettings{
		BitrateBPS:      c.currentBitrateBPS,
		BurstBitrateBPS: c.currentBurstBitrateBPS,
		AudioFECRatio:   c.currentAudioFECRatio,
		VideoFECRatio:   c.currentVideoFECRatio,
	}
	if c.haveSentSettings && settings == c.lastSentSettings {
		return NetworkSettings{}, false
	}
	c.lastSentSettings = settings
	c.haveSentSettings = true
	return settings, true
}

// classifyDelay buckets a smoothed inter-group delay gradient into
// overuse/normal/underuse. Thresholds follow the common
// delay-based congestion control convention of a small dead band around
// zero (WebRTC's GCC uses ~12.5ms by default for its unscaled threshold).
func classifyDelay(gradientUS float64) delayClass {
	const thresholdUS = 12500.0
	switch {
	case gradientUS > thresholdUS:
		return delayOveruse
	case gradientUS < -thresholdUS:
		return delayUnderuse
	default:
		return delayNormal
	}
}

// applyControlLaw is an AIMD-with-multiplicative-decrease law: multiplicative
// decrease on overuse or high loss, slow additive increase on underuse, hold
// on normal-with-acceptable-loss.
func (c *congestionState) applyControlLaw(class delayClass, lossRatio float64, incomingBPS uint32) {
	const (
		highLossThreshold = 0.10
		decreaseFactor    = 0.85
		increaseStepBPS   = 200_000
	)

	switch {
	case class == delayOveruse || lossRatio > highLossThreshold:
		next := uint32(float64(c.currentBitrateBPS) * decreaseFactor)
		c.currentBitrateBPS = clampBitrate(next)
		c.currentVideoFECRatio = clampFECRatio(c.currentVideoFECRatio + 0.05)
	case class == delayUnderuse && lossRatio < 0.02:
		c.currentBitrateBPS = clampBitrate(c.currentBitrateBPS + increaseStepBPS)
		c.currentVideoFECRatio = clampFECRatio(c.currentVideoFECRatio - 0.02)
	default:
		// Normal delay, acceptable loss: hold, but never exceed what the
		// path has actually been observed delivering by a wide margin.
		if incomingBPS > 0 && c.currentBitrateBPS > incomingBPS*2 {
			c.currentBitrateBPS = clampBitrate(incomingBPS * 2)
		}
	}
	c.currentBurstBitrateBPS = clampBitrate(uint32(float64(c.currentBitrateBPS) * 1.5))
}

func clampBitrate(bps uint32) uint32 {
	switch {
	case bps < MinBitrateBPS:
		return MinBitrateBPS
	case bps > MaxBitrateBPS:
		return MaxBitrateBPS
	default:
		return bps
	}
}

func clampFECRatio(r float32) float32 {
	switch {
	case r < 0:
		return 0
	case r > MaxFECRatio:
		return MaxFECRatio
	default:
		return r
	}
}

// bucketWidthUS is the width, in microseconds, of one incoming-bitrate
// bucket in the sliding window below.
const bucketWidthUS = int64(DurationPerBucketMS) * 1000

// recordIncomingBits folds bits arriving at arrivalUS into the sliding
// circular-bucket incoming-bitrate estimator. Buckets older than
// the window are rotated out and zeroed as time advances.
func (c *congestionState) recordIncomingBits(arrivalUS uint64, bits uint64) {
	now := int64(arrivalUS)
	if !c.haveBitrateWindow {
		c.bitrateHeadUS = now
		c.haveBitrateWindow = true
	}

	if elapsed := now - c.bitrateHeadUS; elapsed > 0 {
		shift := elapsed / bucketWidthUS
		if shift > 0 {
			n := len(c.bitrateBuckets)
			if shift >= int64(n) {
				for i := range c.bitrateBuckets {
					c.bitrateBuckets[i] = 0
				}
			} else {
				copy(c.bitrateBuckets[:], c.bitrateBuckets[shift:])
				for i := n - int(shift); i < n; i++ {
					c.bitrateBuckets[i] = 0
				}
			}
			c.bitrateHeadUS += shift * bucketWidthUS
		}
	}
	// Arrivals older than the current head (out-of-order delivery) are
	// folded into the newest bucket rather than discarded.
	c.bitrateBuckets[len(c.bitrateBuckets)-1] += bits
}

// incomingBitrateBPS reports the current window's estimated bits/sec.
func (c *congestionState) incomingBitrateBPS() uint32 {
	var total uint64
	for _, b := range c.bitrateBuckets {
		total += b
	}
	if total == 0 {
		return 0
	}
	return uint32(total * 1000 / IncomingBitrateWindowMS)
}
