package player

import "time"

// syncError computes sync_error = should_be − (will_be − dac_delay) in the
// local-monotonic-ns timeline shared by the anchor store and the player's
// clock (§4.6 step 4). Operating on the Duration difference rather than on
// converted frame counts avoids overflowing a frame-rate multiplication
// against the large absolute nanosecond values involved.
func syncError(shouldBe, willBe, dacDelay time.Duration) time.Duration {
	return shouldBe - (willBe - dacDelay)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// stuffDecision is the outcome of the per-packet stuffing decision (§4.6
// step 5): either the out-of-bounds flag (caller accumulates consecutive
// occurrences and flushes after 3), or an amount of ±1/0 extra output
// frames to insert or drop this packet.
type stuffDecision struct {
	outOfBounds bool
	amount      int
}

// decideStuffing applies the resync/tolerance thresholds to a computed
// sync_error. roll is a caller-supplied uniform [0,1) sample (from the
// session dither RNG, reused rather than spinning up a second generator)
// driving the V-shaped probability of nudging by one frame as |sync_error|
// approaches toleranceFrames.
func decideStuffing(syncErr, resyncThresholdFrames, toleranceFrames int64, roll float64) stuffDecision {
	magnitude := abs64(syncErr)
	if magnitude > resyncThresholdFrames {
		return stuffDecision{outOfBounds: true}
	}
	if toleranceFrames <= 0 || magnitude == 0 {
		return stuffDecision{}
	}

	probability := float64(magnitude) / float64(toleranceFrames)
	if probability > 1 {
		probability = 1
	}
	if roll >= probability {
		return stuffDecision{}
	}
	if syncErr > 0 {
		return stuffDecision{amount: 1} // running behind: insert a frame to slow the DAC's drain
	}
	return stuffDecision{amount: -1} // running ahead: drop a frame to speed up
}
