// Package anchor implements the Anchor Model (§4.2): it holds the
// source-declared RTP↔network-time mapping and, combined with the Clock
// Source, converts RTP timestamps to local monotonic nanoseconds.
package anchor

import (
	"sync"
	"time"

	"github.com/pierre-dev/airplay2/pkg/ptpshm"
)

// Data is the source-declared anchor (§3), set by SETRATEANCHORTIME and
// cleared by TEARDOWN or a session-terminal flush.
type Data struct {
	ClockID    uint64
	RTPTime    uint32
	AnchorTime time.Duration // network-timeline nanoseconds
	Flags      uint64
}

// IsEmpty reports whether this is the "cleared" sentinel value.
func (d Data) IsEmpty() bool { return d.ClockID == 0 && d.RTPTime == 0 && d.AnchorTime == 0 }

// Last is the validated anchor the player actually uses (§3).
type Last struct {
	ClockID    uint64
	RTPTime    uint32
	AnchorTime time.Duration
	Localized  time.Duration // AnchorTime - ClockInfo.RawOffset
	ValidFor   time.Duration // mastership age at the time of adoption
}

// Store holds the latest source-declared anchor and the last validated
// anchor, and performs the save/get-data state machine of §4.2. The single
// mutator is the RTSP session's control-message handler; GetData is called
// by cmd/airplayd's per-connection anchor-forwarding goroutine, which pushes
// the result into the player.
type Store struct {
	mu sync.Mutex

	source     Data
	haveSource bool

	last    Last
	haveLast bool

	// sourceAnchorClockID remembers the clock_id of the *original* anchor
	// for the returning-master tie-break in §4.2.
	sourceAnchorClockID uint64

	inputRate uint32 // Hz; 44100 for realtime, set from the decoder for buffered

	onDrift func(estimatedDriftNS int64)
}

// NewStore creates an anchor store for the given input sample rate.
func NewStore(inputRate uint32) *Store {
	return &Store{inputRate: inputRate}
}

// SetInputRate updates the sample rate used by FrameToLocalNS (the buffered
// path only learns its rate once the AAC decoder has parsed its config).
func (s *Store) SetInputRate(rate uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputRate = rate
}

// OnDrift registers a callback invoked when a returning master snaps back
// to the original source anchor (§4.2 tie-break), carrying the estimated
// cumulative drift in nanoseconds.
func (s *Store) OnDrift(f func(estimatedDriftNS int64)) { s.onDrift = f }

// Save stores a newly-declared source anchor (§4.2 responsibility 1).
func (s *Store) Save(d Data) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.IsEmpty() {
		s.haveSource = false
		s.haveLast = false
		s.sourceAnchorClockID = 0
		return
	}

	// Quick-change detection: a new clock_id with no corresponding RTP/time
	// change invalidates the adopted Last until it is re-validated.
	if s.haveSource && s.source.ClockID != d.ClockID && s.source.RTPTime == d.RTPTime && s.source.AnchorTime == d.AnchorTime {
		s.haveLast = false
	}

	if !s.haveSource || s.source.ClockID != d.ClockID {
		s.sourceAnchorClockID = d.ClockID
	}

	s.source = d
	s.haveSource = true
}

// GetData returns the currently valid anchor given the latest ClockInfo
// (§4.2 responsibility 2 — the decision table).
func (s *Store) GetData(info ptpshm.ClockInfo, result ptpshm.Result, now time.Duration) (Last, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch result {
	case ptpshm.ResultNotReady:
		return s.last, s.haveLast

	case ptpshm.ResultOK:
		// fallthrough to the main decision table below

	default:
		// "others": report fail, keep last if any.
		return s.last, s.haveLast
	}

	if !s.haveSource {
		return s.last, s.haveLast
	}

	masterFor := info.MasterFor(now)

	if s.source.ClockID == info.ClockID {
		if !s.haveLast {
			if masterFor >= ageMin {
				s.adopt(info, now)
			}
			return s.last, s.haveLast
		}
		if masterFor >= ageStable {
			s.adopt(info, now)
		}
		return s.last, s.haveLast
	}

	// Clock mismatch.
	if !s.haveLast {
		return s.last, false
	}
	if s.last.ValidFor >= ageStable {
		// Returning-master tie-break: snap back if this clock matches the
		// *original* source anchor clock.
		if info.ClockID == s.sourceAnchorClockID {
			oldLocalized := s.last.Localized
			s.adopt(info, now)
			if s.onDrift != nil {
				s.onDrift(int64(s.last.Localized - oldLocalized))
			}
			return s.last, s.haveLast
		}
		// Recompute last.anchor_time using the new offset; update clock_id.
		s.last.ClockID = info.ClockID
		s.last.Localized = s.last.AnchorTime - info.RawOffset
		return s.last, s.haveLast
	}

	return s.last, s.haveLast
}

func (s *Store) adopt(info ptpshm.ClockInfo, now time.Duration) {
	s.last = Last{
		ClockID:    s.source.ClockID,
		RTPTime:    s.source.RTPTime,
		AnchorTime: s.source.AnchorTime,
		Localized:  s.source.AnchorTime - info.RawOffset,
		ValidFor:   info.MasterFor(now),
	}
	s.haveLast = true
}

const (
	ageMin    = 1500 * time.Millisecond
	ageStable = 5 * time.Second
)

// FrameToLocalNS converts an RTP timestamp to local monotonic nanoseconds
// using the currently adopted Last anchor (§3 conversion contract). The
// subtraction rtp-rtp_time is carried out in modulo-2^32 arithmetic and
// sign-extended to handle wraparound.
func FrameToLocalNS(last Last, inputRate uint32, rtp uint32) time.Duration {
	delta := int32(rtp - last.RTPTime) // wrapping subtraction, then sign-extend
	deltaNS := (int64(delta) * int64(time.Second)) / int64(inputRate)
	return last.Localized + time.Duration(deltaNS)
}
