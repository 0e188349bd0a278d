// Package stats implements the Player Loop's rolling statistics window
// (§4.6 step 9): mean sync error, corrections/insertions/deletions in parts
// per million, and the jitter buffer's missing/late/too-late/resend
// counters, reported every trendInterval packets.
package stats

import "sync"

// trendInterval mirrors the original's fixed 1003-packet reporting epoch.
const trendInterval = 1003

// Snapshot is one reported window of rolling statistics.
type Snapshot struct {
	PacketsObserved      int64
	MeanSyncErrorMS      float64
	CorrectionsPPM       float64
	InsertionsDeletions  int64
	InsertionsDeletionsPPM float64
	MissingPackets       uint64
	LatePackets          uint64
	TooLatePackets       uint64
	ResendRequests       uint64
	SyncErrorOutOfBounds int
}

// Window accumulates per-packet observations and yields a Snapshot every
// trendInterval packets, mirroring the original's trend_interval reset
// cycle (the sums are zeroed after each report, not carried forward).
type Window struct {
	mu sync.Mutex

	outputRate int

	packets              int64
	sumSyncErrorFrames   int64
	corrections          int64
	insertionsDeletions  int64
	missingPackets       uint64
	latePackets          uint64
	tooLatePackets       uint64
	resendRequests       uint64
	outOfBoundsStreak    int
}

// NewWindow creates a Window reporting sync error in milliseconds derived
// from outputRate.
func NewWindow(outputRate int) *Window {
	return &Window{outputRate: outputRate}
}

// Observe records one played packet's outcome. corrected is true when a
// stuffing correction (insert/drop one frame) was applied this packet.
func (w *Window) Observe(syncErrorFrames int64, corrected bool) (Snapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.packets++
	w.sumSyncErrorFrames += syncErrorFrames
	if corrected {
		w.corrections++
		w.insertionsDeletions++
	}

	if w.packets < trendInterval {
		return Snapshot{}, false
	}
	snap := w.snapshotLocked()
	w.resetLocked()
	return snap, true
}

// NoteBufferCounters merges jitter-buffer-side counters into the current
// window ahead of its next report.
func (w *Window) NoteBufferCounters(missing, late, tooLate, resends uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.missingPackets += missing
	w.latePackets += late
	w.tooLatePackets += tooLate
	w.resendRequests += resends
}

// NoteOutOfBounds records a consecutive out-of-bounds sync error streak
// length at the moment a resync flush fires, for inclusion in the next
// Snapshot, then clears the streak.
func (w *Window) NoteOutOfBounds(streak int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outOfBoundsStreak = streak
}

func (w *Window) snapshotLocked() Snapshot {
	meanFrames := float64(w.sumSyncErrorFrames) / float64(w.packets)
	meanMS := 1000 * meanFrames / float64(w.outputRate)
	correctionsPPM := 1_000_000 * float64(w.corrections) / float64(w.packets)
	insertDeletePPM := 1_000_000 * float64(w.insertionsDeletions) / float64(w.packets)

	return Snapshot{
		PacketsObserved:        w.packets,
		MeanSyncErrorMS:        meanMS,
		CorrectionsPPM:         correctionsPPM,
		InsertionsDeletions:    w.insertionsDeletions,
		InsertionsDeletionsPPM: insertDeletePPM,
		MissingPackets:         w.missingPackets,
		LatePackets:            w.latePackets,
		TooLatePackets:         w.tooLatePackets,
		ResendRequests:         w.resendRequests,
		SyncErrorOutOfBounds:   w.outOfBoundsStreak,
	}
}

func (w *Window) resetLocked() {
	w.packets = 0
	w.sumSyncErrorFrames = 0
	w.corrections = 0
	w.insertionsDeletions = 0
	w.missingPackets = 0
	w.latePackets = 0
	w.tooLatePackets = 0
	w.resendRequests = 0
	w.outOfBoundsStreak = 0
}
