// Package jitter implements the Jitter Buffer (§4.3): a fixed 1024-slot
// ring of audio frames keyed by 16-bit sequence number, with resend
// bookkeeping. Grounded on the ring/priming shape of
// other_examples' rustyguts-bken jitter buffer, generalized from a
// multi-sender Opus ring to AirPlay's single-sender 1024-slot ring.
package jitter

import (
	"sync"
	"time"
)

// Size is the fixed ring size mandated by §3.
const Size = 1024

// Status bits for an AudioFrame slot (§3).
type Status uint8

const (
	StatusMissing Status = 1 << iota
	StatusBad
	StatusTooLate
	StatusTooEarly
	StatusRecentlyRequested
)

// Frame is one slot in the jitter buffer (§3).
type Frame struct {
	SequenceNumber      uint16
	GivenTimestamp      uint32
	Length              uint32
	Ready               bool
	Status              Status
	ResendRequestCount  uint32
	InitialisationTime  time.Time
	ResendTime          time.Time
	Data                []byte
}

func (f *Frame) clear() { *f = Frame{} }

// Buffer is the fixed 1024-slot jitter ring (§3, §4.3).
type Buffer struct {
	mu sync.Mutex

	slots [Size]Frame

	abRead, abWrite uint16
	synced          bool
	buffering       bool

	latePackets    uint64
	tooLatePackets uint64

	// flushFromSeq/flushUntilSeq implement FlushRequest (§3); a pending
	// flush always has an until. An immediate flush is just
	// ApplyFlush(false, 0, write) with write the caller's current write
	// cursor (drop everything currently buffered); a deferred flush carries
	// its own explicit until, and optionally a from.
	flushPending    bool
	flushHasFrom    bool
	flushFromSeq    uint16
	flushUntilSeq   uint16

	onPlaced func(seq uint16)
}

// NewBuffer creates an empty jitter buffer. It starts in "buffering" state,
// which stays set until the player clears it with SetBuffering(false);
// placing packets does not change it.
func NewBuffer() *Buffer {
	return &Buffer{buffering: true}
}

// OnPlaced registers a callback fired after each successful Put, used by
// the Resend Engine to trigger its scan (§4.3: "signal the player-loop
// condition variable... then invoke the Resend Engine scan").
func (b *Buffer) OnPlaced(f func(seq uint16)) { b.onPlaced = f }

// signedDelta computes a-b as a signed 16-bit quantity, used throughout for
// wrap-safe sequence-number ordering.
func signedDelta(a, b uint16) int16 { return int16(a - b) }

// Put places a decoded payload at its sequence number (§4.3). The OnPlaced
// callback runs after the buffer's lock is released, so it may call back
// into the Buffer.
func (b *Buffer) Put(seq uint16, rtpTime uint32, payload []byte, nFrames uint32) {
	b.mu.Lock()
	placed := false
	defer func() {
		onPlaced := b.onPlaced
		b.mu.Unlock()
		if placed && onPlaced != nil {
			onPlaced(seq)
		}
	}()

	now := time.Now()

	if !b.synced {
		b.abRead = seq
		b.abWrite = seq
		b.synced = true
		// Clear any previously-pending flush of the form "flush to RTP 0".
		if b.flushPending && !b.flushHasFrom && b.flushUntilSeq == 0 {
			b.flushPending = false
		}
	}

	if b.inFlushRange(seq) {
		// A flush observed before consumption suppresses frames in range;
		// still advance bookkeeping so the range eventually drains.
	}

	switch {
	case seq == b.abWrite:
		b.place(seq, rtpTime, payload, nFrames, now)
		b.abWrite = seq + 1

	case signedDelta(seq, b.abWrite) > 0:
		// Gap: mark intervening slots missing.
		for s := b.abWrite; s != seq; s++ {
			slot := &b.slots[s%Size]
			slot.SequenceNumber = s
			slot.Status |= StatusMissing
			slot.InitialisationTime = now
		}
		b.place(seq, rtpTime, payload, nFrames, now)
		b.abWrite = seq + 1

	case signedDelta(seq, b.abRead) > 0:
		// Late arrival, but still within the live window.
		b.place(seq, rtpTime, payload, nFrames, now)
		b.latePackets++

	default:
		b.tooLatePackets++
		return
	}

	placed = true
}

func (b *Buffer) place(seq uint16, rtpTime uint32, payload []byte, nFrames uint32, now time.Time) {
	slot := &b.slots[seq%Size]
	slot.SequenceNumber = seq
	slot.GivenTimestamp = rtpTime
	slot.Length = nFrames
	slot.Data = payload
	slot.Ready = true
	slot.Status = 0
	if slot.InitialisationTime.IsZero() {
		slot.InitialisationTime = now
	}
}

func (b *Buffer) inFlushRange(seq uint16) bool {
	if !b.flushPending {
		return false
	}
	if b.flushHasFrom && signedDelta(seq, b.flushFromSeq) < 0 {
		return false
	}
	return signedDelta(seq, b.flushUntilSeq) < 0
}

// MarkBad marks a slot's decode as failed (§7: decode failure -> bad,
// substitute silence, continue).
func (b *Buffer) MarkBad(seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot := &b.slots[seq%Size]
	slot.Status |= StatusBad
	slot.Ready = false
}

// Get returns the next frame at or after abRead for the player loop to
// consume, substituting silence (ok=false) when the slot is not ready or
// falls within an active flush range. The caller is responsible for
// generating the actual silent PCM; Get only signals substitution.
func (b *Buffer) Get() (frame Frame, ok bool, seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced || signedDelta(b.abRead, b.abWrite) >= 0 {
		return Frame{}, false, b.abRead
	}

	seq = b.abRead
	slot := &b.slots[seq%Size]

	if b.inFlushRange(seq) {
		b.abRead++
		if signedDelta(b.abRead, b.flushUntilSeq) >= 0 {
			// Drained: resume at the next ready frame >= flushUntilSeq.
			b.flushPending = false
		}
		slot.clear()
		return Frame{}, false, seq
	}

	if !slot.Ready || slot.SequenceNumber != seq {
		b.abRead++
		return Frame{}, false, seq
	}

	f := *slot
	slot.clear()
	b.abRead++
	return f, true, seq
}

// Cursors returns the current read/write cursors and flags, used by the
// Resend Engine's scan range and diagnostics.
func (b *Buffer) Cursors() (read, write uint16, synced, buffering bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.abRead, b.abWrite, b.synced, b.buffering
}

// SetBuffering toggles ab_buffering (player-controlled, §4.6 pre-play phase).
func (b *Buffer) SetBuffering(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffering = v
}

// Slot exposes a copy of the slot at seq for the Resend Engine's scan. It
// does not clear or mutate state.
func (b *Buffer) Slot(seq uint16) Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[seq%Size]
}

// MarkResendSent records that a resend request covering seq has just been
// issued (§4.4: resend_time = now, resend_request_count++).
func (b *Buffer) MarkResendSent(seq uint16, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot := &b.slots[seq%Size]
	slot.ResendTime = now
	slot.ResendRequestCount++
	slot.Status |= StatusRecentlyRequested
}

// SetStatus overwrites a slot's status bits (Resend Engine classification).
func (b *Buffer) SetStatus(seq uint16, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[seq%Size].Status = status
}

// Stats returns the late/too-late counters for diagnostics (§7).
func (b *Buffer) Stats() (late, tooLate uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latePackets, b.tooLatePackets
}

// ApplyFlush merges a FlushRequest into the buffer's pending flush state
// (§3 FlushRequest invariants). immediate flushes pass hasFrom=false and
// untilSeq=abWrite (drop everything currently buffered); deferred flushes
// always carry an "until". Merging a new deferred flush into an existing
// one updates only "until" — the original "from" is preserved.
func (b *Buffer) ApplyFlush(hasFrom bool, fromSeq, untilSeq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushPending {
		// Invariant: only "until" updates; "from" is preserved.
		b.flushUntilSeq = untilSeq
		return
	}

	b.flushPending = true
	b.flushHasFrom = hasFrom
	b.flushFromSeq = fromSeq
	b.flushUntilSeq = untilSeq
}

// ClearFlush cancels any pending flush (used on TEARDOWN or a fresh anchor).
func (b *Buffer) ClearFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushPending = false
}
