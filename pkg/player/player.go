// Package player implements the Player Loop (§4.6): it pulls ordered PCM
// frames from the jitter buffer, paces them against the anchor-derived
// playback clock, applies stuffing corrections to track DAC drift, and
// hands the result to the audio output backend. Grounded on the teacher's
// pkg/bridge.Pacer leaky-bucket loop (context-driven goroutine, channel
// ingress, periodic stats snapshot), generalized from RTP-paced-against-
// wall-clock to PCM-paced-against-an-independently-drifting DAC.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/pierre-dev/airplay2/pkg/anchor"
	"github.com/pierre-dev/airplay2/pkg/backend"
	"github.com/pierre-dev/airplay2/pkg/jitter"
	"github.com/pierre-dev/airplay2/pkg/stats"
)

// FrameSize is the fixed PCM frames-per-packet unit the steady-state
// pipeline operates on (§4.6).
const FrameSize = 352

// PlaybackMode selects the channel transform applied to decoded stereo
// samples (§4.6 step 2).
type PlaybackMode int

const (
	ModeStereo PlaybackMode = iota
	ModeMono                // (L+R)/2 on both channels
	ModeReverse             // swap L/R
	ModeBothLeft            // L on both channels
	ModeBothRight           // R on both channels
)

// StuffMode selects how a ±1 frame correction is realized.
type StuffMode int

const (
	// StuffModeBasic duplicates or deletes one frame per packet. soxr-style
	// high-quality resampling is out of scope for this core (§1 decoder
	// backends note) — StuffModeBasic is the only mode implemented.
	StuffModeBasic StuffMode = iota
)

// Config holds the Player Loop's tuned parameters (§6 defaults).
type Config struct {
	InputRate       int
	OutputRate      int
	Channels        int
	DesiredLatency  time.Duration
	ResyncThreshold time.Duration
	DriftTolerance  time.Duration
	Mode            PlaybackMode
	StuffMode       StuffMode
}

// outputRatio returns output_rate/input_rate, expected to be one of
// {1,2,4,8} (§4.6 step 3).
func (c Config) outputRatio() int {
	if c.InputRate == 0 {
		return 1
	}
	return c.OutputRate / c.InputRate
}

// Player runs the steady-state pipeline against a jitter buffer and an
// anchor-derived playback clock, writing corrected PCM to a backend.
type Player struct {
	cfg    Config
	buf    *jitter.Buffer
	out    backend.Backend
	dither *Dither
	window *stats.Window

	// now returns the current instant on the same local-monotonic-ns
	// timeline as anchor.Last.Localized (§4.2). Overridable by tests.
	now func() time.Duration

	mu                sync.Mutex
	buffering         bool
	outOfBoundsStreak int
	sessionStart      time.Time
	suppressStuffing  bool
	lastAnchor        anchor.Last
	haveAnchor        bool

	onFlush func(fromRTP uint32, durationFrames int64)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Player reading frames from buf and writing to out. Anchor
// data is pushed in by the owning session via SetAnchorInput rather than
// read from a Store directly, so the player has no dependency on the Clock
// Source or Anchor Model internals.
func New(cfg Config, buf *jitter.Buffer, out backend.Backend, dither *Dither) *Player {
	return &Player{
		cfg:       cfg,
		buf:       buf,
		out:       out,
		dither:    dither,
		window:    stats.NewWindow(cfg.OutputRate),
		now:       func() time.Duration { return time.Duration(time.Now().UnixNano()) },
		buffering: true,
		stopCh:    make(chan struct{}),
	}
}

// OnFlush registers a callback invoked when the player must ask the RTSP
// session/jitter buffer to discard source frames up to fromRTP+durationFrames
// to re-synchronize (§4.6 steps 4 and 5).
func (p *Player) OnFlush(f func(fromRTP uint32, durationFrames int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFlush = f
}

// Start runs the player loop until ctx is cancelled or Stop is called.
func (p *Player) Start(ctx context.Context) {
	p.mu.Lock()
	p.sessionStart = time.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
}

// Stop halts the player loop and waits for it to exit.
func (p *Player) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Player) packetDuration() time.Duration {
	return time.Duration(FrameSize) * time.Second / time.Duration(p.cfg.InputRate)
}

func (p *Player) loop(ctx context.Context) {
	ticker := time.NewTicker(p.packetDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick runs one steady-state iteration, or the pre-play silence-fill logic
// while buffering (§4.6).
func (p *Player) tick() {
	p.mu.Lock()
	buffering := p.buffering
	p.mu.Unlock()

	if buffering {
		p.preplayTick()
		return
	}
	p.steadyStateTick()
}

// preplayTick implements the pre-play phase (§4.6): wait for the first
// ready frame, top up the DAC with silence until its scheduled time is
// within two packet durations, then leave buffering mode.
func (p *Player) preplayTick() {
	frame := p.buf.Slot(p.readCursor())
	if !frame.Ready {
		p.emitSilence()
		return
	}

	last, ok := p.currentAnchor()
	if !ok {
		p.emitSilence()
		return
	}

	timeToPlay := anchor.FrameToLocalNS(last, uint32(p.cfg.InputRate), frame.GivenTimestamp)
	leadTime := timeToPlay - p.now()

	if leadTime < 100*time.Millisecond {
		p.mu.Lock()
		onFlush := p.onFlush
		p.mu.Unlock()
		if onFlush != nil {
			onFlush(frame.GivenTimestamp+5*4410, int64(0.5*float64(p.cfg.InputRate)))
		}
	}

	if leadTime <= 2*p.packetDuration() {
		p.mu.Lock()
		p.buffering = false
		p.mu.Unlock()
		p.buf.SetBuffering(false)
		return
	}

	p.emitSilence()
}

func (p *Player) readCursor() uint16 {
	read, _, _, _ := p.buf.Cursors()
	return read
}

func (p *Player) currentAnchor() (anchor.Last, bool) {
	// The anchor store's GetData requires a ClockInfo snapshot; callers
	// that wire a real clock source supply it via SetAnchorInput. Until
	// then the player has nothing to schedule against.
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAnchor, p.haveAnchor
}

// SetAnchorInput is called by the session whenever a fresh AnchorLast is
// available (normally computed from the Clock Source + Anchor Model, fed
// in by the owning RTSP session rather than read directly here, to avoid a
// Player→ptpshm backpointer per the teacher's no-backpointer precedent).
func (p *Player) SetAnchorInput(last anchor.Last) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAnchor = last
	p.haveAnchor = true
}

func (p *Player) emitSilence() {
	silence := make([]byte, FrameSize*p.cfg.outputRatio()*backendFrameBytes(p.cfg.Channels))
	_ = p.out.Play(silence)
}

// steadyStateTick runs one full per-352-frame pipeline iteration (§4.6
// steps 1-9).
func (p *Player) steadyStateTick() {
	frame, ok, _ := p.buf.Get()
	var pcm []int16
	if !ok {
		pcm = make([]int16, FrameSize*p.cfg.Channels) // silence substitution
	} else {
		pcm = expandToMode(frame.Data, p.cfg.Mode, p.cfg.Channels)
	}

	replicated := replicate(pcm, p.cfg.Channels, p.cfg.outputRatio())

	last, haveAnchor := p.currentAnchor()
	dacDelay, _ := p.out.Delay()
	corrected := false
	var errFrames int64

	// A substituted-silence frame (ok == false) has no real given_timestamp,
	// so it must never itself contribute to the sync-error/stuffing decision
	// (original_source/src/airplay/ref.c:889 excludes given_timestamp == 0
	// from the out-of-bounds accumulation the same way).
	if haveAnchor && ok {
		shouldBe := anchor.FrameToLocalNS(last, uint32(p.cfg.InputRate), frame.GivenTimestamp)
		willBe := p.now()
		errFrames = nsToFrames(syncError(shouldBe, willBe, dacDelay), p.cfg.OutputRate)

		resyncFrames := int64(p.cfg.ResyncThreshold.Seconds() * float64(p.cfg.OutputRate))
		toleranceFrames := int64(p.cfg.DriftTolerance.Seconds() * float64(p.cfg.OutputRate))

		p.mu.Lock()
		suppressed := p.suppressStuffing ||
			(!p.sessionStart.IsZero() && time.Since(p.sessionStart) < 5*time.Second)
		p.mu.Unlock()

		if !suppressed {
			decision := decideStuffing(errFrames, resyncFrames, toleranceFrames, p.dither.Float64())
			if decision.outOfBounds {
				p.mu.Lock()
				p.outOfBoundsStreak++
				streak := p.outOfBoundsStreak
				p.mu.Unlock()
				if streak >= 3 {
					p.triggerResync(frame.GivenTimestamp, errFrames)
					p.mu.Lock()
					p.outOfBoundsStreak = 0
					p.mu.Unlock()
				}
			} else {
				p.mu.Lock()
				p.outOfBoundsStreak = 0
				p.mu.Unlock()
				if decision.amount != 0 {
					replicated = stuff(replicated, p.cfg.Channels, decision.amount)
					corrected = true
				}
			}
		}
	}

	p.window.Observe(errFrames, corrected)

	out := samplesToBytes(replicated)
	_ = p.out.Play(out)
}

func (p *Player) triggerResync(fromRTP uint32, errFrames int64) {
	p.mu.Lock()
	onFlush := p.onFlush
	p.mu.Unlock()
	if onFlush == nil {
		return
	}
	durationFrames := errFrames + int64(0.1*float64(p.cfg.InputRate))
	onFlush(fromRTP, durationFrames)
}

// SuppressStuffing disables the stuffing decision while v is true. The
// decision is also skipped for the first 5s after Start regardless of this
// flag (§4.6 step 5).
func (p *Player) SuppressStuffing(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressStuffing = v
}

func nsToFrames(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

func backendFrameBytes(channels int) int {
	return 2 * channels // S16_LE output, expanded upstream for wider formats
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
