package backend

import (
	"errors"
	"sync"
	"time"
)

// ErrNotRunning is returned by Play/Delay/Flush when the null backend has
// not been started.
var ErrNotRunning = errors.New("backend: not running")

// Null is a no-op Backend used by tests and by deployments that want to
// exercise the full receiver pipeline without real audio hardware. It
// tracks frames played and reports a fixed, configurable delay.
type Null struct {
	mu         sync.Mutex
	params     Parameters
	running    bool
	volume     float64
	muted      bool
	fixedDelay time.Duration
	stats      Stats
}

// NewNull creates a Null backend reporting fixedDelay from Delay().
func NewNull(fixedDelay time.Duration) *Null {
	return &Null{volume: 1.0, fixedDelay: fixedDelay}
}

func (n *Null) Prepare(params Parameters) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params = params
	return nil
}

func (n *Null) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = true
	return nil
}

func (n *Null) Play(samples []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNotRunning
	}
	frameSize := bytesPerFrame(n.params)
	if frameSize > 0 {
		n.stats.FramesPlayed += uint64(len(samples) / frameSize)
	}
	return nil
}

func (n *Null) Delay() (time.Duration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return 0, ErrNotRunning
	}
	return n.fixedDelay, nil
}

func (n *Null) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Null) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNotRunning
	}
	return nil
}

func (n *Null) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = false
	return nil
}

func (n *Null) SetVolume(gain float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.volume = gain
	return nil
}

func (n *Null) SetMute(muted bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.muted = muted
	return nil
}

func (n *Null) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *Null) Parameters() Parameters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params
}

func bytesPerFrame(p Parameters) int {
	if p.Channels <= 0 {
		return 0
	}
	switch p.Format {
	case "S16_LE":
		return 2 * p.Channels
	case "S32_LE":
		return 4 * p.Channels
	default:
		return 0
	}
}
