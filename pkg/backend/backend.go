// Package backend defines the audio output backend interface (§6) and a
// null backend used for tests and headless deployments. Real output drivers
// (ALSA, CoreAudio, PulseAudio) implement Backend outside this package.
package backend

import "time"

// Parameters describes the output device's configured format.
type Parameters struct {
	SampleRateHz int
	Channels     int
	Format       string // e.g. "S16_LE", "S32_LE"
}

// Stats reports backend-side playback counters (§4.6). The player loop's
// sync-error calculation reads Delay, not Stats.
type Stats struct {
	FramesPlayed uint64
	Underruns    uint64
}

// Backend is the audio output device interface (§6): prepare/start/play/
// delay/stats/flush/stop/volume/mute/is_running/parameters.
type Backend interface {
	// Prepare configures the device for the given parameters. Called once
	// before Start.
	Prepare(params Parameters) error

	// Start opens the device and begins accepting Play calls.
	Start() error

	// Play writes one block of interleaved PCM samples, blocking until
	// accepted by the device (or its internal buffer).
	Play(samples []byte) error

	// Delay returns the current DAC delay: how far in the future the next
	// written sample will actually sound, used to compute sync_error.
	Delay() (time.Duration, error)

	// Stats returns cumulative backend counters.
	Stats() Stats

	// Flush discards any buffered-but-not-yet-played audio.
	Flush() error

	// Stop closes the device. The backend must tolerate Start being called
	// again afterwards.
	Stop() error

	// SetVolume sets linear output gain in [0, 1].
	SetVolume(gain float64) error

	// SetMute mutes or unmutes the device without losing the volume level.
	SetMute(muted bool) error

	// IsRunning reports whether the device is between Start and Stop.
	IsRunning() bool

	// Parameters returns the format the device was last Prepare'd with.
	Parameters() Parameters
}
