package player

import (
	"math/rand/v2"
	"sync"
)

// Dither generates TPDF (triangular probability density) noise for format
// conversion (§4.6 step 7). It is single-writer and mutex-protected, and
// seeded once at session start — matching the original's "random source
// seeded at start of session" requirement rather than reseeding per call.
type Dither struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewDither seeds a Dither from two 64-bit seed halves, typically drawn
// from a CSPRNG at session start.
func NewDither(seed1, seed2 uint64) *Dither {
	return &Dither{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Sample returns one TPDF-distributed sample in [-scale, scale], formed as
// the difference of two independent uniform samples (the standard construction: the
// difference of two uniforms on [0,scale) is triangular on (-scale,scale)).
func (d *Dither) Sample(scale float64) float64 {
	d.mu.Lock()
	r1 := d.rng.Float64()
	r2 := d.rng.Float64()
	d.mu.Unlock()
	return (r1 - r2) * scale
}

// Float64 returns one uniform sample in [0,1), reused by the stuffing
// decision's probability roll so the player needs only one seeded RNG.
func (d *Dither) Float64() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64()
}

// ApplyTPDF dithers and truncates a slice of int32 samples (post-volume,
// pre-format-conversion) down to bitDepth bits, returning int16 output
// samples. Dithering is applied whenever bit depth is being reduced, in
// software-attenuation or mono-mix paths (§4.6 step 7); callers gate that
// decision and only call ApplyTPDF when dithering is enabled.
func (d *Dither) ApplyTPDF(samples []int32, bitDepth int) []int16 {
	shift := uint(32 - bitDepth)
	out := make([]int16, len(samples))
	for i, s := range samples {
		noise := d.Sample(float64(int64(1) << shift))
		dithered := float64(s) + noise
		reduced := int32(dithered) >> shift
		out[i] = clampInt16(reduced)
	}
	return out
}

func clampInt16(v int32) int16 {
	const maxV = int32(1<<15 - 1)
	const minV = -int32(1 << 15)
	if v > maxV {
		return int16(maxV)
	}
	if v < minV {
		return int16(minV)
	}
	return int16(v)
}
