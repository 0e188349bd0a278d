package player

import "encoding/binary"

// expandToMode parses interleaved little-endian 16-bit PCM and applies the
// playback-mode channel transform (§4.6 step 2). Channel counts other than
// two pass through unchanged regardless of mode — the stereo transforms
// below are undefined outside a 2-channel stream.
func expandToMode(data []byte, mode PlaybackMode, channels int) []int16 {
	if channels <= 0 {
		return nil
	}
	frames := len(data) / 2 / channels
	out := make([]int16, frames*channels)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	if channels != 2 {
		return out
	}

	switch mode {
	case ModeMono:
		for i := 0; i < frames; i++ {
			l, r := out[2*i], out[2*i+1]
			mixed := int16((int32(l) + int32(r)) / 2)
			out[2*i], out[2*i+1] = mixed, mixed
		}
	case ModeReverse:
		for i := 0; i < frames; i++ {
			out[2*i], out[2*i+1] = out[2*i+1], out[2*i]
		}
	case ModeBothLeft:
		for i := 0; i < frames; i++ {
			out[2*i+1] = out[2*i]
		}
	case ModeBothRight:
		for i := 0; i < frames; i++ {
			out[2*i] = out[2*i+1]
		}
	}
	return out
}

// replicate upsamples interleaved PCM by duplicating each frame ratio times
// (§4.6 step 3; output_sample_ratio ∈ {1,2,4,8}).
func replicate(samples []int16, channels, ratio int) []int16 {
	if ratio <= 1 || channels <= 0 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, 0, len(samples)*ratio)
	for i := 0; i < frames; i++ {
		src := samples[i*channels : (i+1)*channels]
		for r := 0; r < ratio; r++ {
			out = append(out, src...)
		}
	}
	return out
}

// stuff realizes a ±1 output frame correction in "basic" mode (§4.6 step 5)
// by duplicating (amount > 0) or dropping (amount < 0) one interleaved frame
// near the middle of the packet, rather than resampling the whole packet.
func stuff(samples []int16, channels, amount int) []int16 {
	if amount == 0 || channels <= 0 {
		return samples
	}
	frames := len(samples) / channels
	if frames == 0 {
		return samples
	}
	mid := frames / 2

	if amount > 0 {
		out := make([]int16, 0, len(samples)+channels)
		out = append(out, samples[:(mid+1)*channels]...)
		out = append(out, samples[mid*channels:]...)
		return out
	}

	out := make([]int16, 0, len(samples)-channels)
	out = append(out, samples[:mid*channels]...)
	out = append(out, samples[(mid+1)*channels:]...)
	return out
}
