// Package codec implements the Decrypt/Decode stage (§4.5, §4.5a): realtime
// (ALAC over AES-CBC) and buffered (AAC over ChaCha20-Poly1305) packet
// decryption, ADTS framing, and a pluggable decoder backend analogous to
// the audio output Backend interface (§6).
package codec

import "errors"

// ErrDecode wraps any decode-stage failure (§7).
var ErrDecode = errors.New("codec: decode failed")

// ALACDecoder turns one decrypted ALAC packet into interleaved PCM samples.
// Real deployments back this with a cgo binding to Apple's reference ALAC
// decoder; this package ships only the interface plus a deterministic
// reference implementation (refcodec) for testing the pipeline around it.
type ALACDecoder interface {
	// DecodeFrame decodes one ALAC packet (already AES-CBC decrypted) into
	// dst, returning the number of samples (not bytes) written per channel.
	DecodeFrame(dst []int16, packet []byte) (samples int, err error)
}

// AACDecoder turns one ADTS-framed AAC access unit into interleaved PCM
// samples. Real deployments back this with a cgo binding to an AAC decode
// library (e.g. fdk-aac); this package ships only the interface plus a
// deterministic reference implementation (refcodec) for testing the
// pipeline around it.
type AACDecoder interface {
	// DecodeFrame decodes one ADTS-framed AAC frame into dst, returning the
	// number of samples (not bytes) written per channel.
	DecodeFrame(dst []int16, adtsFrame []byte) (samples int, err error)
}

// refcodec is a deterministic stand-in decoder used by this package's own
// tests and available to callers that want a wire-compatible pipeline
// without linking a real AAC/ALAC library (e.g. a CI smoke test). It does
// not perform real audio decompression: it reinterprets the payload bytes
// directly as little-endian 16-bit PCM samples, keeping only whole
// interleaved frames that fit in dst and zero-filling the rest of dst; it
// always reports len(dst)/channels samples per channel. This keeps the player pipeline's byte-counting
// and buffering logic exercisable without a cgo dependency.
type refcodec struct {
	channels int
}

// NewReferenceALACDecoder returns a refcodec ALACDecoder for channels
// channels.
func NewReferenceALACDecoder(channels int) ALACDecoder { return &refcodec{channels: channels} }

// NewReferenceAACDecoder returns a refcodec AACDecoder for channels
// channels.
func NewReferenceAACDecoder(channels int) AACDecoder { return &refcodec{channels: channels} }

func (r *refcodec) DecodeFrame(dst []int16, packet []byte) (int, error) {
	if r.channels <= 0 {
		return 0, ErrDecode
	}

	n := len(packet) / 2
	if n > len(dst) {
		n = len(dst)
	}
	n -= n % r.channels // keep whole interleaved frames only

	for i := 0; i < n; i++ {
		dst[i] = int16(packet[2*i]) | int16(packet[2*i+1])<<8
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return len(dst) / r.channels, nil
}
