package codec

import (
	"errors"
	"fmt"
)

// ADTS header construction for the buffered (AAC) audio path (§4.5). AAC
// payloads arrive as bare access units; the decoder interface expects an
// ADTS elementary stream, so every packet gets a 7-byte header prepended.
const adtsHeaderLength = 7

// ErrShortADTSBuffer is returned when the destination has no room for the
// 7-byte header.
var ErrShortADTSBuffer = errors.New("codec: destination buffer too small for ADTS header")

// ADTSProfile is the MPEG-4 audio object type; PrependADTS writes it minus
// one into the ADTS header's profile field.
type ADTSProfile uint8

const (
	ADTSProfileAACLC ADTSProfile = 2 // AAC LC (MPEG-4 Audio Object Type 2), the only profile AirPlay2 buffered audio uses
)

// adtsSampleRateIndex maps a sample rate in Hz to the ADTS frequency index
// table (ISO/IEC 13818-7 Table 35).
var adtsSampleRateIndex = map[int]byte{
	96000: 0, 88200: 1, 64000: 2, 48000: 3,
	44100: 4, 32000: 5, 24000: 6, 22050: 7,
	16000: 8, 12000: 9, 11025: 10, 8000: 11,
}

// PrependADTS writes a 7-byte ADTS header into dst[:7], ahead of a payload
// of payloadLen bytes. Callers allocate dst with 7 bytes of headroom before
// copying the payload in, mirroring the original decoder's "leave the first
// 7 bytes blank" layout. channels is the channel count (AirPlay2 buffered
// audio is always stereo, chanCfg=2).
func PrependADTS(dst []byte, payloadLen int, sampleRateHz, channels int, profile ADTSProfile) error {
	freqIdx, ok := adtsSampleRateIndex[sampleRateHz]
	if !ok {
		return fmt.Errorf("codec: unsupported ADTS sample rate %dHz", sampleRateHz)
	}
	if len(dst) < adtsHeaderLength {
		return ErrShortADTSBuffer
	}

	frameLen := payloadLen + adtsHeaderLength
	chanCfg := byte(channels)

	dst[0] = 0xFF
	dst[1] = 0xF9
	dst[2] = (byte(profile-1) << 6) | (freqIdx << 2) | (chanCfg >> 2)
	dst[3] = ((chanCfg & 3) << 6) | byte(frameLen>>11)
	dst[4] = byte((frameLen & 0x7FF) >> 3)
	dst[5] = byte((frameLen&7)<<5) | 0x1F
	dst[6] = 0xFC
	return nil
}
