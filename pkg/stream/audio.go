package stream

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"net"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/pierre-dev/airplay2/pkg/codec"
	"github.com/pierre-dev/airplay2/pkg/jitter"
)

// intervalStatsWindow is the realtime receiver's purely-diagnostic
// inter-arrival timing sample size (§4.8c).
const intervalStatsWindow = 2500

// Pipeline decrypts one audio wire packet, decodes it to PCM, and places it
// into the jitter buffer. It is shared by the realtime receiver, the
// buffered receiver, and the AP2 control receiver's 0xD6 resend-response
// path, all of which hand it packets "identical in shape" per §4.8b: a
// 12-byte RTP header (seq, rtp_time) followed by the codec-specific
// ciphertext.
type Pipeline struct {
	buf        *jitter.Buffer
	realtime   *codec.RealtimeDecryptor
	buffered   *codec.BufferedDecryptor
	alac       codec.ALACDecoder
	aac        codec.AACDecoder
	channels   int
	sampleRate int
}

// NewRealtimePipeline builds a Pipeline for the ALAC/AES-CBC realtime
// stream (§4.5).
func NewRealtimePipeline(buf *jitter.Buffer, dec *codec.RealtimeDecryptor, alac codec.ALACDecoder, channels, sampleRate int) *Pipeline {
	return &Pipeline{buf: buf, realtime: dec, alac: alac, channels: channels, sampleRate: sampleRate}
}

// NewBufferedPipeline builds a Pipeline for the AAC/ChaCha20-Poly1305
// buffered stream (§4.5).
func NewBufferedPipeline(buf *jitter.Buffer, dec *codec.BufferedDecryptor, aac codec.AACDecoder, channels, sampleRate int) *Pipeline {
	return &Pipeline{buf: buf, buffered: dec, aac: aac, channels: channels, sampleRate: sampleRate}
}

// DecryptDecodeAndPlace implements PacketPlacer (control.go). packet is the
// full wire packet including its 12-byte RTP header.
func (p *Pipeline) DecryptDecodeAndPlace(packet []byte) error {
	header := &rtp.Header{}
	n, err := header.Unmarshal(packet)
	if err != nil {
		return err
	}

	var plaintext []byte
	if p.realtime != nil {
		payload := packet[n:]
		plaintext = make([]byte, len(payload))
		if _, err = p.realtime.Decrypt(plaintext, payload); err != nil {
			return err
		}
	} else {
		plaintext, err = p.buffered.Decrypt(packet)
		if err != nil {
			return err
		}
	}

	if p.aac != nil {
		framed := make([]byte, 7+len(plaintext))
		if err = codec.PrependADTS(framed, len(plaintext), p.sampleRate, p.channels, codec.ADTSProfileAACLC); err != nil {
			return err
		}
		copy(framed[7:], plaintext)
		plaintext = framed
	}

	pcm := make([]int16, p.pcmCapacity())
	var samples int
	if p.alac != nil {
		samples, err = p.alac.DecodeFrame(pcm, plaintext)
	} else {
		samples, err = p.aac.DecodeFrame(pcm, plaintext)
	}
	if err != nil {
		return err
	}

	// samples counts per-channel samples, i.e. frames.
	frames := samples
	total := samples * p.channels
	out := make([]byte, total*2)
	for i, s := range pcm[:total] {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}

	p.buf.Put(header.SequenceNumber, header.Timestamp, out, uint32(frames))
	return nil
}

// ALAC packets decode to a fixed 352 samples/channel (§4.5); AAC's standard
// access unit is 1024 samples/channel.
const (
	alacSamplesPerPacket = 352
	aacSamplesPerFrame   = 1024
)

// pcmCapacity sizes the decode destination to exactly one decoded frame's
// worth of interleaved samples.
func (p *Pipeline) pcmCapacity() int {
	if p.alac != nil {
		return alacSamplesPerPacket * p.channels
	}
	return aacSamplesPerFrame * p.channels
}

// intervalStats accumulates inter-arrival-time mean/stddev/max over a fixed
// window of packets, purely diagnostic (§4.8c).
type intervalStats struct {
	last  time.Time
	n     int
	sum   float64
	sumSq float64
	max   time.Duration
}

func (s *intervalStats) observe(now time.Time, log zerolog.Logger) {
	if !s.last.IsZero() {
		d := now.Sub(s.last)
		sec := d.Seconds()
		s.sum += sec
		s.sumSq += sec * sec
		if d > s.max {
			s.max = d
		}
		s.n++
	}
	s.last = now

	if s.n >= intervalStatsWindow {
		mean := s.sum / float64(s.n)
		variance := s.sumSq/float64(s.n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		stddev := math.Sqrt(variance)
		log.Info().
			Float64("mean_interval_ms", mean*1000).
			Float64("stddev_interval_ms", stddev*1000).
			Float64("max_interval_ms", s.max.Seconds()*1000).
			Msg("realtime audio interval timing")
		*s = intervalStats{}
	}
}

// ServeRealtimeAudio runs the UDP realtime audio receiver (§4.8c): each
// datagram is one RTP packet handed whole to the decrypt/decode pipeline,
// which re-parses the header itself to recover seq and rtp_time.
func ServeRealtimeAudio(conn net.PacketConn, pipeline *Pipeline, log zerolog.Logger) {
	buf := make([]byte, 2048)
	var stats intervalStats

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		stats.observe(time.Now(), log)

		packet := make([]byte, n)
		copy(packet, buf[:n])
		if err := pipeline.DecryptDecodeAndPlace(packet); err != nil {
			log.Debug().Err(err).Msg("realtime audio: decode failed")
		}
	}
}

// ServeBufferedAudio runs the TCP buffered-audio length-prefixed framer
// (§4.5, §4.8c): 2-byte big-endian length, then the RTP-headered ciphertext
// packet. Framed payloads are pushed into an SPSC ring; a separate consumer
// goroutine drains the ring through the decode pipeline so a slow decoder
// never blocks the socket reader.
func ServeBufferedAudio(conn net.Conn, pipeline *Pipeline, log zerolog.Logger) {
	r := newRing(256)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			packet, ok := r.pop()
			if !ok {
				return
			}
			if err := pipeline.DecryptDecodeAndPlace(packet); err != nil {
				log.Debug().Err(err).Msg("buffered audio: decode failed")
			}
		}
	}()

	br := bufio.NewReaderSize(conn, 65536)
	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			break
		}
		length := binary.BigEndian.Uint16(lenBuf[:])
		packet := make([]byte, length)
		if _, err := io.ReadFull(br, packet); err != nil {
			break
		}
		if !r.push(packet) {
			break
		}
	}
	r.close()
	<-done

	log.Debug().Int("minimum_buffer_size", r.minimumBufferSize()).Msg("buffered audio: framer stopped")
}
