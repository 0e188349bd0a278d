package stream

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pierre-dev/airplay2/pkg/anchor"
)

const (
	msgTypeResendResponse = 0xD6
	msgTypeAnchorAnnounce = 0xD7

	sentinelGrace = 2 * time.Millisecond

	// anchorEpochAdjustment and expectedNotifiedLatency are the fixed AP2
	// constants of §4.8b: "rtp_time − 11035 − latency_offset_frames" is the
	// effective anchor RTP, where 11035 is this literal epoch adjustment and
	// latency_offset_frames is the separate, configurable addend carried in
	// ControlConfig; notified_latency is expected around 77175 frames.
	// Kept as named constants rather than re-derived, per the open-question
	// decision recorded in DESIGN.md.
	anchorEpochAdjustment   = 11035
	expectedNotifiedLatency = 77175

	notifiedLatencyMin = 0
	notifiedLatencyMax = 200000
)

// AnchorAnnounce is the decoded payload of a 0xD7 control message (§4.8b).
// The wire layout ([flags, type, frame1 u32, frame2 u32, clockID u64,
// remoteNS u64]) is not specified verbatim by the control-channel protocol
// description, only its logical fields; this is this receiver's concrete
// encoding of those fields.
type AnchorAnnounce struct {
	Frame1  uint32
	Frame2  uint32
	ClockID uint64
	RemoteNS uint64
}

// PacketPlacer decrypts, decodes, and places one audio wire packet (12-byte
// RTP header plus codec-specific ciphertext) into the jitter buffer.
// audio.go's Pipeline implements this; control.go reuses it for 0xD6 resend
// responses, which carry "a ciphertext packet identical in shape to a
// buffered/audio-channel packet" (§4.8b).
type PacketPlacer interface {
	DecryptDecodeAndPlace(packet []byte) error
}

// ControlConfig carries the session's desired-buffer size, used to derive
// net_latency from a 0xD7 announcement (§4.8b). It is purely diagnostic:
// net_latency itself is not consumed downstream, only logged.
type ControlConfig struct {
	DesiredBufferFrames int64
	LatencyOffsetFrames int64

	// OnPeer, if set, is invoked once with the first datagram's source
	// address — the Resend Engine learns its send target this way rather
	// than from a separate handshake (§4.4).
	OnPeer func(addr net.Addr)
}

// ServeControl runs the AP2 control receiver loop (§4.8b) until conn is
// closed. bindTime is when conn was bound, used for the sentinel grace
// window.
func ServeControl(conn net.PacketConn, bindTime time.Time, placer PacketPlacer, anchorStore *anchor.Store, cfg ControlConfig, log zerolog.Logger) {
	buf := make([]byte, 2048)
	sentinelSeen := false
	peerSeen := false

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		if len(pkt) < 2 {
			continue
		}

		if !peerSeen && cfg.OnPeer != nil {
			peerSeen = true
			cfg.OnPeer(addr)
		}

		if !sentinelSeen {
			if pkt[0]&0x80 != 0 {
				sentinelSeen = true
			} else if time.Since(bindTime) < sentinelGrace {
				continue
			} else {
				sentinelSeen = true
			}
		}

		switch pkt[1] {
		case msgTypeResendResponse:
			handleResendResponse(pkt, placer, log)
		case msgTypeAnchorAnnounce:
			handleAnchorAnnounce(pkt, anchorStore, cfg, log)
		default:
			log.Debug().Uint8("type", pkt[1]).Msg("control: unrecognized message")
		}
	}
}

func handleResendResponse(pkt []byte, placer PacketPlacer, log zerolog.Logger) {
	if len(pkt) < 8 {
		return
	}
	// Stripping the first 6 bytes leaves a packet "identical in shape to a
	// buffered/audio-channel packet" (§4.8b): its own 12-byte RTP header
	// followed by the codec ciphertext.
	if err := placer.DecryptDecodeAndPlace(pkt[6:]); err != nil {
		log.Warn().Err(err).Msg("control: resend response decode failed")
	}
}

func handleAnchorAnnounce(pkt []byte, anchorStore *anchor.Store, cfg ControlConfig, log zerolog.Logger) {
	if len(pkt) < 2+4+4+8+8 {
		return
	}
	off := 2
	frame1 := binary.BigEndian.Uint32(pkt[off:])
	frame2 := binary.BigEndian.Uint32(pkt[off+4:])
	clockID := binary.BigEndian.Uint64(pkt[off+8:])
	remoteNS := binary.BigEndian.Uint64(pkt[off+16:])

	notifiedLatency := int64(frame2) - int64(frame1)
	if notifiedLatency < notifiedLatencyMin || notifiedLatency > notifiedLatencyMax {
		log.Warn().Int64("notified_latency", notifiedLatency).Msg("control: anchor announce outside sane range, dropped")
		return
	}
	netLatency := notifiedLatency + anchorEpochAdjustment + cfg.LatencyOffsetFrames - cfg.DesiredBufferFrames
	log.Debug().Int64("notified_latency", notifiedLatency).Int64("net_latency", netLatency).Msg("control: anchor announce")

	anchorStore.Save(anchor.Data{
		ClockID:    clockID,
		RTPTime:    uint32(int64(frame1) - anchorEpochAdjustment - cfg.LatencyOffsetFrames),
		AnchorTime: time.Duration(remoteNS),
	})
}
