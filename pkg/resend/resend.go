// Package resend implements the Resend Engine (§4.4): it scans the jitter
// buffer for missing slots that are still worth recovering and issues
// coalesced resend requests on the AP2 control socket.
package resend

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pierre-dev/airplay2/pkg/jitter"
	"golang.org/x/time/rate"
)

// Config holds the Resend Engine's timing constants (§4.4, defaults in §6).
type Config struct {
	FirstCheck       time.Duration
	CheckInterval    time.Duration
	LastCheck        time.Duration
	Latency          time.Duration // conn.latency / input_rate
	SendTimeout      time.Duration
	ErrorSuppression time.Duration
}

// Request describes one coalesced resend (a contiguous missing run).
type Request struct {
	First uint16
	Count uint16
}

// Engine scans a jitter buffer and emits resend datagrams to the AP2
// control peer. One Engine is owned per session.
type Engine struct {
	cfg  Config
	buf  *jitter.Buffer
	conn net.PacketConn
	peer net.Addr

	mu            sync.Mutex
	suppressUntil time.Time
	limiter       *rate.Limiter

	now func() time.Time
}

// NewEngine creates a Resend Engine bound to buf and the AP2 control socket
// (conn, peer). It rate-limits outgoing resend datagrams to 50/s with a
// burst of 10, generalizing the teacher's priority-queue backoff
// (pkg/nest/queue.go) into a simple token bucket.
func NewEngine(cfg Config, buf *jitter.Buffer, conn net.PacketConn, peer net.Addr) *Engine {
	return &Engine{
		cfg:     cfg,
		buf:     buf,
		conn:    conn,
		peer:    peer,
		limiter: rate.NewLimiter(rate.Limit(50), 10),
		now:     time.Now,
	}
}

// SetPeer updates the AP2 control peer address, captured from the first
// control-port datagram (§4.4).
func (e *Engine) SetPeer(peer net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peer = peer
}

// classify computes the too-late/too-early/recently-requested flags for a
// single slot given "now" (§4.4).
func (e *Engine) classify(slot jitter.Frame, now time.Time) (tooLate, tooEarly, recentlyRequested bool) {
	dueAt := slot.InitialisationTime.Add(e.cfg.Latency)
	tooLate = now.After(dueAt.Add(-e.cfg.LastCheck))
	age := now.Sub(slot.InitialisationTime)
	tooEarly = age < e.cfg.FirstCheck
	if !slot.ResendTime.IsZero() {
		recentlyRequested = now.Sub(slot.ResendTime) < e.cfg.CheckInterval
	}
	return
}

// Scan walks [ab_read, ab_write), coalesces eligible missing runs into
// Requests, marks them as just-requested in the buffer, and sends the wire
// datagrams. It is invoked by the jitter buffer after every Put (§4.3) and
// may also be driven by a periodic ticker.
func (e *Engine) Scan() []Request {
	read, write, synced, _ := e.buf.Cursors()
	if !synced {
		return nil
	}

	now := e.now()
	var requests []Request
	var runStart uint16
	inRun := false

	flush := func(end uint16) {
		if !inRun {
			return
		}
		count := end - runStart
		requests = append(requests, Request{First: runStart, Count: count})
		inRun = false
	}

	for seq := read; seq != write; seq++ {
		slot := e.buf.Slot(seq)
		if slot.Ready && slot.SequenceNumber == seq {
			flush(seq)
			continue
		}

		tooLate, tooEarly, recentlyRequested := e.classify(slot, now)
		if tooLate {
			e.buf.SetStatus(seq, slot.Status|jitter.StatusTooLate)
			flush(seq)
			continue
		}
		if tooEarly || recentlyRequested {
			flush(seq)
			continue
		}

		if !inRun {
			inRun = true
			runStart = seq
		}
		e.buf.MarkResendSent(seq, now)
	}
	flush(write)

	for _, r := range requests {
		e.send(r, now)
	}
	return requests
}

// send transmits the 8-byte resend wire datagram: 80 D5 00 01 <first:u16>
// <count:u16> (§4.4).
func (e *Engine) send(r Request, now time.Time) {
	e.mu.Lock()
	suppressed := now.Before(e.suppressUntil)
	peer := e.peer
	e.mu.Unlock()

	if suppressed || peer == nil || e.conn == nil {
		return
	}
	if !e.limiter.Allow() {
		return
	}

	packet := make([]byte, 8)
	packet[0] = 0x80
	packet[1] = 0xD5
	packet[2] = 0x00
	packet[3] = 0x01
	binary.BigEndian.PutUint16(packet[4:6], r.First)
	binary.BigEndian.PutUint16(packet[6:8], r.Count)

	_ = e.conn.SetWriteDeadline(now.Add(e.cfg.SendTimeout))
	if _, err := e.conn.WriteTo(packet, peer); err != nil {
		e.mu.Lock()
		e.suppressUntil = now.Add(e.cfg.ErrorSuppression)
		e.mu.Unlock()
	}
}

// DecodeRequest parses the 8-byte wire format back into a Request. Only
// this package's tests call it, for the wire round-trip checks (§8
// property 6-adjacent); the control receiver does not.
func DecodeRequest(packet []byte) (Request, bool) {
	if len(packet) != 8 || packet[0] != 0x80 || packet[1] != 0xD5 || packet[2] != 0x00 || packet[3] != 0x01 {
		return Request{}, false
	}
	return Request{
		First: binary.BigEndian.Uint16(packet[4:6]),
		Count: binary.BigEndian.Uint16(packet[6:8]),
	}, true
}
