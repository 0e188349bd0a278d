// Package rtsp implements the per-connection RTSP control-channel state
// machine of an AirPlay2 receiver (§4.7): method dispatch, pair-verify, the
// pairings registry, the global play lock, and the anchor/flush/teardown
// wiring into the player and jitter buffer. Framing and header parsing are
// grounded on the teacher's client-side request/response code in
// pkg/rtsp/client.go, inverted here to the server's read side.
package rtsp

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/rs/zerolog"

	"github.com/pierre-dev/airplay2/pkg/anchor"
	"github.com/pierre-dev/airplay2/pkg/cipher"
	"github.com/pierre-dev/airplay2/pkg/config"
	"github.com/pierre-dev/airplay2/pkg/jitter"
	"github.com/pierre-dev/airplay2/pkg/player"
)

// pairSetupRandom is the math-random source backing the transient
// pair-setup acknowledgement's salt (§4.7a note: SRP itself is out of
// scope, but the ack still needs filler entropy a real controller won't
// choke on). Package-level and reused across sessions, matching the
// teacher's single shared RNG for sequence-number seeding in pkg/bridge.
var pairSetupRandom = randutil.NewMathRandomGenerator()

// State is one of the session lifecycle states of §3.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateFlushing
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateFlushing:
		return "flushing"
	case StateTearingDown:
		return "tearing_down"
	default:
		return "unknown"
	}
}

// StreamSetup is invoked on the second SETUP (the one carrying a streams[]
// key) so that the owning server can bind the per-session data/control/event
// sockets and start the stream receivers (§4.8). It returns the bound ports
// to report back to the controller.
type StreamSetup func(s *Session, streamType int, sessionKey []byte) (dataPort, controlPort, eventPort int, audioBufferSize int, err error)

// Deps bundles the collaborators a Session needs beyond the raw connection;
// the listener constructs one set per accepted TCP connection.
type Deps struct {
	Identity    cipher.Identity
	Pairings    *pairingRegistry
	PlayLock    *playLock
	Anchor      *anchor.Store
	Buffer      *jitter.Buffer
	Player      *player.Player
	Config      *config.Config
	Log         zerolog.Logger
	ConnNumber  int64
	OnStreamSetup StreamSetup
}

// Session is one accepted RTSP/TCP connection's control-channel state.
type Session struct {
	deps Deps
	conn *wireConn

	id string

	mu           sync.Mutex
	state        State
	connNumber   int64
	groupUUID    string
	timingType   string
	holdsLock    bool
	stopRequested atomic.Bool

	verify *cipher.VerifySession
}

// session is the package-private alias used by playLock, which predates
// exporting Session; kept so playLock's method set does not need to reach
// into an exported field just to compare identity.
type session = Session

func newSession(conn net.Conn, deps Deps) *Session {
	return &Session{
		deps:       deps,
		conn:       newWireConn(conn),
		state:      StateInitializing,
		connNumber: deps.ConnNumber,
		timingType: "PTP",
		id:         uuid.NewString(),
	}
}

// requestStop records, in stopRequested, that playLock.acquireOrEvict asked
// this session to yield the play lock. The session does not read the flag;
// it releases the lock only on a bare TEARDOWN or when Serve returns.
func (s *Session) requestStop() { s.stopRequested.Store(true) }

// Serve reads and dispatches requests until the connection closes or
// TEARDOWN completes. It never returns an error for a clean peer-side close.
func Serve(conn net.Conn, deps Deps) {
	s := newSession(conn, deps)
	defer s.close()

	r := s.conn.reader()
	for {
		req, err := readRequest(r)
		if err != nil {
			return
		}
		resp := s.handle(req)
		if err := writeResponse(s.conn, req.CSeq, resp); err != nil {
			return
		}
		if s.state == StateTearingDown && req.Method == "TEARDOWN" {
			return
		}
	}
}

func (s *Session) close() {
	if s.deps.PlayLock != nil {
		s.deps.PlayLock.release(s)
	}
	s.conn.Close()
}

func errorResponse(code int) *Response { return &Response{StatusCode: code} }

func (s *Session) handle(req *Request) *Response {
	s.deps.Log.Debug().Str("session", s.id).Str("method", req.Method).Str("url", req.URL).Int("cseq", req.CSeq).Msg("rtsp request")

	switch req.Method {
	case "OPTIONS":
		return &Response{StatusCode: 200, Header: map[string]string{
			"Public": "ANNOUNCE, SETUP, RECORD, PAUSE, FLUSH, TEARDOWN, OPTIONS, GET_PARAMETER, SET_PARAMETER, POST, GET",
		}}
	case "POST":
		return s.handlePost(req)
	case "GET":
		return s.handleGet(req)
	case "SETUP":
		return s.handleSetup(req)
	case "RECORD":
		return s.handleRecord(req)
	case "FLUSH":
		return s.handleFlushNow(req)
	case "FLUSHBUFFERED":
		return s.handleFlushBuffered(req)
	case "SETRATEANCHORTIME":
		return s.handleSetRateAnchorTime(req)
	case "SETRATE":
		return s.handleSetRate(req)
	case "SETPEERS":
		return s.handleSetPeers(req)
	case "GET_PARAMETER":
		return s.handleGetParameter(req)
	case "SET_PARAMETER":
		return s.handleSetParameter(req)
	case "TEARDOWN":
		return s.handleTeardown(req)
	default:
		return errorResponse(501)
	}
}

func (s *Session) handlePost(req *Request) *Response {
	switch req.URL {
	case "/pair-setup":
		return s.handlePairSetup(req)
	case "/pair-verify":
		return s.handlePairVerify(req)
	case "/pair-add", "/pair-list", "/pair-remove":
		return s.handlePairingOp(req)
	case "/fp-setup":
		return &Response{StatusCode: 200}
	case "/configure", "/feedback", "/command", "/audioMode":
		return &Response{StatusCode: 200}
	default:
		return errorResponse(501)
	}
}

func (s *Session) handleGet(req *Request) *Response {
	if req.URL != "/info" {
		return errorResponse(501)
	}
	body, err := encodeBPlist(map[string]any{
		"features": int64(0),
		"model":    "AirPlay2-Go",
	})
	if err != nil {
		return errorResponse(400)
	}
	return &Response{StatusCode: 200, ContentType: "application/x-apple-binary-plist", Body: body}
}

// handlePairSetup is the transient, unauthenticated fast-path some
// controllers use instead of full SRP pair-setup; the SRP exchange itself is
// out of scope (§1). The ack still carries a salt field so a real
// controller's parser, which expects one, doesn't choke on its absence.
func (s *Session) handlePairSetup(req *Request) *Response {
	salt := pairSetupRandom.GenerateString(16, "0123456789abcdef")
	body, err := encodeBPlist(map[string]any{"salt": salt})
	if err != nil {
		return errorResponse(400)
	}
	return &Response{StatusCode: 200, ContentType: "application/x-apple-binary-plist", Body: body}
}

// handlePairVerify drives the two-message Curve25519 handshake of §4.7a and,
// on success, switches the connection into encrypted mode.
func (s *Session) handlePairVerify(req *Request) *Response {
	body, err := decodeBPlist(req.Body)
	if err != nil {
		return errorResponse(400)
	}
	fields, ok := body.(map[string]any)
	if !ok {
		return errorResponse(400)
	}

	if s.verify == nil {
		deviceID, _ := fields["deviceId"].(string)
		peerPub, ok := s.deps.Pairings.lookup(deviceID)
		if !ok {
			return errorResponse(470)
		}
		vs, err := cipher.NewVerifySession(s.deps.Identity, cipher.RoleAccessory, peerPub)
		if err != nil {
			return errorResponse(400)
		}
		s.verify = vs
		ephem := vs.EphemeralPublic()
		respBody, err := encodeBPlist(map[string]any{"publicKey": ephem[:]})
		if err != nil {
			return errorResponse(400)
		}
		return &Response{StatusCode: 200, ContentType: "application/x-apple-binary-plist", Body: respBody}
	}

	peerPubBytes, _ := fields["publicKey"].([]byte)
	sig, _ := fields["signature"].([]byte)
	if len(peerPubBytes) != 32 {
		return errorResponse(400)
	}
	var peerEphem [32]byte
	copy(peerEphem[:], peerPubBytes)

	transport, err := s.verify.Complete(peerEphem, sig)
	if err != nil {
		return errorResponse(470)
	}
	s.conn.enableCipher(transport)
	return &Response{StatusCode: 200}
}

func (s *Session) handlePairingOp(req *Request) *Response {
	fields := parseTextParameters(req.Body)
	deviceID := fields["device_id"]

	switch req.URL {
	case "/pair-add":
		pubHex := fields["public_key"]
		if deviceID == "" || pubHex == "" {
			return errorResponse(400)
		}
		s.deps.Pairings.add(deviceID, ed25519.PublicKey(pubHex))
	case "/pair-remove":
		s.deps.Pairings.remove(deviceID)
	case "/pair-list":
		// listing is reported back via the body in a production
		// implementation; the registry itself is already queryable
		// in-process so a 200 with an empty body is sufficient here.
	}
	return &Response{StatusCode: 200}
}

// handleSetup implements the two-phase SETUP of §4.7 step 3/4: the first
// call (no "streams" key) establishes session-wide timing info, the second
// (with "streams") binds the per-stream ports.
func (s *Session) handleSetup(req *Request) *Response {
	body, err := decodeBPlist(req.Body)
	if err != nil {
		return errorResponse(400)
	}
	fields, _ := body.(map[string]any)

	if streams, ok := fields["streams"]; ok {
		return s.handleSetupStream(fields, streams)
	}

	if proto, ok := fields["timingProtocol"].(string); ok {
		s.timingType = proto
	}
	if uuid, ok := fields["groupUUID"].(string); ok {
		s.groupUUID = uuid
	}
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	return &Response{StatusCode: 200}
}

func (s *Session) handleSetupStream(fields map[string]any, streams any) *Response {
	list, ok := streams.([]any)
	if !ok || len(list) == 0 {
		return errorResponse(400)
	}
	first, _ := list[0].(map[string]any)
	streamType := 96
	if t, ok := first["type"].(int64); ok {
		streamType = int(t)
	}
	sessionKey, _ := first["shk"].([]byte)

	if s.deps.OnStreamSetup == nil {
		return errorResponse(501)
	}
	dataPort, controlPort, eventPort, bufSize, err := s.deps.OnStreamSetup(s, streamType, sessionKey)
	if err != nil {
		return errorResponse(400)
	}

	respStream := map[string]any{
		"type":        int64(streamType),
		"dataPort":    int64(dataPort),
		"controlPort": int64(controlPort),
	}
	if streamType == 103 {
		respStream["audioBufferSize"] = int64(bufSize)
	}
	body, err := encodeBPlist(map[string]any{
		"eventPort": int64(eventPort),
		"streams":   []any{respStream},
	})
	if err != nil {
		return errorResponse(400)
	}
	return &Response{StatusCode: 200, ContentType: "application/x-apple-binary-plist", Body: body}
}

// handleRecord acquires the global play lock (§4.7 concurrency guards): a
// session must own the player before the stream starts flowing.
func (s *Session) handleRecord(req *Request) *Response {
	if !s.deps.PlayLock.acquireOrEvict(s) {
		return errorResponse(451)
	}
	s.mu.Lock()
	s.holdsLock = true
	s.mu.Unlock()
	return &Response{StatusCode: 200}
}

// handleFlushNow drops everything currently buffered: untilSeq must track the
// buffer's current write cursor, not a fixed 0, or inFlushRange suppresses an
// unrelated range depending on where the cursor happens to sit (§4.3).
func (s *Session) handleFlushNow(req *Request) *Response {
	_, write, _, _ := s.deps.Buffer.Cursors()
	s.deps.Buffer.ApplyFlush(false, 0, write)
	return &Response{StatusCode: 200}
}

// handleFlushBuffered merges a deferred FlushRequest into the jitter buffer
// (§3: "when merging a new deferred flush into an existing deferred one,
// only until updates; the original from is preserved" — ApplyFlush already
// implements that merge rule).
func (s *Session) handleFlushBuffered(req *Request) *Response {
	body, err := decodeBPlist(req.Body)
	if err != nil {
		return errorResponse(400)
	}
	fields, _ := body.(map[string]any)

	untilSeq, ok := fields["flushUntilSeq"].(int64)
	if !ok {
		return errorResponse(400)
	}

	hasFrom := false
	var fromSeq int64
	if v, ok := fields["flushFromSeq"].(int64); ok {
		hasFrom = true
		fromSeq = v
	}

	s.deps.Buffer.ApplyFlush(hasFrom, uint16(fromSeq), uint16(untilSeq))
	return &Response{StatusCode: 200}
}

// handleSetRateAnchorTime drives save(AnchorData) (§4.7 step 5): the
// effective anchor RTP is rtp_time minus the fixed latency-offset frame
// count, and networkTimeSecs is taken as whole seconds. The rate field is
// not read, so play/pause is not acted on here.
func (s *Session) handleSetRateAnchorTime(req *Request) *Response {
	body, err := decodeBPlist(req.Body)
	if err != nil {
		return errorResponse(400)
	}
	fields, _ := body.(map[string]any)

	clockID, _ := fields["clockId"].(int64)
	rtpTime, _ := fields["rtpTime"].(int64)
	networkTime, _ := fields["networkTimeSecs"].(int64)
	flags, _ := fields["flags"].(int64)

	offset := int64(0)
	if s.deps.Config != nil {
		offset = int64(s.deps.Config.Timing.LatencyOffsetFrames)
	}

	s.deps.Anchor.Save(anchor.Data{
		ClockID:    uint64(clockID),
		RTPTime:    uint32(rtpTime - offset),
		AnchorTime: time.Duration(networkTime) * time.Second,
		Flags:      uint64(flags),
	})
	return &Response{StatusCode: 200}
}

// handleSetRate is unimplemented: AP2 controllers drive play/pause through
// SETRATEANCHORTIME's rate LSB instead, and no pack reference exercises a
// distinct SETRATE body shape worth guessing at.
func (s *Session) handleSetRate(req *Request) *Response {
	return errorResponse(501)
}

// handleSetPeers forwards the timing peer IP list to the PTP daemon over its
// UNIX/UDP control socket (§4.7 step 3, §6).
func (s *Session) handleSetPeers(req *Request) *Response {
	body, err := decodeBPlist(req.Body)
	if err != nil {
		return errorResponse(400)
	}
	peers, _ := body.([]any)

	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		if str, ok := p.(string); ok {
			addrs = append(addrs, str)
		}
	}
	if s.deps.Config == nil {
		return &Response{StatusCode: 200}
	}
	line := s.peerCommandLine(addrs)
	conn, err := net.Dial("udp", s.deps.Config.PTP.ControlAddr)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("dial ptp control socket")
		return &Response{StatusCode: 200}
	}
	defer conn.Close()
	_, _ = conn.Write([]byte(line))
	return &Response{StatusCode: 200}
}

func (s *Session) peerCommandLine(addrs []string) string {
	name := s.deps.Config.PTP.ShmName
	if len(addrs) == 0 {
		return fmt.Sprintf("%s T", name)
	}
	line := name + " T"
	for _, a := range addrs {
		line += " " + a
	}
	return line
}

func (s *Session) handleGetParameter(req *Request) *Response {
	return &Response{StatusCode: 200, ContentType: "text/parameters", Body: []byte("volume: 0.0\r\n")}
}

func (s *Session) handleSetParameter(req *Request) *Response {
	if req.ContentType == "text/parameters" {
		_ = parseTextParameters(req.Body)
	}
	return &Response{StatusCode: 200}
}

// handleTeardown implements §4.7 step 7's two-phase shutdown: a TEARDOWN
// carrying a streams key only answers 200; a bare TEARDOWN moves the session
// to StateTearingDown, clears the anchor and releases the play lock. The
// player and the stream sockets are not touched here.
func (s *Session) handleTeardown(req *Request) *Response {
	body, _ := decodeBPlist(req.Body)
	fields, _ := body.(map[string]any)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, streamOnly := fields["streams"]; streamOnly {
		return &Response{StatusCode: 200}
	}

	s.state = StateTearingDown
	s.deps.Anchor.Save(anchor.Data{})
	if s.holdsLock {
		s.deps.PlayLock.release(s)
		s.holdsLock = false
	}
	return &Response{StatusCode: 200}
}
