package rtsp

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pierre-dev/airplay2/pkg/anchor"
	"github.com/pierre-dev/airplay2/pkg/cipher"
	"github.com/pierre-dev/airplay2/pkg/jitter"
	"github.com/pierre-dev/airplay2/pkg/ptpshm"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })

	identity, err := cipher.GenerateIdentity()
	require.NoError(t, err)

	deps := Deps{
		Identity: identity,
		Pairings: newPairingRegistry(),
		PlayLock: newPlayLock(0, 0),
		Anchor:   anchor.NewStore(44100),
		Buffer:   jitter.NewBuffer(),
		Log:      zerolog.Nop(),
	}
	return newSession(srv, deps)
}

func TestHandleOptionsListsMethods(t *testing.T) {
	s := newTestSession(t)
	resp := s.handle(&Request{Method: "OPTIONS"})
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, resp.Header["Public"], "SETUP")
}

func TestHandleUnknownMethodReturns501(t *testing.T) {
	s := newTestSession(t)
	resp := s.handle(&Request{Method: "WHATEVER"})
	require.Equal(t, 501, resp.StatusCode)
}

func TestHandleMalformedPlistReturns400(t *testing.T) {
	s := newTestSession(t)
	resp := s.handle(&Request{Method: "SETRATEANCHORTIME", Body: []byte("not a plist")})
	require.Equal(t, 400, resp.StatusCode)
}

func TestHandleGetInfoReturnsBPlist(t *testing.T) {
	s := newTestSession(t)
	resp := s.handle(&Request{Method: "GET", URL: "/info"})
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "application/x-apple-binary-plist", resp.ContentType)

	decoded, err := decodeBPlist(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "AirPlay2-Go", decoded.(map[string]any)["model"])
}

func TestHandleGetUnknownPathReturns501(t *testing.T) {
	s := newTestSession(t)
	resp := s.handle(&Request{Method: "GET", URL: "/nope"})
	require.Equal(t, 501, resp.StatusCode)
}

func TestHandleSetRateAnchorTimeSavesAnchor(t *testing.T) {
	s := newTestSession(t)
	body, err := encodeBPlist(map[string]any{
		"clockId":         int64(42),
		"rtpTime":         int64(20000),
		"networkTimeSecs": int64(1000),
		"flags":           int64(1),
	})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "SETRATEANCHORTIME", Body: body})
	require.Equal(t, 200, resp.StatusCode)

	last, ok := s.deps.Anchor.GetData(ptpshm.ClockInfo{ClockID: 42}, ptpshm.ResultOK, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(42), last.ClockID)
	require.Equal(t, uint32(20000), last.RTPTime)
}

func TestHandleFlushBufferedRequiresUntilSeq(t *testing.T) {
	s := newTestSession(t)
	body, err := encodeBPlist(map[string]any{"flushFromSeq": int64(5)})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "FLUSHBUFFERED", Body: body})
	require.Equal(t, 400, resp.StatusCode)
}

func TestHandleFlushBufferedAppliesToBuffer(t *testing.T) {
	s := newTestSession(t)
	body, err := encodeBPlist(map[string]any{
		"flushFromSeq":  int64(5),
		"flushUntilSeq": int64(10),
	})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "FLUSHBUFFERED", Body: body})
	require.Equal(t, 200, resp.StatusCode)

	// seq 5 lies in [from 5, until 10), so it is dropped on consumption.
	s.deps.Buffer.Put(5, 0, make([]byte, 4), 1)
	_, ok, seq := s.deps.Buffer.Get()
	require.False(t, ok)
	require.Equal(t, uint16(5), seq)
}

func TestHandleFlushNowDropsEverythingCurrentlyBuffered(t *testing.T) {
	s := newTestSession(t)

	payload := make([]byte, 352*2*2)
	s.deps.Buffer.Put(5, 1000, payload, 352)
	s.deps.Buffer.Put(6, 1352, payload, 352)

	resp := s.handle(&Request{Method: "FLUSH"})
	require.Equal(t, 200, resp.StatusCode)

	_, ok, _ := s.deps.Buffer.Get()
	require.False(t, ok, "flush should have dropped every already-buffered seq, not just a fixed 0..0 range")
}

func TestHandleRecordAcquiresPlayLock(t *testing.T) {
	s := newTestSession(t)
	resp := s.handle(&Request{Method: "RECORD"})
	require.Equal(t, 200, resp.StatusCode)
	require.True(t, s.holdsLock)
}

func TestHandleTeardownWithoutStreamsClearsSessionState(t *testing.T) {
	s := newTestSession(t)
	s.handle(&Request{Method: "RECORD"})
	require.True(t, s.holdsLock)

	resp := s.handle(&Request{Method: "TEARDOWN"})
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, StateTearingDown, s.state)
	require.False(t, s.holdsLock)
}

func TestHandleTeardownWithStreamsKeepsSessionRunning(t *testing.T) {
	s := newTestSession(t)
	body, err := encodeBPlist(map[string]any{"streams": []any{int64(0)}})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "TEARDOWN", Body: body})
	require.Equal(t, 200, resp.StatusCode)
	require.NotEqual(t, StateTearingDown, s.state)
}

func TestHandleSetupFirstCallRecordsTimingInfo(t *testing.T) {
	s := newTestSession(t)
	body, err := encodeBPlist(map[string]any{
		"timingProtocol": "PTP",
		"groupUUID":      "abc-123",
	})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "SETUP", Body: body})
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "PTP", s.timingType)
	require.Equal(t, "abc-123", s.groupUUID)
	require.Equal(t, StateRunning, s.state)
}

func TestHandleSetupStreamWithoutHookReturns501(t *testing.T) {
	s := newTestSession(t)
	body, err := encodeBPlist(map[string]any{
		"streams": []any{map[string]any{"type": int64(96)}},
	})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "SETUP", Body: body})
	require.Equal(t, 501, resp.StatusCode)
}

func TestHandleSetupStreamUsesHookAndReportsBufferedPorts(t *testing.T) {
	s := newTestSession(t)
	s.deps.OnStreamSetup = func(sess *Session, streamType int, key []byte) (int, int, int, int, error) {
		require.Equal(t, 103, streamType)
		return 7010, 7011, 7012, 8192, nil
	}
	body, err := encodeBPlist(map[string]any{
		"streams": []any{map[string]any{"type": int64(103), "shk": []byte{1, 2, 3}}},
	})
	require.NoError(t, err)

	resp := s.handle(&Request{Method: "SETUP", Body: body})
	require.Equal(t, 200, resp.StatusCode)

	decoded, err := decodeBPlist(resp.Body)
	require.NoError(t, err)
	m := decoded.(map[string]any)
	require.Equal(t, int64(7012), m["eventPort"])
	streams := m["streams"].([]any)
	first := streams[0].(map[string]any)
	require.Equal(t, int64(7010), first["dataPort"])
	require.Equal(t, int64(8192), first["audioBufferSize"])
}

func TestPairVerifyHandshakeEnablesCipher(t *testing.T) {
	accessoryIdentity, err := cipher.GenerateIdentity()
	require.NoError(t, err)
	controllerIdentity, err := cipher.GenerateIdentity()
	require.NoError(t, err)

	s := newTestSession(t)
	s.deps.Identity = accessoryIdentity
	s.deps.Pairings.add("controller-1", controllerIdentity.Public)

	controllerSession, err := cipher.NewVerifySession(controllerIdentity, cipher.RoleController, accessoryIdentity.Public)
	require.NoError(t, err)

	m1Body, err := encodeBPlist(map[string]any{"deviceId": "controller-1"})
	require.NoError(t, err)
	resp1 := s.handle(&Request{Method: "POST", URL: "/pair-verify", Body: m1Body})
	require.Equal(t, 200, resp1.StatusCode)

	decoded1, err := decodeBPlist(resp1.Body)
	require.NoError(t, err)
	accessoryPubBytes := decoded1.(map[string]any)["publicKey"].([]byte)
	var accessoryPub [32]byte
	copy(accessoryPub[:], accessoryPubBytes)

	controllerEphem := controllerSession.EphemeralPublic()
	m2Body, err := encodeBPlist(map[string]any{
		"publicKey": controllerEphem[:],
		"signature": controllerSignatureOverTranscript(controllerSession, accessoryPub),
	})
	require.NoError(t, err)

	resp2 := s.handle(&Request{Method: "POST", URL: "/pair-verify", Body: m2Body})
	require.Equal(t, 200, resp2.StatusCode)
	require.NotNil(t, s.conn.transport)
}

// controllerSignatureOverTranscript signs (controllerEphem || accessoryEphem)
// with the controller's long-term key, matching what SignedResponse produces
// for the opposite role — Complete on the accessory side verifies against
// (peerEphem || ourEphem) in that same order.
func controllerSignatureOverTranscript(cs *cipher.VerifySession, accessoryEphem [32]byte) []byte {
	return cs.SignedResponse(accessoryEphem)
}
