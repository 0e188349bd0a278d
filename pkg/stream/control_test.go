package stream

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pierre-dev/airplay2/pkg/anchor"
	"github.com/pierre-dev/airplay2/pkg/ptpshm"
)

type fakePlacer struct {
	packets chan []byte
}

func newFakePlacer() *fakePlacer { return &fakePlacer{packets: make(chan []byte, 8)} }

func (f *fakePlacer) DecryptDecodeAndPlace(packet []byte) error {
	cp := append([]byte(nil), packet...)
	f.packets <- cp
	return nil
}

func dialControlUDP(t *testing.T) (net.PacketConn, net.Addr) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	return conn, conn.LocalAddr()
}

func TestServeControlDiscardsNonSentinelWithinGraceWindow(t *testing.T) {
	conn, addr := dialControlUDP(t)
	client, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	placer := newFakePlacer()
	store := anchor.NewStore(44100)

	go ServeControl(conn, time.Now(), placer, store, ControlConfig{}, zerolog.Nop())
	defer conn.Close()

	// Non-sentinel garbage (high bit clear) sent immediately should be
	// silently discarded rather than dispatched.
	garbage := []byte{0x00, 0xFF, 1, 2, 3, 4}
	_, err = client.Write(garbage)
	require.NoError(t, err)

	select {
	case <-placer.packets:
		t.Fatal("non-sentinel packet should not have reached the placer")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServeControlDispatchesResendResponse(t *testing.T) {
	conn, addr := dialControlUDP(t)
	client, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	placer := newFakePlacer()
	store := anchor.NewStore(44100)

	// bindTime far in the past: the grace window has already elapsed, so
	// even a non-sentinel first packet is treated as the stream start.
	go ServeControl(conn, time.Now().Add(-time.Hour), placer, store, ControlConfig{}, zerolog.Nop())
	defer conn.Close()

	pkt := make([]byte, 20)
	pkt[0] = 0x80
	pkt[1] = msgTypeResendResponse
	rtpHeader := pkt[6:]
	rtpHeader[0] = 0x80 // RTP version 2

	_, err = client.Write(pkt)
	require.NoError(t, err)

	select {
	case got := <-placer.packets:
		require.Equal(t, pkt[6:], got)
	case <-time.After(time.Second):
		t.Fatal("resend response was never dispatched to the placer")
	}
}

func TestServeControlAnchorAnnounceSavesAdjustedAnchor(t *testing.T) {
	conn, addr := dialControlUDP(t)
	client, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	placer := newFakePlacer()
	store := anchor.NewStore(44100)

	go ServeControl(conn, time.Now().Add(-time.Hour), placer, store, ControlConfig{LatencyOffsetFrames: 11035}, zerolog.Nop())
	defer conn.Close()

	const frame1 = uint32(100000)
	const frame2 = frame1 + expectedNotifiedLatency
	const clockID = uint64(0xABCD)
	const remoteNS = uint64(123456789)

	pkt := make([]byte, 26)
	pkt[0] = 0x80
	pkt[1] = msgTypeAnchorAnnounce
	binary.BigEndian.PutUint32(pkt[2:], frame1)
	binary.BigEndian.PutUint32(pkt[6:], frame2)
	binary.BigEndian.PutUint64(pkt[10:], clockID)
	binary.BigEndian.PutUint64(pkt[18:], remoteNS)

	_, err = client.Write(pkt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		last, ok := store.GetData(ptpshm.ClockInfo{ClockID: clockID}, ptpshm.ResultOK, 2*time.Second)
		return ok && last.ClockID == clockID
	}, time.Second, 5*time.Millisecond)

	last, ok := store.GetData(ptpshm.ClockInfo{ClockID: clockID}, ptpshm.ResultOK, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, frame1-anchorEpochAdjustment-11035, last.RTPTime)
	require.Equal(t, time.Duration(remoteNS), last.AnchorTime)
}

func TestServeControlDropsAnchorAnnounceOutsideSaneRange(t *testing.T) {
	conn, addr := dialControlUDP(t)
	client, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	placer := newFakePlacer()
	store := anchor.NewStore(44100)

	go ServeControl(conn, time.Now().Add(-time.Hour), placer, store, ControlConfig{}, zerolog.Nop())
	defer conn.Close()

	const clockID = uint64(1)
	pkt := make([]byte, 26)
	pkt[0] = 0x80
	pkt[1] = msgTypeAnchorAnnounce
	binary.BigEndian.PutUint32(pkt[2:], 500000)  // frame1
	binary.BigEndian.PutUint32(pkt[6:], 100)     // frame2 < frame1 -> negative notified latency
	binary.BigEndian.PutUint64(pkt[10:], clockID)
	binary.BigEndian.PutUint64(pkt[18:], 1)

	_, err = client.Write(pkt)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, ok := store.GetData(ptpshm.ClockInfo{ClockID: clockID}, ptpshm.ResultOK, 2*time.Second)
	require.False(t, ok)
}
