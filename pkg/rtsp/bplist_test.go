package rtsp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBPlistRoundTripScalarDict(t *testing.T) {
	in := map[string]any{
		"clockId": int64(12345),
		"rtpTime": int64(-7),
		"name":    "pierre",
		"flags":   int64(0),
	}
	buf, err := encodeBPlist(in)
	require.NoError(t, err)

	out, err := decodeBPlist(buf)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(12345), m["clockId"])
	require.Equal(t, int64(-7), m["rtpTime"])
	require.Equal(t, "pierre", m["name"])
	require.Equal(t, int64(0), m["flags"])
}

func TestBPlistRoundTripNestedArrayAndData(t *testing.T) {
	in := map[string]any{
		"streams": []any{
			map[string]any{"type": int64(103), "shk": []byte{0x01, 0x02, 0x03}},
		},
	}
	buf, err := encodeBPlist(in)
	require.NoError(t, err)

	out, err := decodeBPlist(buf)
	require.NoError(t, err)

	m := out.(map[string]any)
	streams := m["streams"].([]any)
	require.Len(t, streams, 1)
	first := streams[0].(map[string]any)
	require.Equal(t, int64(103), first["type"])
	require.Equal(t, []byte{0x01, 0x02, 0x03}, first["shk"])
}

func TestBPlistRoundTripLongStringTriggersOverflowLength(t *testing.T) {
	long := make([]byte, 0, 64)
	for i := 0; i < 64; i++ {
		long = append(long, byte('a'+i%26))
	}
	in := map[string]any{"blob": string(long)}

	buf, err := encodeBPlist(in)
	require.NoError(t, err)

	out, err := decodeBPlist(buf)
	require.NoError(t, err)
	require.Equal(t, string(long), out.(map[string]any)["blob"])
}

func TestBPlistRoundTripBoolAndEmptyCollections(t *testing.T) {
	in := map[string]any{
		"flag":  true,
		"list":  []any{},
		"inner": map[string]any{},
	}
	buf, err := encodeBPlist(in)
	require.NoError(t, err)

	out, err := decodeBPlist(buf)
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, true, m["flag"])
	require.Equal(t, []any{}, m["list"])
	require.Equal(t, map[string]any{}, m["inner"])
}

func TestDecodeBPlistRejectsBadMagic(t *testing.T) {
	_, err := decodeBPlist([]byte("not-a-plist-at-all-but-long-enough-to-pass-length-check"))
	require.Error(t, err)
}

func TestDecodeBPlistRejectsTruncatedBuffer(t *testing.T) {
	_, err := decodeBPlist([]byte("bplist00"))
	require.Error(t, err)
}
