package rtsp

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairingRegistryAddLookupRemove(t *testing.T) {
	r := newPairingRegistry()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	_, ok := r.lookup("device-1")
	require.False(t, ok)

	r.add("device-1", pub)
	got, ok := r.lookup("device-1")
	require.True(t, ok)
	require.Equal(t, pub, got)

	r.remove("device-1")
	_, ok = r.lookup("device-1")
	require.False(t, ok)
}

func TestPairingRegistryListReturnsSnapshotCopy(t *testing.T) {
	r := newPairingRegistry()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	r.add("device-1", pub)

	snap := r.list()
	require.Len(t, snap, 1)

	r.add("device-2", pub)
	require.Len(t, snap, 1, "snapshot must not observe later mutations")
}
