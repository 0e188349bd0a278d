package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowReportsAtTrendInterval(t *testing.T) {
	w := NewWindow(44100)

	for i := 0; i < trendInterval-1; i++ {
		_, reported := w.Observe(0, false)
		require.False(t, reported)
	}
	snap, reported := w.Observe(441, true) // 10ms of sync error at 44100Hz
	require.True(t, reported)
	require.Equal(t, int64(trendInterval), snap.PacketsObserved)

	expectedMeanMS := 1000.0 * (441.0 / float64(trendInterval)) / 44100.0
	require.InDelta(t, expectedMeanMS, snap.MeanSyncErrorMS, 1e-9)
	require.Equal(t, int64(1), snap.InsertionsDeletions)
}

func TestWindowResetsAfterReport(t *testing.T) {
	w := NewWindow(44100)
	for i := 0; i < trendInterval; i++ {
		w.Observe(1000, false)
	}
	_, reported := w.Observe(0, false)
	require.False(t, reported)
}

func TestWindowMergesBufferCounters(t *testing.T) {
	w := NewWindow(44100)
	w.NoteBufferCounters(2, 1, 0, 3)

	var snap Snapshot
	for i := 0; i < trendInterval; i++ {
		snap, _ = w.Observe(0, false)
	}
	require.Equal(t, uint64(2), snap.MissingPackets)
	require.Equal(t, uint64(1), snap.LatePackets)
	require.Equal(t, uint64(3), snap.ResendRequests)
}
