package ptpshm

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, record []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ptpshm")
	require.NoError(t, err)
	_, err = f.Write(record)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestGetClockInfoOK(t *testing.T) {
	record := EncodeRecord(7, 0, 42, "192.168.1.10", 1000, 500, 100)
	path := writeFixture(t, record)

	src, err := Open(path, 2*time.Second)
	require.NoError(t, err)
	defer src.Close()

	info, result := src.GetClockInfo()
	require.Equal(t, ResultOK, result)
	require.Equal(t, uint64(42), info.ClockID)
	require.Equal(t, "192.168.1.10", info.MasterIP)
	require.True(t, info.Usable())
}

func TestGetClockInfoVersionMismatch(t *testing.T) {
	record := EncodeRecord(6, 0, 42, "10.0.0.1", 0, 0, 0)
	path := writeFixture(t, record)

	src, err := Open(path, 2*time.Second)
	require.NoError(t, err)
	defer src.Close()

	_, result := src.GetClockInfo()
	require.Equal(t, ResultVersionMismatch, result)
}

func TestGetClockInfoNoMaster(t *testing.T) {
	record := EncodeRecord(7, 0, 0, "", 0, 0, 0)
	path := writeFixture(t, record)

	src, err := Open(path, 2*time.Second)
	require.NoError(t, err)
	defer src.Close()

	info, result := src.GetClockInfo()
	require.Equal(t, ResultNoMaster, result)
	require.False(t, info.Usable())
}

func TestGetClockInfoCorrupt(t *testing.T) {
	record := EncodeRecord(7, 0, 42, "10.0.0.1", 0, 0, 0)
	record[20] ^= 0xFF // corrupt the master_ip field without updating checksum
	path := writeFixture(t, record)

	src, err := Open(path, 2*time.Second)
	require.NoError(t, err)
	defer src.Close()

	_, result := src.GetClockInfo()
	require.Equal(t, ResultNotValid, result)
}

func TestTransitionLoggedOnce(t *testing.T) {
	record := EncodeRecord(7, 0, 42, "10.0.0.1", 0, 0, 0)
	path := writeFixture(t, record)

	src, err := Open(path, 2*time.Second)
	require.NoError(t, err)
	defer src.Close()

	var transitions int
	src.OnTransition(func(from, to Result) { transitions++ })

	src.GetClockInfo()
	src.GetClockInfo()
	src.GetClockInfo()

	require.Equal(t, 1, transitions, "transition should fire once, not once per read")
}

func TestFatalAfterGracePeriod(t *testing.T) {
	src := &Source{lastResult: ResultNotReady, startedAt: time.Now().Add(-3 * time.Second), notReadyGrace: 2 * time.Second}
	var fatalReason string
	src.OnFatal(func(reason string) { fatalReason = reason })

	src.classify(ClockInfo{}, ResultServiceUnavailable)

	require.NotEmpty(t, fatalReason)
}
