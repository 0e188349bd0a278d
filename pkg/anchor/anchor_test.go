package anchor

import (
	"testing"
	"time"

	"github.com/pierre-dev/airplay2/pkg/ptpshm"
	"github.com/stretchr/testify/require"
)

func TestSaveIdempotent(t *testing.T) {
	s := NewStore(44100)
	d := Data{ClockID: 7, RTPTime: 1000, AnchorTime: 10 * time.Second}

	info := ptpshm.ClockInfo{ClockID: 7, MastershipStart: 0}
	now := 2 * time.Second

	s.Save(d)
	last1, ok1 := s.GetData(info, ptpshm.ResultOK, now)
	s.Save(d)
	last2, ok2 := s.GetData(info, ptpshm.ResultOK, now)

	require.Equal(t, ok1, ok2)
	require.Equal(t, last1, last2)
}

func TestAdoptRequiresAgeMin(t *testing.T) {
	s := NewStore(44100)
	s.Save(Data{ClockID: 1, RTPTime: 0, AnchorTime: time.Second})

	info := ptpshm.ClockInfo{ClockID: 1, MastershipStart: 0}

	// master_for = 1s < AGE_MIN(1.5s) -> no adoption yet.
	_, ok := s.GetData(info, ptpshm.ResultOK, time.Second)
	require.False(t, ok)

	// master_for = 2s >= AGE_MIN -> adopt.
	last, ok := s.GetData(info, ptpshm.ResultOK, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, uint64(1), last.ClockID)
}

func TestClockMismatchNoLastKeepsUnset(t *testing.T) {
	s := NewStore(44100)
	s.Save(Data{ClockID: 1, RTPTime: 0, AnchorTime: time.Second})

	info := ptpshm.ClockInfo{ClockID: 99, MastershipStart: 0}
	_, ok := s.GetData(info, ptpshm.ResultOK, 10*time.Second)
	require.False(t, ok)
}

func TestFrameToLocalNSOneSecond(t *testing.T) {
	last := Last{RTPTime: 1000, Localized: 5 * time.Second}
	const rate = 44100

	t1 := FrameToLocalNS(last, rate, 1000)
	t2 := FrameToLocalNS(last, rate, 1000+rate)

	diff := t2 - t1
	require.InDelta(t, float64(time.Second), float64(diff), float64(time.Second)/rate)
}

func TestFrameToLocalNSWraparound(t *testing.T) {
	last := Last{RTPTime: 0xFFFFFFF0, Localized: 0}
	const rate = 44100

	// rtp wraps past 2^32; delta should still be small and positive.
	got := FrameToLocalNS(last, rate, 0x10)
	require.Greater(t, got, time.Duration(0))
}

func TestEmptySaveClears(t *testing.T) {
	s := NewStore(44100)
	s.Save(Data{ClockID: 1, RTPTime: 0, AnchorTime: time.Second})
	s.Save(Data{})

	s.mu.Lock()
	haveSource := s.haveSource
	s.mu.Unlock()
	require.False(t, haveSource)
}
