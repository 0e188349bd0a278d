package rtsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlayLockNonBlockingAcquireWhenFree(t *testing.T) {
	l := newPlayLock(3*time.Second, 10*time.Millisecond)
	a := &Session{}
	require.True(t, l.tryAcquire(a))
}

func TestPlayLockSecondAcquireFailsUntilReleased(t *testing.T) {
	l := newPlayLock(3*time.Second, 10*time.Millisecond)
	a, b := &Session{}, &Session{}

	require.True(t, l.tryAcquire(a))
	require.False(t, l.tryAcquire(b))

	l.release(a)
	require.True(t, l.tryAcquire(b))
}

func TestPlayLockReleaseIgnoredForNonHolder(t *testing.T) {
	l := newPlayLock(3*time.Second, 10*time.Millisecond)
	a, b := &Session{}, &Session{}

	require.True(t, l.tryAcquire(a))
	l.release(b) // b never held it
	require.False(t, l.tryAcquire(b))
}

func TestPlayLockAcquireOrEvictSucceedsAfterHolderYields(t *testing.T) {
	l := newPlayLock(500*time.Millisecond, 10*time.Millisecond)
	a, b := &Session{}, &Session{}

	require.True(t, l.tryAcquire(a))

	go func() {
		time.Sleep(30 * time.Millisecond)
		l.release(a)
	}()

	require.True(t, l.acquireOrEvict(b))
}

func TestPlayLockAcquireOrEvictTimesOutWhenHolderNeverYields(t *testing.T) {
	l := newPlayLock(60*time.Millisecond, 10*time.Millisecond)
	a, b := &Session{}, &Session{}

	require.True(t, l.tryAcquire(a))
	require.False(t, l.acquireOrEvict(b))
}

func TestPlayLockAcquireOrEvictSignalsRequestStop(t *testing.T) {
	l := newPlayLock(60*time.Millisecond, 10*time.Millisecond)
	a, b := &Session{}, &Session{}

	require.True(t, l.tryAcquire(a))
	l.acquireOrEvict(b)
	require.True(t, a.stopRequested.Load())
}
