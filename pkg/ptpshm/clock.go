// Package ptpshm implements the Clock Source (§4.1): a read-only consumer
// of the fixed-layout PTP record an external daemon publishes in a named
// POSIX shared-memory region (§6).
package ptpshm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sigurn/crc16"
	"golang.org/x/sys/unix"
)

// recordSize is the wire size of the fixed PTP record: version(2) +
// generation(4, our seqlock substitute for the original's embedded mutex) +
// master_clock_id(8) + master_ip(64) + sample_time(8) + offset(8) +
// mastership_start(8) + checksum(2).
const recordSize = 2 + 4 + 8 + 64 + 8 + 8 + 8 + 2

// requiredVersion is the protocol version this receiver understands (§6).
const requiredVersion uint16 = 7

// Result enumerates the outcomes of a clock read (§4.1, §7).
type Result int

const (
	ResultOK Result = iota
	ResultNotReady
	ResultNotValid
	ResultServiceUnavailable
	ResultVersionMismatch
	ResultNoMaster
	ResultNoAnchorInfo
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNotReady:
		return "not_ready"
	case ResultNotValid:
		return "not_valid"
	case ResultServiceUnavailable:
		return "service_unavailable"
	case ResultVersionMismatch:
		return "version_mismatch"
	case ResultNoMaster:
		return "no_master"
	case ResultNoAnchorInfo:
		return "no_anchor_info"
	default:
		return "unknown"
	}
}

// ClockInfo is a snapshot of the external PTP state (§3).
type ClockInfo struct {
	ClockID          uint64
	MasterIP         string
	SampleTime       time.Duration // local monotonic ns when offset was measured
	RawOffset        time.Duration // add to local monotonic ns to get network ns
	MastershipStart  time.Duration
}

// MasterFor returns how long the current master has held mastership, given
// the local monotonic clock reading "now".
func (c ClockInfo) MasterFor(now time.Duration) time.Duration { return now - c.MastershipStart }

// SampleAge returns how stale the offset sample is.
func (c ClockInfo) SampleAge(now time.Duration) time.Duration { return now - c.SampleTime }

// Usable reports the §3 invariant: clock_id == 0 means unusable.
func (c ClockInfo) Usable() bool { return c.ClockID != 0 }

// Source reads PTP state from a named shared-memory region.
type Source struct {
	mu            sync.Mutex
	data          []byte
	name          string
	startedAt     time.Time
	lastResult    Result
	notReadyGrace time.Duration
	onFatal       func(reason string)
	onTransition  func(from, to Result)
}

// Open mmaps the named POSIX shared-memory region read-only. notReadyGrace
// is the §4.1 contract window (default 2s) during which ResultNotReady is
// tolerated before a ResultServiceUnavailable streak becomes fatal.
func Open(name string, notReadyGrace time.Duration) (*Source, error) {
	f, err := os.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open shm %s: %w", name, err)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, recordSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shm %s: %w", name, err)
	}

	return &Source{
		data:          data,
		name:          name,
		startedAt:     time.Now(),
		notReadyGrace: notReadyGrace,
		lastResult:    ResultNotReady,
	}, nil
}

// Close unmaps the shared-memory region.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}

// OnTransition registers a callback invoked whenever GetClockInfo's Result
// changes, satisfying the "log once per transition" contract in §4.1.
func (s *Source) OnTransition(f func(from, to Result)) { s.onTransition = f }

// OnFatal registers the callback invoked when the 2s service-unavailable
// grace period expires.
func (s *Source) OnFatal(f func(reason string)) { s.onFatal = f }

// seqlockRead reads the record twice, retrying until the generation counter
// is stable and even (odd means the publisher is mid-write). This is the
// lock-free substitute for the original's embedded pthread mutex — see
// DESIGN.md.
func (s *Source) seqlockRead() ([]byte, bool) {
	const maxAttempts = 8
	buf := make([]byte, recordSize)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		gen1 := binary.LittleEndian.Uint32(s.data[2:6])
		if gen1&1 != 0 {
			continue // writer in progress
		}
		copy(buf, s.data)
		gen2 := binary.LittleEndian.Uint32(s.data[2:6])
		if gen1 == gen2 {
			return buf, true
		}
	}
	return nil, false
}

// GetClockInfo reads and classifies the current PTP state (§4.1).
func (s *Source) GetClockInfo() (ClockInfo, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return s.classify(ClockInfo{}, ResultServiceUnavailable)
	}

	buf, ok := s.seqlockRead()
	if !ok {
		return s.classify(ClockInfo{}, ResultNotReady)
	}

	version := binary.LittleEndian.Uint16(buf[0:2])
	if version != requiredVersion {
		return s.classify(ClockInfo{}, ResultVersionMismatch)
	}

	sum := binary.LittleEndian.Uint16(buf[recordSize-2:])
	if crc16.Checksum(buf[:recordSize-2], crc16.MakeTable(crc16.CRC16_XMODEM)) != sum {
		return s.classify(ClockInfo{}, ResultNotValid)
	}

	info := ClockInfo{
		ClockID:         binary.LittleEndian.Uint64(buf[6:14]),
		MasterIP:        cString(buf[14:78]),
		SampleTime:      time.Duration(binary.LittleEndian.Uint64(buf[78:86])),
		RawOffset:       time.Duration(binary.LittleEndian.Uint64(buf[86:94])),
		MastershipStart: time.Duration(binary.LittleEndian.Uint64(buf[94:102])),
	}

	if !info.Usable() {
		return s.classify(info, ResultNoMaster)
	}

	return s.classify(info, ResultOK)
}

func (s *Source) classify(info ClockInfo, result Result) (ClockInfo, Result) {
	if result != s.lastResult {
		if s.onTransition != nil {
			s.onTransition(s.lastResult, result)
		}
		s.lastResult = result
	}

	if result == ResultServiceUnavailable && time.Since(s.startedAt) > s.notReadyGrace {
		if s.onFatal != nil {
			s.onFatal("PTP shared memory unavailable beyond grace period")
		}
	}

	return info, result
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// RecordSize exposes the wire size for publisher-side test fixtures.
func RecordSize() int { return recordSize }

// EncodeRecord is the inverse of the decode path above, used only by tests
// to synthesize a publisher's shared-memory record.
func EncodeRecord(version uint16, gen uint32, clockID uint64, masterIP string, sampleTime, rawOffset, mastershipStart time.Duration) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint16(buf[0:2], version)
	binary.LittleEndian.PutUint32(buf[2:6], gen)
	binary.LittleEndian.PutUint64(buf[6:14], clockID)
	copy(buf[14:78], masterIP)
	binary.LittleEndian.PutUint64(buf[78:86], uint64(sampleTime))
	binary.LittleEndian.PutUint64(buf[86:94], uint64(rawOffset))
	binary.LittleEndian.PutUint64(buf[94:102], uint64(mastershipStart))
	sum := crc16.Checksum(buf[:recordSize-2], crc16.MakeTable(crc16.CRC16_XMODEM))
	binary.LittleEndian.PutUint16(buf[recordSize-2:], sum)
	return buf
}
