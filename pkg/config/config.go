// Package config holds the plain struct of tuned parameters the receiver
// core accepts. Reading it from a file or the environment is explicitly out
// of scope (§1) — callers construct it directly, typically starting from
// Defaults() and overriding individual fields.
package config

import "time"

// Config holds every tuned parameter the core subsystems consult. There is
// no file or environment parser here: the daemonization wrapper and CLI
// surface that would populate one are external collaborators.
type Config struct {
	RTSP    RTSPConfig
	Timing  TimingConfig
	Resend  ResendConfig
	Output  OutputConfig
	PTP     PTPConfig
}

// RTSPConfig controls the session listener and per-session port allocation.
type RTSPConfig struct {
	Port            int           // default 7000
	UDPBasePort     int           // default 6001
	UDPPortsPerConn int           // default 10
	PlayLockWait    time.Duration // default 3s, poll every PlayLockPoll
	PlayLockPoll    time.Duration // default 100ms
	SessionTimeout  time.Duration // not read: no session watchdog is implemented
}

// TimingConfig controls the anchor/player timing model.
type TimingConfig struct {
	DesiredLatency   time.Duration // default 150ms
	ResyncThreshold  time.Duration // default 50ms
	DriftTolerance   time.Duration // default 2ms
	AgeMin           time.Duration // default 1.5s
	AgeStable        time.Duration // default 5s
	AgeMax           time.Duration // default 10s
	ActiveStateTimeout time.Duration // PTP-stale tolerance before teardown
	LatencyOffsetFrames uint32     // constant "11035" addend, parameterized
	ExpectedNotifiedLatency uint32 // constant "77175", parameterized
}

// ResendConfig controls the Resend Engine's timing window.
type ResendConfig struct {
	FirstCheck      time.Duration // default 100ms
	CheckInterval   time.Duration // default 250ms
	LastCheck       time.Duration // default 100ms
	SendTimeout     time.Duration // default 100ms
	ErrorSuppression time.Duration // default 300ms
}

// OutputConfig controls the backend output format.
type OutputConfig struct {
	Rate                      int // default 44100
	Format                    string // default "S16_LE"
	MinimumFreeBufferHeadroom int    // default 125 slots
	SoxrQuality               bool   // not read: the player implements basic stuffing only
}

// PTPConfig controls the shared-memory clock source.
type PTPConfig struct {
	ShmName         string // e.g. "/pierre-<device-id-hex>"
	ControlAddr     string // default "127.0.0.1:9000"
	NotReadyGrace   time.Duration // default 2s
	RequiredVersion uint16        // must equal 7
}

// Defaults returns the tuned-parameter defaults mandated by §6.
func Defaults() *Config {
	return &Config{
		RTSP: RTSPConfig{
			Port:            7000,
			UDPBasePort:     6001,
			UDPPortsPerConn: 10,
			PlayLockWait:    3 * time.Second,
			PlayLockPoll:    100 * time.Millisecond,
		},
		Timing: TimingConfig{
			DesiredLatency:          150 * time.Millisecond,
			ResyncThreshold:         50 * time.Millisecond,
			DriftTolerance:          2 * time.Millisecond,
			AgeMin:                  1500 * time.Millisecond,
			AgeStable:               5 * time.Second,
			AgeMax:                  10 * time.Second,
			ActiveStateTimeout:      10 * time.Second,
			LatencyOffsetFrames:     11035,
			ExpectedNotifiedLatency: 77175,
		},
		Resend: ResendConfig{
			FirstCheck:       100 * time.Millisecond,
			CheckInterval:    250 * time.Millisecond,
			LastCheck:        100 * time.Millisecond,
			SendTimeout:      100 * time.Millisecond,
			ErrorSuppression: 300 * time.Millisecond,
		},
		Output: OutputConfig{
			Rate:                      44100,
			Format:                    "S16_LE",
			MinimumFreeBufferHeadroom: 125,
		},
		PTP: PTPConfig{
			ShmName:         "/pierre-airplay",
			ControlAddr:     "127.0.0.1:9000",
			NotReadyGrace:   2 * time.Second,
			RequiredVersion: 7,
		},
	}
}
