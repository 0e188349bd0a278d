package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags.
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugClock  bool
	DebugAnchor bool
	DebugJitter bool
	DebugResend bool
	DebugRTSP   bool
	DebugPlayer bool
	DebugAll    bool
}

// RegisterFlags registers logging flags with the given FlagSet.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info", "Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "", "Log output file path (shorthand)")

	fs.BoolVar(&f.DebugClock, "debug-clock", false, "Enable PTP clock source debugging")
	fs.BoolVar(&f.DebugAnchor, "debug-anchor", false, "Enable anchor/rate-anchor-time debugging")
	fs.BoolVar(&f.DebugJitter, "debug-jitter", false, "Enable jitter buffer placement debugging")
	fs.BoolVar(&f.DebugResend, "debug-resend", false, "Enable resend-request debugging")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false, "Enable RTSP session/message debugging")
	fs.BoolVar(&f.DebugPlayer, "debug-player", false, "Enable player loop / stuffing debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		for _, c := range []struct {
			enabled bool
			cat     DebugCategory
		}{
			{f.DebugClock, DebugClock},
			{f.DebugAnchor, DebugAnchor},
			{f.DebugJitter, DebugJitter},
			{f.DebugResend, DebugResend},
			{f.DebugRTSP, DebugRTSP},
			{f.DebugPlayer, DebugPlayer},
		} {
			if c.enabled {
				cfg.EnableCategory(c.cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags.
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./airplayd

  Enable DEBUG level:
    ./airplayd --log-level debug

  Log to file:
    ./airplayd --log-file airplayd.log

  JSON format for structured logging:
    ./airplayd --log-format json -o airplayd.json

  Debug the jitter buffer and player loop only:
    ./airplayd --debug-jitter --debug-player

  Debug everything:
    ./airplayd --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags.
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var cats []string
	switch {
	case f.DebugAll:
		cats = append(cats, "all")
	default:
		if f.DebugClock {
			cats = append(cats, "clock")
		}
		if f.DebugAnchor {
			cats = append(cats, "anchor")
		}
		if f.DebugJitter {
			cats = append(cats, "jitter")
		}
		if f.DebugResend {
			cats = append(cats, "resend")
		}
		if f.DebugRTSP {
			cats = append(cats, "rtsp")
		}
		if f.DebugPlayer {
			cats = append(cats, "player")
		}
	}
	if len(cats) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(cats, ",")))
	}

	return strings.Join(parts, " ")
}
