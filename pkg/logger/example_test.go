package logger_test

import (
	"fmt"

	"github.com/pierre-dev/airplay2/pkg/logger"
)

// Example showing basic logger usage.
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("receiver started", "version", "1.0.0")
	log.Warn("anchor stale", "clock_id", 0)
	log.Error("failed to bind RTSP port", "error", "address in use")
}

// Example showing debug category usage.
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugJitter)
	cfg.EnableCategory(logger.DebugPlayer)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugJitter("packet placed", "seq", 12345)
	log.DebugPlayer("stuffing decision", "sync_error_ns", -150000)
}

// Example showing command-line flags integration.
func ExampleFlags() {
	// Wiring the logging flags into a command's flag set:
	//
	// fs := flag.NewFlagSet("airplayd", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/airplayd/main.go for complete example")
	// Output: See cmd/airplayd/main.go for complete example
}
