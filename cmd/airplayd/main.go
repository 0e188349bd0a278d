// Command airplayd runs the AirPlay2 receiver core: an RTSP/TCP listener
// serving each accepted controller connection in its own goroutine (the
// shared play lock decides which session owns playback), wired to the PTP clock
// source, anchor model, jitter buffer, resend engine, decode pipeline, and
// player loop. Grounded on the teacher's cmd/relay/main.go (flag parsing via
// flag.NewFlagSet, signal channel + context.WithCancel, deferred logger
// close) with the Nest/Cloudflare/WebRTC wiring replaced by this receiver's
// own collaborators.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pierre-dev/airplay2/pkg/anchor"
	"github.com/pierre-dev/airplay2/pkg/backend"
	"github.com/pierre-dev/airplay2/pkg/cipher"
	"github.com/pierre-dev/airplay2/pkg/codec"
	"github.com/pierre-dev/airplay2/pkg/config"
	"github.com/pierre-dev/airplay2/pkg/jitter"
	"github.com/pierre-dev/airplay2/pkg/logger"
	"github.com/pierre-dev/airplay2/pkg/mdns"
	"github.com/pierre-dev/airplay2/pkg/player"
	"github.com/pierre-dev/airplay2/pkg/ptpshm"
	"github.com/pierre-dev/airplay2/pkg/resend"
	"github.com/pierre-dev/airplay2/pkg/rtsp"
	"github.com/pierre-dev/airplay2/pkg/stream"
)

// bufferedAudioBufferSize is the audioBufferSize reported for a type=103
// (buffered/AAC) SETUP response (§4.7 step 4 example: 8 MiB).
const bufferedAudioBufferSize = 8 * 1024 * 1024

// streamChannels is fixed stereo throughout; the core never negotiates a
// channel count beyond what SETUP's fmtp vector already assumes (§4.5a).
const streamChannels = 2

// anchorPollInterval is how often each session's anchor-forwarding
// goroutine re-reads the PTP clock source and pushes a resolved anchor into
// the player loop (§4.2, §4.6).
const anchorPollInterval = 20 * time.Millisecond

func main() {
	fs := flag.NewFlagSet("airplayd", flag.ExitOnError)
	rtspPort := fs.Int("port", 7000, "RTSP listen port")
	ptpShm := fs.String("ptp-shm", "/pierre-airplay", "PTP shared-memory segment name")
	ptpControlAddr := fs.String("ptp-control-addr", "127.0.0.1:9000", "PTP daemon control socket")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	deviceName := fs.String("name", "AirPlay2-Go", "advertised device name")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nAirPlay2 audio receiver core\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	format, err := logger.ParseFormat(*logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.NewConfig()
	logCfg.Level = level
	logCfg.Format = format

	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)
	zl := log.Zerolog()

	cfg := config.Defaults()
	cfg.RTSP.Port = *rtspPort
	cfg.PTP.ShmName = *ptpShm
	cfg.PTP.ControlAddr = *ptpControlAddr

	log.Info("starting airplayd", "rtsp_port", cfg.RTSP.Port, "ptp_shm", cfg.PTP.ShmName)

	identity, err := cipher.GenerateIdentity()
	if err != nil {
		log.Fatal("failed to generate device identity", "error", err)
	}

	pairings := rtsp.NewPairingRegistry()
	playLock := rtsp.NewPlayLock(cfg.RTSP.PlayLockWait, cfg.RTSP.PlayLockPoll)

	ptpSource, err := ptpshm.Open(cfg.PTP.ShmName, cfg.PTP.NotReadyGrace)
	if err != nil {
		log.Warn("ptp shared-memory segment unavailable, clock source degraded", "error", err)
		ptpSource = nil
	} else {
		defer ptpSource.Close()
	}

	advertiser := mdns.NewNull(zl)
	if err := advertiser.Register(
		map[string]string{"deviceid": "AA:BB:CC:DD:EE:FF", "model": *deviceName, "features": "0x0"},
		map[string]string{"features": "0x0"},
	); err != nil {
		log.Warn("mdns register failed", "error", err)
	}
	defer advertiser.Unregister()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RTSP.Port))
	if err != nil {
		log.Fatal("failed to listen on RTSP port", "error", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var connCounter int64

	// serveConnection handles one accepted RTSP/TCP connection end to end:
	// its own anchor store, jitter buffer, and player loop, plus the
	// stream-receiver sockets bound lazily from the second SETUP. It is a
	// closure (rather than a function taking pairings/playLock as typed
	// parameters) because both are opaque handles of unexported types
	// returned by rtsp.NewPairingRegistry/rtsp.NewPlayLock.
	serveConnection := func(conn net.Conn, connNum int64) {
		defer conn.Close()
		connLog := zl.With().Int64("conn", connNum).Str("remote", conn.RemoteAddr().String()).Logger()

		anchorStore := anchor.NewStore(uint32(cfg.Output.Rate))
		buf := jitter.NewBuffer()
		out := backend.NewNull(5 * time.Millisecond)
		dither := player.NewDither(uint64(connNum)*2+1, uint64(connNum)*2+2)

		playerCfg := player.Config{
			InputRate:       cfg.Output.Rate,
			OutputRate:      cfg.Output.Rate,
			Channels:        streamChannels,
			DesiredLatency:  cfg.Timing.DesiredLatency,
			ResyncThreshold: cfg.Timing.ResyncThreshold,
			DriftTolerance:  cfg.Timing.DriftTolerance,
			Mode:            player.ModeStereo,
			StuffMode:       player.StuffModeBasic,
		}
		pl := player.New(playerCfg, buf, out, dither)
		pl.Start(ctx)
		defer pl.Stop()

		connCtx, connCancel := context.WithCancel(ctx)
		defer connCancel()

		go func() {
			ticker := time.NewTicker(anchorPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-connCtx.Done():
					return
				case <-ticker.C:
					if ptpSource == nil {
						continue
					}
					info, result := ptpSource.GetClockInfo()
					now := time.Duration(time.Now().UnixNano())
					if last, ok := anchorStore.GetData(info, result, now); ok {
						pl.SetAnchorInput(last)
					}
				}
			}
		}()

		var cleanups []func()
		defer func() {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}()

		onStreamSetup := func(_ *rtsp.Session, streamType int, sessionKey []byte) (dataPort, controlPort, eventPort, audioBufferSize int, err error) {
			eventLn, err := net.Listen("tcp", ":0")
			if err != nil {
				return 0, 0, 0, 0, err
			}
			cleanups = append(cleanups, func() { eventLn.Close() })
			go stream.ServeEvent(eventLn, connLog)

			controlConn, err := net.ListenPacket("udp", ":0")
			if err != nil {
				return 0, 0, 0, 0, err
			}
			cleanups = append(cleanups, func() { controlConn.Close() })

			resendCfg := resend.Config{
				FirstCheck:       cfg.Resend.FirstCheck,
				CheckInterval:    cfg.Resend.CheckInterval,
				LastCheck:        cfg.Resend.LastCheck,
				Latency:          cfg.Timing.DesiredLatency,
				SendTimeout:      cfg.Resend.SendTimeout,
				ErrorSuppression: cfg.Resend.ErrorSuppression,
			}
			engine := resend.NewEngine(resendCfg, buf, controlConn, nil)
			buf.OnPlaced(func(uint16) { engine.Scan() })

			var pipeline *stream.Pipeline
			switch streamType {
			case 96: // realtime: ALAC over AES-CBC-128 (§4.5)
				key := make([]byte, 16)
				iv := make([]byte, 16)
				if len(sessionKey) >= 32 {
					copy(key, sessionKey[:16])
					copy(iv, sessionKey[16:32])
				}
				dec, derr := codec.NewRealtimeDecryptor(key, iv)
				if derr != nil {
					return 0, 0, 0, 0, derr
				}
				pipeline = stream.NewRealtimePipeline(buf, dec, codec.NewReferenceALACDecoder(streamChannels), streamChannels, cfg.Output.Rate)

				dataConn, derr := net.ListenPacket("udp", ":0")
				if derr != nil {
					return 0, 0, 0, 0, derr
				}
				cleanups = append(cleanups, func() { dataConn.Close() })
				go stream.ServeRealtimeAudio(dataConn, pipeline, connLog)
				dataPort = dataConn.LocalAddr().(*net.UDPAddr).Port

			case 103: // buffered: AAC over ChaCha20-Poly1305 (§4.5)
				key := make([]byte, 32)
				copy(key, sessionKey)
				dec, derr := codec.NewBufferedDecryptor(key)
				if derr != nil {
					return 0, 0, 0, 0, derr
				}
				pipeline = stream.NewBufferedPipeline(buf, dec, codec.NewReferenceAACDecoder(streamChannels), streamChannels, cfg.Output.Rate)

				dataLn, derr := net.Listen("tcp", ":0")
				if derr != nil {
					return 0, 0, 0, 0, derr
				}
				cleanups = append(cleanups, func() { dataLn.Close() })
				go func() {
					c, aerr := dataLn.Accept()
					if aerr != nil {
						return
					}
					stream.ServeBufferedAudio(c, pipeline, connLog)
				}()
				dataPort = dataLn.Addr().(*net.TCPAddr).Port
				audioBufferSize = bufferedAudioBufferSize

			default:
				return 0, 0, 0, 0, fmt.Errorf("airplayd: unsupported stream type %d", streamType)
			}

			controlCfg := stream.ControlConfig{
				DesiredBufferFrames: int64(cfg.Timing.DesiredLatency.Seconds() * float64(cfg.Output.Rate)),
				LatencyOffsetFrames: int64(cfg.Timing.LatencyOffsetFrames),
				OnPeer:              engine.SetPeer,
			}
			go stream.ServeControl(controlConn, time.Now(), pipeline, anchorStore, controlCfg, connLog)

			controlPort = controlConn.LocalAddr().(*net.UDPAddr).Port
			eventPort = eventLn.Addr().(*net.TCPAddr).Port
			return dataPort, controlPort, eventPort, audioBufferSize, nil
		}

		deps := rtsp.Deps{
			Identity:      identity,
			Pairings:      pairings,
			PlayLock:      playLock,
			Anchor:        anchorStore,
			Buffer:        buf,
			Player:        pl,
			Config:        cfg,
			Log:           connLog,
			ConnNumber:    connNum,
			OnStreamSetup: onStreamSetup,
		}
		rtsp.Serve(conn, deps)
	}

	log.Info("rtsp listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		n := atomic.AddInt64(&connCounter, 1)
		go serveConnection(conn, n)
	}

	log.Info("shutdown complete")
}
