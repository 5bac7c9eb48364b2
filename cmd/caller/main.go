package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/voicecall/internal/adapters/rtc"
	sig "github.com/dkeye/voicecall/internal/adapters/signal"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/app/media"
	"github.com/dkeye/voicecall/internal/config"
	"github.com/dkeye/voicecall/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("caller", pflag.ExitOnError)
	fs.String("relay-url", "", "relay websocket url")
	fs.String("room", "", "default room for join")
	fs.Bool("passive", false, "receive only, never send local media")
	fs.Duration("join-timeout", 0, "join acknowledgment timeout")
	fs.String("audio-file", "", "Ogg/Opus file to send instead of silence")
	fs.String("video-file", "", "IVF file to send as video")
	fs.Bool("video", false, "send video (needs --video-file)")
	fs.String("log-level", "", "zerolog level")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	links, err := rtc.NewFactory(cfg.Call.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}

	reg := prometheus.NewRegistry()
	renderer := media.NewRenderer()
	coord := call.New(call.Config{
		JoinTimeout:  cfg.Call.JoinTimeout,
		LeaveTimeout: cfg.Call.LeaveTimeout,
		Passive:      cfg.Call.Passive,
	}, call.Deps{
		Transport: sig.NewClient(cfg.Call.RelayURL, nil),
		Capturer: rtc.NewCapturer(rtc.CaptureConfig{
			Audio:     cfg.Call.Audio,
			Video:     cfg.Call.Video,
			AudioFile: cfg.Call.AudioFile,
			VideoFile: cfg.Call.VideoFile,
		}),
		Links:    links,
		Renderer: renderer,
		Metrics:  metrics.NewCall(reg),
	})

	if cfg.Call.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Call.MetricsAddr, reg)
	}

	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("coordinator stopped")
		}
	}()

	lines := make(chan string)
	go readLines(lines)

	cli := newShell(coord, renderer, cfg.Call.Room, os.Stdout)
	cli.prompt()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !cli.exec(ctx, line) {
				break loop
			}
			cli.prompt()
		}
	}

	// Close cancels a pending join through the step lock.
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := coord.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("close")
	}
	cli.wait()
	log.Info().Msg("caller exited")
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server")
	}
}
