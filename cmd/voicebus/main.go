// voicebus - event-bus voice agent: VAD, ASR, LLM, TTS and playback with
// barge-in, fed by a WebSocket audio server, WebRTC peers or watched folders.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/teslashibe/go-voicebus/internal/config"
	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/asr"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
	"github.com/teslashibe/go-voicebus/pkg/pipeline"
	"github.com/teslashibe/go-voicebus/pkg/transport"
	"github.com/teslashibe/go-voicebus/pkg/tts"
	"github.com/teslashibe/go-voicebus/pkg/watch"
	"github.com/teslashibe/go-voicebus/pkg/web"
)

type flags struct {
	config    string
	envFile   string
	logLevel  string
	transport string
	wsURL     string
	webAddr   string
	record    bool
	watchDirs []string
}

func main() {
	f := parseFlags()

	if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicebus: env file %s: %v\n", f.envFile, err)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicebus: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Error("voicebus stopped", "error", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Flags override the config file
// and the environment.
func parseFlags() flags {
	var f flags
	cli.StringVarP(&f.config, "config", "c", "", "Config file (YAML)")
	cli.StringVarP(&f.envFile, "env", "e", ".env", "Env file path")
	cli.StringVarP(&f.logLevel, "log", "l", "", "Log level: debug, info, warn, error")
	cli.StringVarP(&f.transport, "transport", "t", "", "Audio transport: websocket, rtc, both, loopback")
	cli.StringVar(&f.wsURL, "ws-url", "", "Audio server URL for the websocket transport")
	cli.StringVar(&f.webAddr, "web-addr", "", "Status server address")
	cli.BoolVar(&f.record, "record", false, "Save every speech segment as WAV")
	cli.StringArrayVarP(&f.watchDirs, "watch", "w", nil, "Feed WAV files dropped into this directory (repeatable)")
	cli.Parse()
	return f
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.transport != "" {
		cfg.Transport.Kind = f.transport
	}
	if f.wsURL != "" {
		cfg.Transport.WebSocket.URL = f.wsURL
	}
	if f.webAddr != "" {
		cfg.Web.Addr = f.webAddr
	}
	if f.record {
		cfg.Pipeline.Record = true
	}
	for _, dir := range f.watchDirs {
		cfg.Pipeline.Watch.Dirs = append(cfg.Pipeline.Watch.Dirs, watch.Dir{Path: dir, Recursive: true})
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.L()

	recorder := metrics.NewRecorder()
	var prom *metrics.Prom
	var provider metrics.Provider = recorder
	if cfg.Web.Metrics {
		prom = metrics.NewProm()
		provider = metrics.Tee{recorder, prom}
	}

	llm, err := inference.NewClient(cfg.InferenceOptions(logger)...)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	defer llm.Close()

	transcriber, err := asr.NewWhisper(cfg.Pipeline.ASR, logger)
	if err != nil {
		return fmt.Errorf("asr: %w", err)
	}

	speech, err := openTTS(ctx, cfg)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}
	defer speech.Close()

	links, err := openTransports(cfg)
	if err != nil {
		return err
	}
	defer links.close()

	p, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Transport:   links.transport,
		Transcriber: transcriber,
		LLM:         llm,
		TTS:         speech,
		Logger:      logger,
		Metrics:     provider,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	var server *web.Server
	if cfg.Web.Enabled {
		opts := []web.Option{
			web.WithLogger(logger),
			web.WithRecorder(recorder),
			web.WithTurns(p.Turns()),
		}
		if prom != nil {
			opts = append(opts, web.WithProm(prom))
		}
		if links.rtc != nil {
			opts = append(opts, web.WithRTC(links.rtc))
		}
		server = web.NewServer(cfg.Web.Addr, p.Bus(), opts...)
		server.StartAsync(ctx)
		defer server.Shutdown()
	}

	var wsDone <-chan struct{}
	if links.ws != nil {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Transport.WebSocket.HandshakeTimeout+time.Second)
		err := links.ws.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		wsDone = links.ws.Done()
	}

	log.Info("voicebus running",
		"transport", cfg.Transport.Kind,
		"tts", cfg.TTS.Provider,
		"model", cfg.Inference.Model,
		"web", cfg.Web.Enabled,
	)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case <-wsDone:
		return errors.New("audio server connection lost")
	}
}

// openTTS opens the configured provider, chained with any fallbacks.
func openTTS(ctx context.Context, cfg *config.Config) (tts.Provider, error) {
	logger := log.L()
	primary, err := tts.Open(ctx, cfg.TTS.Provider, cfg.TTSOptions(logger)...)
	if err != nil {
		return nil, err
	}
	if len(cfg.TTS.Fallback) == 0 {
		return primary, nil
	}
	providers := []tts.Provider{primary}
	for _, name := range cfg.TTS.Fallback {
		p, err := tts.Open(ctx, name, cfg.FallbackOptions(name, logger)...)
		if err != nil {
			log.Warn("tts fallback unavailable", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return tts.NewChainWithLogger(logger, providers...)
}

// loopbackKeep is how many outbound frames a loopback run retains.
const loopbackKeep = 500

// links holds the transports a run uses.
type links struct {
	transport transport.Transport
	ws        *transport.WebSocket
	rtc       *transport.RTC
}

func openTransports(cfg *config.Config) (*links, error) {
	logger := log.L()
	l := &links{}
	var all transport.Multi
	if cfg.UsesWebSocket() {
		ws, err := transport.NewWebSocket(cfg.Transport.WebSocket, logger)
		if err != nil {
			return nil, err
		}
		l.ws = ws
		all = append(all, ws)
	}
	if cfg.UsesRTC() {
		rtc, err := transport.NewRTC(cfg.Transport.RTC, logger)
		if err != nil {
			all.Close()
			return nil, err
		}
		l.rtc = rtc
		all = append(all, rtc)
	}
	switch len(all) {
	case 0:
		lb := transport.NewLoopback("loopback", audioio.DefaultInputFormat())
		lb.Keep(loopbackKeep)
		l.transport = lb
	case 1:
		l.transport = all[0]
	default:
		l.transport = all
	}
	return l, nil
}

func (l *links) close() {
	if err := l.transport.Close(); err != nil {
		log.Warn("close transport", "error", err)
	}
}
