package vad

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Stage runs segmentation on its own goroutine. It consumes
// events.FrameReceived and publishes events.SpeechDetected.
type Stage struct {
	bus     *bus.Bus
	cfg     Config
	router  *Router
	logger  *slog.Logger
	metrics metrics.Provider

	in  chan input
	sub *bus.Subscription

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// input is a frame, or with end set, the end of a source's stream. Both
// travel on one channel so an end is ordered after the source's frames.
type input struct {
	frame  audioio.Frame
	end    bool
	source string
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithLogger sets the stage logger.
func WithLogger(l *slog.Logger) StageOption {
	return func(s *Stage) { s.logger = l }
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) StageOption {
	return func(s *Stage) { s.metrics = p }
}

// NewStage creates a segmentation stage on b.
func NewStage(b *bus.Bus, cfg Config, c Classifier, opts ...StageOption) (*Stage, error) {
	s := &Stage{
		bus:     b,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: metrics.Noop{},
		in:      make(chan input, max(cfg.QueueSize, 1)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "vad.stage")
	s.metrics = metrics.Or(s.metrics)

	router, err := NewRouter(cfg, c, s.logger, s.publish)
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// Start subscribes to frames and starts the segmentation loop.
func (s *Stage) Start(ctx context.Context) error {
	if err := s.bus.RegisterService(events.OwnerVAD, events.ServiceSources, s.sources, bus.Sync); err != nil {
		return err
	}
	sub, err := bus.Subscribe(s.bus, events.FrameReceived, s.onFrame)
	if err != nil {
		return err
	}
	s.sub = sub
	go s.loop(ctx)
	s.logger.Info("segmenter started",
		"threshold", s.cfg.Threshold,
		"min_speech_frames", s.cfg.MinSpeechFrames,
		"hangover_frames", s.cfg.HangoverFrames,
		"flush", s.cfg.Flush,
	)
	return nil
}

// Stop revokes the subscription, drains queued frames and flushes every
// source under the flush policy.
func (s *Stage) Stop() {
	s.stopOnce.Do(func() {
		if s.sub != nil {
			s.sub.Revoke()
		}
		close(s.stop)
	})
	<-s.done
}

// EndStream flushes one source, as when its connection closes.
func (s *Stage) EndStream(source string) {
	s.enqueue(input{end: true, source: source})
}

func (s *Stage) onFrame(f audioio.Frame) {
	s.enqueue(input{frame: f})
}

func (s *Stage) enqueue(in input) {
	select {
	case s.in <- in:
	case <-s.stop:
	}
}

func (s *Stage) handle(in input) {
	if in.end {
		s.router.Flush(in.source)
		return
	}
	s.router.Push(in.frame)
}

func (s *Stage) loop(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.cfg.IdleFlush > 0 {
		ticker := time.NewTicker(s.cfg.IdleFlush / 2)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case in := <-s.in:
			s.handle(in)
		case now := <-tick:
			s.router.FlushIdle(now, s.cfg.IdleFlush)
		case <-s.stop:
			s.drain()
			return
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *Stage) drain() {
	for {
		select {
		case in := <-s.in:
			s.handle(in)
		default:
			s.router.FlushAll()
			return
		}
	}
}

func (s *Stage) publish(seg audioio.Segment) {
	if len(seg.Frames) == 0 {
		return
	}
	s.metrics.IncCounter(metrics.SegmentsEmitted, 1)
	s.logger.Debug("speech segment",
		"source", seg.Source,
		"frames", len(seg.Frames),
		"duration", seg.Duration(),
	)
	bus.Publish(s.bus, events.SpeechDetected, seg)
}

func (s *Stage) sources(ctx context.Context, args ...any) (any, error) {
	return s.router.Sources(), nil
}
