package asr

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Stage transcribes segments in arrival order. It consumes
// events.SpeechDetected, serves asr/transcribe and publishes
// events.QueryTranscribed.
type Stage struct {
	bus         *bus.Bus
	cfg         Config
	transcriber Transcriber
	logger      *slog.Logger
	metrics     metrics.Provider

	in  chan audioio.Segment
	sub *bus.Subscription

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Stage.
type Option func(*Stage)

// WithLogger sets the stage logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(s *Stage) { s.metrics = p }
}

// NewStage creates a transcription stage.
func NewStage(b *bus.Bus, cfg Config, t Transcriber, opts ...Option) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stage{
		bus:         b,
		cfg:         cfg,
		transcriber: t,
		logger:      slog.Default(),
		metrics:     metrics.Noop{},
		in:          make(chan audioio.Segment, cfg.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "asr.stage")
	s.metrics = metrics.Or(s.metrics)
	return s, nil
}

// Start registers the transcribe service and starts the loop.
func (s *Stage) Start(ctx context.Context) error {
	if err := s.bus.RegisterService(events.OwnerASR, events.ServiceTranscribe, s.serveTranscribe, bus.Async); err != nil {
		return err
	}
	sub, err := bus.Subscribe(s.bus, events.SpeechDetected, s.onSegment)
	if err != nil {
		s.bus.UnregisterService(events.OwnerASR, events.ServiceTranscribe)
		return err
	}
	s.sub = sub
	go s.loop(ctx)
	s.logger.Info("transcriber started", "model", s.cfg.Model, "language", s.cfg.Language)
	return nil
}

// Stop revokes the subscription and waits for the segment in progress.
func (s *Stage) Stop() {
	s.stopOnce.Do(func() {
		if s.sub != nil {
			s.sub.Revoke()
		}
		close(s.stop)
	})
	<-s.done
	s.bus.UnregisterService(events.OwnerASR, events.ServiceTranscribe)
}

func (s *Stage) onSegment(seg audioio.Segment) {
	select {
	case s.in <- seg:
	case <-s.stop:
	}
}

func (s *Stage) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case seg := <-s.in:
			s.handle(ctx, seg)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stage) handle(ctx context.Context, seg audioio.Segment) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-cctx.Done():
		}
	}()

	_, fut, err := s.bus.CallAsync(cctx, events.OwnerASR, events.ServiceTranscribe, seg)
	if err != nil {
		s.logger.Warn("transcribe call rejected", "source", seg.Source, "error", err)
		return
	}
	q, err := bus.Await[events.Query](cctx, fut)
	if err != nil {
		if !bus.IsCancelled(err) && cctx.Err() == nil {
			s.logger.Warn("segment dropped", "source", seg.Source, "duration", seg.Duration(), "error", err)
		}
		return
	}
	if strings.TrimSpace(q.Text) == "" {
		s.logger.Info("empty transcription dropped", "source", seg.Source)
		return
	}

	s.metrics.IncCounter(metrics.QueriesTranscribed, 1)
	s.logger.Info("query transcribed",
		"query_id", q.ID,
		"text", q.Text,
		"language", q.Language,
		"confidence", q.Confidence,
	)
	bus.Publish(s.bus, events.QueryTranscribed, q)
}

func (s *Stage) serveTranscribe(ctx context.Context, args ...any) (any, error) {
	seg, err := bus.Arg[audioio.Segment](args, 0)
	if err != nil {
		return nil, err
	}
	t, err := s.transcriber.Transcribe(ctx, seg)
	if err != nil {
		return nil, err
	}
	return events.Query{
		ID:         uuid.NewString(),
		Text:       t.Text,
		Language:   t.Language,
		Confidence: t.Confidence,
		Source:     seg.Source,
		SpeechEnd:  seg.End,
	}, nil
}
