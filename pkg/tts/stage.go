package tts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// StageConfig configures the synthesis stage.
type StageConfig struct {
	// OutputRate is the sample rate handed to playback.
	OutputRate int `mapstructure:"output_rate"`

	// LeadSilence and TailSilence pad every synthesized sentence.
	LeadSilence time.Duration `mapstructure:"lead_silence"`
	TailSilence time.Duration `mapstructure:"tail_silence"`

	// Timeout bounds one synthesis call.
	Timeout time.Duration `mapstructure:"timeout"`

	// QueueSize bounds sentences waiting for synthesis.
	QueueSize int `mapstructure:"queue_size"`

	// InterruptMemory is how many interrupted query ids are remembered.
	InterruptMemory int `mapstructure:"interrupt_memory"`
}

// DefaultStageConfig returns the default stage configuration.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		OutputRate:      audioio.DefaultOutputFormat().SampleRate,
		LeadSilence:     100 * time.Millisecond,
		TailSilence:     100 * time.Millisecond,
		Timeout:         30 * time.Second,
		QueueSize:       32,
		InterruptMemory: 64,
	}
}

// Validate checks the configuration.
func (c StageConfig) Validate() error {
	if c.OutputRate <= 0 {
		return errors.New("tts: output_rate must be positive")
	}
	if c.LeadSilence < 0 || c.TailSilence < 0 {
		return errors.New("tts: silence padding must not be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("tts: timeout must be positive")
	}
	if c.QueueSize < 1 {
		return errors.New("tts: queue_size must be >= 1")
	}
	if c.InterruptMemory < 1 {
		return errors.New("tts: interrupt_memory must be >= 1")
	}
	return nil
}

// Stage synthesizes sentences one at a time, in order. It consumes
// events.SentenceReady and events.InterruptIssued, serves tts/synthesize
// and publishes events.PlaybackRequested and events.SynthesisChanged.
type Stage struct {
	bus      *bus.Bus
	cfg      StageConfig
	provider Provider
	logger   *slog.Logger
	metrics  metrics.Provider

	in   chan events.Sentence
	subs []*bus.Subscription

	mu          sync.Mutex
	pending     int
	current     string
	cancel      context.CancelFunc
	interrupted *lru.Cache[string, struct{}]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithStageLogger sets the stage logger.
func WithStageLogger(l *slog.Logger) StageOption {
	return func(s *Stage) { s.logger = l }
}

// WithStageMetrics sets the metrics provider.
func WithStageMetrics(p metrics.Provider) StageOption {
	return func(s *Stage) { s.metrics = p }
}

// NewStage creates a synthesis stage backed by provider.
func NewStage(b *bus.Bus, cfg StageConfig, provider Provider, opts ...StageOption) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interrupted, err := lru.New[string, struct{}](cfg.InterruptMemory)
	if err != nil {
		return nil, err
	}
	s := &Stage{
		bus:         b,
		cfg:         cfg,
		provider:    provider,
		logger:      slog.Default(),
		metrics:     metrics.Noop{},
		in:          make(chan events.Sentence, cfg.QueueSize),
		interrupted: interrupted,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tts.stage")
	s.metrics = metrics.Or(s.metrics)
	return s, nil
}

// Start registers the synthesize service, subscribes and starts the loop.
func (s *Stage) Start(ctx context.Context) error {
	if err := s.bus.RegisterService(events.OwnerTTS, events.ServiceSynthesize, s.serveSynthesize, bus.Async); err != nil {
		return err
	}
	sentences, err := bus.Subscribe(s.bus, events.SentenceReady, s.onSentence)
	if err != nil {
		s.bus.UnregisterService(events.OwnerTTS, events.ServiceSynthesize)
		return err
	}
	interrupts, err := bus.Subscribe(s.bus, events.InterruptIssued, s.onInterrupt)
	if err != nil {
		sentences.Revoke()
		s.bus.UnregisterService(events.OwnerTTS, events.ServiceSynthesize)
		return err
	}
	s.subs = []*bus.Subscription{sentences, interrupts}

	go s.loop(ctx)
	s.logger.Info("synthesizer started", "output_rate", s.cfg.OutputRate)
	return nil
}

// Stop revokes subscriptions, cancels the synthesis in progress and waits
// for the loop to exit.
func (s *Stage) Stop() {
	s.stopOnce.Do(func() {
		for _, sub := range s.subs {
			sub.Revoke()
		}
		close(s.stop)
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	})
	<-s.done
	s.bus.UnregisterService(events.OwnerTTS, events.ServiceSynthesize)
}

// Pending returns the number of sentences queued or in synthesis.
func (s *Stage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Interrupt drops all queued and in-flight sentences of queryID.
func (s *Stage) Interrupt(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted.Add(queryID, struct{}{})
	if s.cancel != nil && s.current == queryID {
		s.logger.Info("cancelling synthesis", "query_id", queryID)
		s.cancel()
	}
}

func (s *Stage) onSentence(sn events.Sentence) {
	s.adjust(1)
	select {
	case s.in <- sn:
	case <-s.stop:
		s.adjust(-1)
	}
}

func (s *Stage) onInterrupt(i events.Interrupt) {
	s.Interrupt(i.TargetID)
}

// adjust changes the pending count and reports it. The lock is held while
// publishing so observers never see counts out of order.
func (s *Stage) adjust(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending += delta
	bus.Publish(s.bus, events.SynthesisChanged, events.SynthesisStatus{Pending: s.pending})
}

func (s *Stage) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case sn := <-s.in:
			s.handle(ctx, sn)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// begin makes sn current, reporting false if its query was interrupted.
func (s *Stage) begin(ctx context.Context, sn events.Sentence) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted.Contains(sn.QueryID) {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	s.current = sn.QueryID
	s.cancel = cancel
	return cctx, true
}

func (s *Stage) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.current = ""
	s.cancel = nil
}

// publish hands req to playback unless its query was interrupted. The
// check and the publish happen under one lock, so an interrupt either
// sees the request already enqueued or stops it here.
func (s *Stage) publish(req events.PlaybackRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted.Contains(req.QueryID) {
		return false
	}
	bus.Publish(s.bus, events.PlaybackRequested, req)
	return true
}

func (s *Stage) handle(ctx context.Context, sn events.Sentence) {
	defer s.adjust(-1)
	logger := s.logger.With("query_id", sn.QueryID, "index", sn.Index)

	cctx, ok := s.begin(ctx, sn)
	if !ok {
		logger.Debug("sentence of interrupted query dropped")
		return
	}
	defer s.end()

	_, fut, err := s.bus.CallAsync(cctx, events.OwnerTTS, events.ServiceSynthesize, sn)
	if err != nil {
		logger.Warn("synthesize call rejected", "error", err)
		return
	}
	req, err := bus.Await[events.PlaybackRequest](cctx, fut)
	if err != nil {
		fut.Cancel()
		if bus.IsCancelled(err) || cctx.Err() == context.Canceled {
			logger.Debug("synthesis cancelled")
			return
		}
		s.metrics.IncCounter(metrics.SynthesisFailed, 1)
		logger.Warn("synthesis failed, sentence dropped", "text", sn.Text, "error", err)
		return
	}
	if !s.publish(req) {
		logger.Debug("synthesized audio of interrupted query dropped")
		return
	}
	logger.Debug("sentence synthesized", "duration", req.Duration())
}

func (s *Stage) serveSynthesize(ctx context.Context, args ...any) (any, error) {
	sn, err := bus.Arg[events.Sentence](args, 0)
	if err != nil {
		return nil, err
	}
	result, err := s.provider.Synthesize(ctx, sn.Text)
	if err != nil {
		return nil, err
	}
	samples := audioio.Resample(result.Samples(), result.Format.SampleRate, s.cfg.OutputRate)
	samples = audioio.PadSilence(samples, s.cfg.OutputRate, s.cfg.LeadSilence, s.cfg.TailSilence)
	return events.PlaybackRequest{
		ID:         uuid.NewString(),
		QueryID:    sn.QueryID,
		Index:      sn.Index,
		Text:       sn.Text,
		Samples:    samples,
		SampleRate: s.cfg.OutputRate,
	}, nil
}
