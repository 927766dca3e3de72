// Package pipeline assembles every stage onto one bus: frames from a
// transport are segmented, transcribed, gated by the interruption policy,
// answered by the language model, synthesized and played back through the
// same transport.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voicebus/pkg/asr"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/conversation"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
	"github.com/teslashibe/go-voicebus/pkg/playback"
	"github.com/teslashibe/go-voicebus/pkg/policy"
	"github.com/teslashibe/go-voicebus/pkg/recorder"
	"github.com/teslashibe/go-voicebus/pkg/transport"
	"github.com/teslashibe/go-voicebus/pkg/tts"
	"github.com/teslashibe/go-voicebus/pkg/vad"
	"github.com/teslashibe/go-voicebus/pkg/watch"
)

// ErrStarted is returned by Start on a pipeline that was already started.
var ErrStarted = errors.New("pipeline: already started")

// Deps are the collaborators the stages talk to.
type Deps struct {
	// Transport carries audio in and out. Required.
	Transport transport.Transport

	// Transcriber converts segments to text. Required.
	Transcriber asr.Transcriber

	// LLM streams replies. Required.
	LLM inference.Provider

	// TTS synthesizes sentences. Required.
	TTS tts.Provider

	// Speech classifies frames. Defaults to the energy classifier.
	Speech vad.Classifier

	// Verdicts decides DISCARD or INTERRUPT. Defaults to an LLM
	// classifier on LLM.
	Verdicts policy.Classifier

	Logger  *slog.Logger
	Metrics metrics.Provider
}

func (d *Deps) validate() error {
	switch {
	case d.Transport == nil:
		return errors.New("pipeline: transport is required")
	case d.Transcriber == nil:
		return errors.New("pipeline: transcriber is required")
	case d.LLM == nil:
		return errors.New("pipeline: llm is required")
	case d.TTS == nil:
		return errors.New("pipeline: tts is required")
	}
	return nil
}

// stage is the lifecycle every pipeline component shares.
type stage struct {
	name  string
	start func(context.Context) error
	stop  func()
}

// Pipeline owns the bus and every stage on it.
type Pipeline struct {
	cfg       Config
	bus       *bus.Bus
	transport transport.Transport
	logger    *slog.Logger
	metrics   metrics.Provider
	turns     *metrics.Turns

	vad       *vad.Stage
	asr       *asr.Stage
	responder *conversation.Responder
	tts       *tts.Stage
	playback  *playback.Stage
	policy    *policy.Stage
	recorder  *recorder.Recorder
	watcher   *watch.Watcher

	stages []stage

	mu      sync.Mutex
	started []stage
	subs    []*bus.Subscription
	cancel  context.CancelFunc
}

// New builds every stage. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := metrics.Or(deps.Metrics)
	if deps.Speech == nil {
		deps.Speech = vad.NewEnergyClassifier()
	}
	if deps.Verdicts == nil {
		deps.Verdicts = policy.NewLLMClassifier(deps.LLM, cfg.Policy.Name, cfg.Policy.Model, logger)
	}

	b, err := bus.New(
		bus.WithLogger(logger),
		bus.WithMetrics(m),
		bus.WithWorkers(cfg.Workers),
		bus.WithQueueSize(cfg.QueueSize),
	)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		bus:       b,
		transport: deps.Transport,
		logger:    logger.With("component", "pipeline"),
		metrics:   m,
		turns:     metrics.NewTurns(m, cfg.TurnHistory),
	}
	if err := p.build(deps, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(deps Deps, logger *slog.Logger) error {
	var err error
	if p.vad, err = vad.NewStage(p.bus, p.cfg.VAD, deps.Speech, vad.WithLogger(logger), vad.WithMetrics(p.metrics)); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if p.asr, err = asr.NewStage(p.bus, p.cfg.ASR, deps.Transcriber, asr.WithLogger(logger), asr.WithMetrics(p.metrics)); err != nil {
		return fmt.Errorf("asr: %w", err)
	}
	if p.responder, err = conversation.NewResponder(p.bus, p.cfg.Conversation, deps.LLM,
		conversation.WithLogger(logger), conversation.WithMetrics(p.metrics)); err != nil {
		return fmt.Errorf("conversation: %w", err)
	}
	if p.tts, err = tts.NewStage(p.bus, p.cfg.TTS, deps.TTS, tts.WithStageLogger(logger), tts.WithStageMetrics(p.metrics)); err != nil {
		return fmt.Errorf("tts: %w", err)
	}
	if p.playback, err = playback.NewStage(p.bus, p.cfg.Playback, sink{p.transport},
		playback.WithLogger(logger), playback.WithMetrics(p.metrics)); err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	if p.policy, err = policy.NewStage(p.bus, p.cfg.Policy, deps.Verdicts, policy.WithLogger(logger), policy.WithMetrics(p.metrics)); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	// tts subscribes to interrupts before playback so an interrupted
	// query's audio is never enqueued; playback subscribes to requests
	// before the policy tracker so busy state follows the scheduler.
	p.stages = []stage{
		{"vad", p.vad.Start, p.vad.Stop},
		{"asr", p.asr.Start, p.asr.Stop},
		{"conversation", p.responder.Start, p.responder.Stop},
		{"tts", p.tts.Start, p.tts.Stop},
		{"playback", p.playback.Start, p.playback.Stop},
		{"policy", p.policy.Start, p.policy.Stop},
	}

	if p.cfg.Record {
		if p.recorder, err = recorder.New(p.bus, p.cfg.Recorder, recorder.WithLogger(logger)); err != nil {
			return fmt.Errorf("recorder: %w", err)
		}
		p.stages = append(p.stages, stage{"recorder", p.recorder.Start, p.recorder.Stop})
	}
	if len(p.cfg.Watch.Dirs) > 0 {
		p.watcher, err = watch.New(p.bus, p.cfg.Watch,
			watch.WithLogger(logger),
			watch.OnEnd(p.vad.EndStream),
		)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		p.stages = append(p.stages, stage{"watch", p.watcher.Start, p.watcher.Stop})
	}
	return nil
}

// Bus returns the pipeline's bus.
func (p *Pipeline) Bus() *bus.Bus { return p.bus }

// Turns returns the turn latency tracker.
func (p *Pipeline) Turns() *metrics.Turns { return p.turns }

// Responder returns the conversation stage.
func (p *Pipeline) Responder() *conversation.Responder { return p.responder }

// Scheduler returns the playback scheduler.
func (p *Pipeline) Scheduler() *playback.Scheduler { return p.playback.Scheduler() }

// Start registers the topic catalog, starts every stage in order and
// connects the transport. If a stage fails to start, the ones already
// running are stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := events.Register(p.bus); err != nil {
		return err
	}
	subs, err := watchTurns(p.bus, p.turns)
	if err != nil {
		return err
	}
	p.subs = subs

	for _, st := range p.stages {
		if err := st.start(ctx); err != nil {
			p.stopLocked()
			return fmt.Errorf("start %s: %w", st.name, err)
		}
		p.started = append(p.started, st)
	}

	p.transport.OnFrame(func(f audioio.Frame) {
		bus.Publish(p.bus, events.FrameReceived, f)
	})
	if se, ok := p.transport.(transport.StreamEnder); ok {
		se.OnStreamEnd(p.EndStream)
	}
	p.logger.Info("pipeline started", "stages", len(p.started))
	return nil
}

// Stop disconnects the transport, stops the stages in reverse order and
// closes the bus. The transport itself is left open.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	_ = p.bus.Close()
}

func (p *Pipeline) stopLocked() {
	p.transport.OnFrame(nil)
	if se, ok := p.transport.(transport.StreamEnder); ok {
		se.OnStreamEnd(nil)
	}
	for i := len(p.started) - 1; i >= 0; i-- {
		p.started[i].stop()
	}
	p.started = nil
	for _, s := range p.subs {
		s.Revoke()
	}
	p.subs = nil
	if p.cancel != nil {
		p.cancel()
	}
}

// EndStream flushes a source's partial segment. Transports that report
// stream ends call it when a connection closes.
func (p *Pipeline) EndStream(source string) {
	p.vad.EndStream(source)
}

// sink plays through a transport, dropping frames while nothing is
// connected so pacing continues without a listener.
type sink struct {
	t transport.Transport
}

func (s sink) SendFrame(ctx context.Context, pcm []byte) error {
	if !s.t.Connected() {
		return nil
	}
	return s.t.SendFrame(ctx, pcm)
}
