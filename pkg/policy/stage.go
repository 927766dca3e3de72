package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Stage runs the policy on the bus. It consumes events.QueryTranscribed and
// the pipeline's status topics and publishes events.InterruptIssued and
// events.QueryAccepted. Classification goes through the async service
// policy/classify so a slow model never blocks a publisher.
type Stage struct {
	bus        *bus.Bus
	cfg        Config
	policy     *Policy
	classifier Classifier
	logger     *slog.Logger
	metrics    metrics.Provider

	in   chan events.Query
	subs []*bus.Subscription

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
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

// NewStage creates a policy stage. classifier backs the policy/classify
// service.
func NewStage(b *bus.Bus, cfg Config, classifier Classifier, opts ...StageOption) (*Stage, error) {
	s := &Stage{
		bus:        b,
		cfg:        cfg,
		classifier: classifier,
		logger:     slog.Default(),
		metrics:    metrics.Noop{},
		in:         make(chan events.Query, max(cfg.QueueSize, 1)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "policy.stage")
	s.metrics = metrics.Or(s.metrics)

	p, err := New(cfg, NewTracker(), ClassifierFunc(s.classifyViaBus))
	if err != nil {
		return nil, err
	}
	s.policy = p
	return s, nil
}

// Policy returns the stage's policy.
func (s *Stage) Policy() *Policy { return s.policy }

// Start registers the classify service, subscribes and starts the decision
// loop.
func (s *Stage) Start(ctx context.Context) error {
	if err := s.bus.RegisterService(events.OwnerPolicy, events.ServiceClassify, s.serveClassify, bus.Async); err != nil {
		return err
	}

	t := s.policy.Tracker()
	subscribe := []func() (*bus.Subscription, error){
		func() (*bus.Subscription, error) { return bus.Subscribe(s.bus, events.QueryTranscribed, s.onQuery) },
		func() (*bus.Subscription, error) { return bus.Subscribe(s.bus, events.StreamChanged, t.OnStream) },
		func() (*bus.Subscription, error) { return bus.Subscribe(s.bus, events.SynthesisChanged, t.OnSynthesis) },
		func() (*bus.Subscription, error) { return bus.Subscribe(s.bus, events.PlaybackRequested, t.OnRequested) },
		func() (*bus.Subscription, error) { return bus.Subscribe(s.bus, events.PlaybackChanged, t.OnPlayback) },
	}
	for _, sub := range subscribe {
		h, err := sub()
		if err != nil {
			s.revoke()
			s.bus.UnregisterService(events.OwnerPolicy, events.ServiceClassify)
			return err
		}
		s.subs = append(s.subs, h)
	}

	go s.loop(ctx)
	s.logger.Info("policy started",
		"min_confidence", s.cfg.MinConfidence,
		"languages", s.cfg.Languages,
		"classify_timeout", s.cfg.ClassifyTimeout,
	)
	return nil
}

// Stop revokes subscriptions and waits for the decision in progress.
func (s *Stage) Stop() {
	s.stopOnce.Do(func() {
		s.revoke()
		close(s.stop)
	})
	<-s.done
	s.bus.UnregisterService(events.OwnerPolicy, events.ServiceClassify)
}

func (s *Stage) revoke() {
	for _, sub := range s.subs {
		sub.Revoke()
	}
}

func (s *Stage) onQuery(q events.Query) {
	select {
	case s.in <- q:
	case <-s.stop:
	}
}

func (s *Stage) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case q := <-s.in:
			s.handle(ctx, q)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stage) handle(ctx context.Context, q events.Query) {
	d := s.policy.Decide(ctx, q)
	logger := s.logger.With("query_id", q.ID, "text", q.Text, "outcome", d.Outcome.String())

	switch d.Outcome {
	case Dropped:
		s.metrics.IncCounter(metrics.QueriesDropped, 1)
		logger.Info("query dropped", "reason", d.Reason)
		return
	case Discarded:
		s.metrics.IncCounter(metrics.QueriesDiscarded, 1)
		logger.Info("query discarded", "reason", d.Reason, "previous_id", d.Target)
		return
	case Interrupted:
		s.metrics.IncCounter(metrics.Interrupts, 1)
		logger.Info("interrupting", "reason", d.Reason, "target_id", d.Target)
		bus.Publish(s.bus, events.InterruptIssued, events.Interrupt{
			CauseID:  q.ID,
			TargetID: d.Target,
			At:       time.Now(),
		})
	default:
		logger.Debug("query accepted")
	}

	s.policy.Tracker().Accept(q)
	s.metrics.IncCounter(metrics.QueriesAccepted, 1)
	bus.Publish(s.bus, events.QueryAccepted, q)
}

// classifyViaBus is the policy's classifier: it calls policy/classify and
// cancels the call when ctx ends first.
func (s *Stage) classifyViaBus(ctx context.Context, in Input) (Verdict, error) {
	_, fut, err := s.bus.CallAsync(ctx, events.OwnerPolicy, events.ServiceClassify, in.Previous, in.Current, in.Progress)
	if err != nil {
		return Verdict{Action: Discard}, err
	}
	v, err := bus.Await[Verdict](ctx, fut)
	if err != nil {
		fut.Cancel()
		return Verdict{Action: Discard}, err
	}
	return v, nil
}

func (s *Stage) serveClassify(ctx context.Context, args ...any) (any, error) {
	if s.classifier == nil {
		return Verdict{Action: Discard, Reason: "no classifier"}, nil
	}
	var in Input
	var err error
	if in.Previous, err = bus.Arg[string](args, 0); err != nil {
		return nil, err
	}
	if in.Current, err = bus.Arg[string](args, 1); err != nil {
		return nil, err
	}
	if in.Progress, err = bus.Arg[string](args, 2); err != nil {
		return nil, err
	}
	v, err := s.classifier.Classify(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("policy: classify: %w", err)
	}
	return v, nil
}
