// Package conversation streams language model replies for accepted
// queries and splits them into sentences for synthesis.
package conversation

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
	"github.com/teslashibe/go-voicebus/pkg/sentence"
)

// Responder runs one reply at a time. It consumes events.QueryAccepted and
// events.InterruptIssued and publishes events.SentenceReady and
// events.StreamChanged.
type Responder struct {
	bus      *bus.Bus
	cfg      Config
	provider inference.Provider
	history  *History
	logger   *slog.Logger
	metrics  metrics.Provider

	in   chan events.Query
	subs []*bus.Subscription

	mu          sync.Mutex
	current     string
	cancel      context.CancelFunc
	interrupted *lru.Cache[string, struct{}]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the responder logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) { r.logger = l }
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(r *Responder) { r.metrics = p }
}

// NewResponder creates a responder streaming from provider.
func NewResponder(b *bus.Bus, cfg Config, provider inference.Provider, opts ...Option) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interrupted, err := lru.New[string, struct{}](cfg.InterruptMemory)
	if err != nil {
		return nil, err
	}
	r := &Responder{
		bus:         b,
		cfg:         cfg,
		provider:    provider,
		history:     NewHistory(cfg.Prompt(), cfg.HistoryLimit),
		logger:      slog.Default(),
		metrics:     metrics.Noop{},
		in:          make(chan events.Query, cfg.QueueSize),
		interrupted: interrupted,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "conversation.responder")
	r.metrics = metrics.Or(r.metrics)
	return r, nil
}

// History returns the conversation history.
func (r *Responder) History() *History { return r.history }

// Start registers the history service, subscribes and starts the reply loop.
func (r *Responder) Start(ctx context.Context) error {
	if err := r.bus.RegisterService(events.OwnerConversation, events.ServiceHistory, r.serveHistory, bus.Sync); err != nil {
		return err
	}
	accepted, err := bus.Subscribe(r.bus, events.QueryAccepted, r.onQuery)
	if err != nil {
		r.bus.UnregisterService(events.OwnerConversation, events.ServiceHistory)
		return err
	}
	interrupts, err := bus.Subscribe(r.bus, events.InterruptIssued, r.onInterrupt)
	if err != nil {
		accepted.Revoke()
		r.bus.UnregisterService(events.OwnerConversation, events.ServiceHistory)
		return err
	}
	r.subs = []*bus.Subscription{accepted, interrupts}

	go r.loop(ctx)
	r.logger.Info("responder started", "model", r.cfg.Model, "history_limit", r.cfg.HistoryLimit)
	return nil
}

// Stop revokes subscriptions, interrupts the reply in progress and waits
// for it to finish.
func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		for _, sub := range r.subs {
			sub.Revoke()
		}
		close(r.stop)
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Unlock()
	})
	<-r.done
	r.bus.UnregisterService(events.OwnerConversation, events.ServiceHistory)
}

// Interrupt cancels the reply to queryID, or remembers queryID so its
// reply never starts. An empty queryID cancels whatever is streaming.
func (r *Responder) Interrupt(queryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if queryID != "" && queryID != r.current {
		r.interrupted.Add(queryID, struct{}{})
		return
	}
	if r.cancel != nil {
		r.logger.Info("interrupting stream", "query_id", r.current)
		r.cancel()
	}
}

func (r *Responder) onQuery(q events.Query) {
	select {
	case r.in <- q:
	case <-r.stop:
	}
}

func (r *Responder) onInterrupt(i events.Interrupt) {
	r.Interrupt(i.TargetID)
}

func (r *Responder) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case q := <-r.in:
			r.respond(ctx, q)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// begin makes q current. It reports false when q was interrupted before
// its turn.
func (r *Responder) begin(ctx context.Context, q events.Query) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interrupted.Contains(q.ID) {
		r.interrupted.Remove(q.ID)
		return nil, false
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StreamTimeout)
	r.current = q.ID
	r.cancel = cancel
	return sctx, true
}

func (r *Responder) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.current = ""
	r.cancel = nil
}

func (r *Responder) respond(ctx context.Context, q events.Query) {
	logger := r.logger.With("query_id", q.ID)

	sctx, ok := r.begin(ctx, q)
	if !ok {
		logger.Info("skipping interrupted query")
		r.publishStatus(q.ID, events.StreamInterrupted, "")
		return
	}
	defer r.end()

	r.history.Append(inference.NewUserMessage(q.Text))
	r.publishStatus(q.ID, events.StreamStarted, "")
	logger.Info("streaming reply", "text", q.Text)

	stream, err := r.provider.Stream(sctx, &inference.ChatRequest{
		Messages:    r.history.Messages(),
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Stop:        r.cfg.Stop,
	})
	if err != nil {
		if sctx.Err() != nil && ctx.Err() == nil {
			r.finish(q.ID, &sentence.Response{Status: sentence.StatusInterrupted})
			return
		}
		logger.Error("stream failed to start", "error", err)
		r.finish(q.ID, &sentence.Response{Status: sentence.StatusFailed, Err: err})
		return
	}

	index := 0
	resp := sentence.Consume(sctx, tokenStream{s: stream}, sentence.NewBuffer(r.cfg.Breaks), func(text string) {
		r.metrics.IncCounter(metrics.SentencesEmitted, 1)
		logger.Debug("sentence", "index", index, "text", text)
		bus.Publish(r.bus, events.SentenceReady, events.Sentence{QueryID: q.ID, Index: index, Text: text})
		index++
	})
	if resp.Status == sentence.StatusFailed {
		logger.Error("stream failed", "error", resp.Err)
	}
	r.finish(q.ID, resp)
}

// finish records the reply in the history and publishes its terminal state.
func (r *Responder) finish(queryID string, resp *sentence.Response) {
	switch resp.Status {
	case sentence.StatusCompleted:
		if text := resp.Text(); text != "" {
			r.history.Append(inference.NewAssistantMessage(text))
		}
		r.publishStatus(queryID, events.StreamCompleted, resp.Text())
	case sentence.StatusInterrupted:
		if spoken := resp.Spoken(); spoken != "" {
			r.history.Append(inference.NewAssistantMessage(spoken))
		}
		r.history.Append(inference.NewSystemMessage(r.cfg.InterruptedNote()))
		r.publishStatus(queryID, events.StreamInterrupted, resp.Spoken())
	default:
		r.publishStatus(queryID, events.StreamFailed, "")
	}
	r.metrics.IncCounter(metrics.ResponsesFinished, 1)
	r.logger.Info("reply finished",
		"query_id", queryID,
		"status", resp.Status.String(),
		"tokens", len(resp.Tokens),
		"sentences", len(resp.Sentences),
	)
}

func (r *Responder) publishStatus(queryID string, state events.StreamState, text string) {
	bus.Publish(r.bus, events.StreamChanged, events.StreamStatus{QueryID: queryID, State: state, Text: text})
}

func (r *Responder) serveHistory(ctx context.Context, args ...any) (any, error) {
	return r.history.Messages(), nil
}
