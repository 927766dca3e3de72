// Package playback paces synthesized speech out to a transport one frame
// per tick, one job at a time, and supports barge-in.
//
// Interrupt advances an epoch. A job remembers the epoch it was enqueued
// in; a job from an older epoch stops at its next tick if it is playing,
// and is discarded without playing if it is still queued. Every job's
// Handle is released exactly once whichever way it ends.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// Sink receives paced PCM16 frames.
type Sink interface {
	SendFrame(ctx context.Context, pcm []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, pcm []byte) error

// SendFrame calls fn.
func (fn SinkFunc) SendFrame(ctx context.Context, pcm []byte) error { return fn(ctx, pcm) }

// Job is one buffer of audio to play.
type Job struct {
	ID         string
	QueryID    string
	Index      int
	Text       string
	Samples    []int16
	SampleRate int
}

// Duration returns the job's play time.
func (j Job) Duration() time.Duration {
	return audioio.SamplesDuration(len(j.Samples), j.SampleRate)
}

// Outcome is how a job ended.
type Outcome int

const (
	Pending Outcome = iota
	Completed
	Interrupted
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	case Discarded:
		return "discarded"
	default:
		return "pending"
	}
}

// Handle tracks an enqueued job.
type Handle struct {
	job   Job
	epoch uint64

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	sent    int
}

// Job returns the job.
func (h *Handle) Job() Job { return h.job }

// Done is closed when the job completes, is interrupted, or is discarded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the job's outcome, Pending until Done is closed.
func (h *Handle) Outcome() Outcome {
	select {
	case <-h.done:
		return h.outcome
	default:
		return Pending
	}
}

// FramesSent returns how many frames reached the sink. Valid after Done.
func (h *Handle) FramesSent() int {
	<-h.done
	return h.sent
}

// Wait blocks until the job ends or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Pending, ctx.Err()
	}
}

// Snapshot is the scheduler state at one instant.
type Snapshot struct {
	Playing   bool          `json:"playing"`
	JobID     string        `json:"job_id,omitempty"`
	QueryID   string        `json:"query_id,omitempty"`
	Text      string        `json:"text,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Expected  time.Duration `json:"expected,omitempty"`
	Queued    int           `json:"queued"`
}

// Elapsed returns how long the current job has been playing.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if !s.Playing {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Hooks observe job transitions. They run on the scheduler goroutine and
// must not block.
type Hooks struct {
	OnStart func(h *Handle, at time.Time)
	OnDone  func(h *Handle, o Outcome)
	OnIdle  func()
}

// Scheduler is a single-consumer playback queue.
type Scheduler struct {
	cfg     Config
	sink    Sink
	hooks   Hooks
	logger  *slog.Logger
	metrics metrics.Provider

	queue chan *Handle
	wake  chan struct{}

	mu        sync.Mutex
	epoch     uint64
	current   *Handle
	startedAt time.Time
	running   bool
	stopped   bool

	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics sets the metrics provider.
func WithMetrics(p metrics.Provider) Option {
	return func(s *Scheduler) { s.metrics = p }
}

// WithHooks sets the transition hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// NewScheduler creates a Scheduler writing to sink.
func NewScheduler(cfg Config, sink Sink, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		sink:    sink,
		logger:  slog.Default(),
		metrics: metrics.Noop{},
		queue:   make(chan *Handle, cfg.QueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "playback.scheduler")
	s.metrics = metrics.Or(s.metrics)
	return s, nil
}

// Start launches the playback goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	go s.loop(ctx)
}

// Stop ends playback. The current job ends Interrupted and every queued
// job Discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	running := s.running
	cancel := s.cancel
	s.mu.Unlock()

	if !running {
		close(s.done)
		return
	}
	cancel()
	<-s.done
	s.inflight.Wait()
	s.discardQueued()
}

// Enqueue adds a job behind any queued ones. It blocks while the queue is
// full, until ctx is done. Audio at another rate is resampled.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) (*Handle, error) {
	if len(job.Samples) == 0 {
		return nil, ErrEmptyJob
	}
	if job.SampleRate != s.cfg.Format.SampleRate {
		job.Samples = audioio.Resample(job.Samples, job.SampleRate, s.cfg.Format.SampleRate)
		job.SampleRate = s.cfg.Format.SampleRate
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	h := &Handle{job: job, epoch: s.epoch, done: make(chan struct{})}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.queue <- h:
		s.metrics.SetGauge(metrics.PlaybackQueue, float64(len(s.queue)))
		return h, nil
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Interrupt stops the playing job within one tick and discards every job
// enqueued before the call. Jobs enqueued afterwards play normally.
// Repeated calls are harmless.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Queued: len(s.queue)}
	if h := s.current; h != nil {
		snap.Playing = true
		snap.JobID = h.job.ID
		snap.QueryID = h.job.QueryID
		snap.Text = h.job.Text
		snap.StartedAt = s.startedAt
		snap.Expected = h.job.Duration()
	}
	return snap
}

// Playing reports whether a job is playing.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case h := <-s.queue:
			s.play(ctx, h)
			if len(s.queue) == 0 && s.hooks.OnIdle != nil {
				s.hooks.OnIdle()
			}
		case <-ctx.Done():
			s.discardQueued()
			return
		}
	}
}

func (s *Scheduler) discardQueued() {
	for {
		select {
		case h := <-s.queue:
			s.finish(h, Discarded)
		default:
			return
		}
	}
}

func (s *Scheduler) stale(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.epoch != s.epoch
}

func (s *Scheduler) play(ctx context.Context, h *Handle) {
	s.metrics.SetGauge(metrics.PlaybackQueue, float64(len(s.queue)))
	if s.stale(h) || ctx.Err() != nil {
		s.finish(h, Discarded)
		return
	}

	frames := audioio.Chop(h.job.Samples, s.cfg.Format.FrameSamples(), s.cfg.Remainder)

	now := time.Now()
	s.mu.Lock()
	s.current = h
	s.startedAt = now
	s.mu.Unlock()
	if s.hooks.OnStart != nil {
		s.hooks.OnStart(h, now)
	}
	s.logger.Debug("playing", "job", h.job.ID, "frames", len(frames), "text", h.job.Text)

	ticker := time.NewTicker(s.cfg.Format.FrameDuration)
	defer ticker.Stop()

	for i, frame := range frames {
		if i > 0 && !s.waitTick(ctx, ticker, h) {
			s.finish(h, Interrupted)
			return
		}
		if s.stale(h) {
			s.finish(h, Interrupted)
			return
		}
		if err := s.sink.SendFrame(ctx, audioio.SamplesToBytes(frame)); err != nil {
			s.logger.Warn("send frame failed", "job", h.job.ID, "error", err)
			continue
		}
		h.sent++
		s.metrics.IncCounter(metrics.FramesSent, 1)
	}
	s.finish(h, Completed)
}

// waitTick blocks until the next tick. It returns false when h was
// interrupted or ctx ended while waiting.
func (s *Scheduler) waitTick(ctx context.Context, ticker *time.Ticker, h *Handle) bool {
	for {
		select {
		case <-ticker.C:
			return !s.stale(h)
		case <-s.wake:
			if s.stale(h) {
				return false
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Scheduler) finish(h *Handle, o Outcome) {
	h.once.Do(func() {
		s.mu.Lock()
		if s.current == h {
			s.current = nil
		}
		s.mu.Unlock()

		h.outcome = o
		close(h.done)

		if o == Discarded {
			s.metrics.IncCounter(metrics.JobsDiscarded, 1)
		}
		s.logger.Debug("job done", "job", h.job.ID, "outcome", o.String(), "frames", h.sent)
		if s.hooks.OnDone != nil {
			s.hooks.OnDone(h, o)
		}
	})
}
