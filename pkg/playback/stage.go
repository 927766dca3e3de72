package playback

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

// Stage connects a Scheduler to the bus. It plays events.PlaybackRequested,
// obeys events.InterruptIssued and reports transitions on
// events.PlaybackChanged.
type Stage struct {
	bus       *bus.Bus
	scheduler *Scheduler
	logger    *slog.Logger
	subs      []*bus.Subscription
	ctx       context.Context
}

// NewStage creates the playback stage. opts apply to the scheduler; the
// stage installs its own hooks.
func NewStage(b *bus.Bus, cfg Config, sink Sink, opts ...Option) (*Stage, error) {
	st := &Stage{bus: b}
	opts = append(opts, WithHooks(Hooks{
		OnStart: st.onStart,
		OnDone:  st.onDone,
		OnIdle:  st.onIdle,
	}))
	sched, err := NewScheduler(cfg, sink, opts...)
	if err != nil {
		return nil, err
	}
	st.scheduler = sched
	st.logger = sched.logger.With("component", "playback.stage")
	return st, nil
}

// Scheduler returns the underlying scheduler.
func (st *Stage) Scheduler() *Scheduler { return st.scheduler }

// Start registers the status service, subscribes and starts playback.
func (st *Stage) Start(ctx context.Context) error {
	st.ctx = ctx
	if err := st.bus.RegisterService(events.OwnerPlayback, events.ServiceStatus, st.status, bus.Sync); err != nil {
		return err
	}
	st.scheduler.Start(ctx)

	req, err := bus.Subscribe(st.bus, events.PlaybackRequested, st.onRequest)
	if err != nil {
		return err
	}
	intr, err := bus.Subscribe(st.bus, events.InterruptIssued, st.onInterrupt)
	if err != nil {
		req.Revoke()
		return err
	}
	st.subs = []*bus.Subscription{req, intr}
	return nil
}

// Stop revokes subscriptions and stops the scheduler.
func (st *Stage) Stop() {
	for _, s := range st.subs {
		s.Revoke()
	}
	st.scheduler.Stop()
	st.bus.UnregisterService(events.OwnerPlayback, events.ServiceStatus)
}

func (st *Stage) onRequest(r events.PlaybackRequest) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := st.scheduler.Enqueue(st.ctx, Job{
		ID:         id,
		QueryID:    r.QueryID,
		Index:      r.Index,
		Text:       r.Text,
		Samples:    r.Samples,
		SampleRate: r.SampleRate,
	})
	if err != nil {
		st.logger.Warn("dropping playback request", "job", id, "query", r.QueryID, "error", err)
		bus.Publish(st.bus, events.PlaybackChanged, events.PlaybackStatus{
			State:   events.PlaybackDiscarded,
			JobID:   id,
			QueryID: r.QueryID,
			Text:    r.Text,
			At:      time.Now(),
		})
	}
}

func (st *Stage) onInterrupt(i events.Interrupt) {
	st.logger.Info("interrupting playback", "cause", i.CauseID, "target", i.TargetID)
	st.scheduler.Interrupt()
}

func (st *Stage) onStart(h *Handle, at time.Time) {
	bus.Publish(st.bus, events.PlaybackChanged, events.PlaybackStatus{
		State:    events.PlaybackStarted,
		JobID:    h.job.ID,
		QueryID:  h.job.QueryID,
		Text:     h.job.Text,
		Expected: h.job.Duration(),
		At:       at,
	})
}

func (st *Stage) onDone(h *Handle, o Outcome) {
	state := events.PlaybackFinished
	switch o {
	case Interrupted:
		state = events.PlaybackInterrupted
	case Discarded:
		state = events.PlaybackDiscarded
	}
	bus.Publish(st.bus, events.PlaybackChanged, events.PlaybackStatus{
		State:   state,
		JobID:   h.job.ID,
		QueryID: h.job.QueryID,
		Text:    h.job.Text,
		At:      time.Now(),
	})
}

func (st *Stage) onIdle() {
	bus.Publish(st.bus, events.PlaybackChanged, events.PlaybackStatus{
		State: events.PlaybackIdle,
		At:    time.Now(),
	})
}

func (st *Stage) status(ctx context.Context, args ...any) (any, error) {
	return st.scheduler.Snapshot(), nil
}
