package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// recordingSink counts frames and records when each arrived.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	times  []time.Time
	onSend func(n int)
}

func (r *recordingSink) SendFrame(_ context.Context, pcm []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, pcm)
	r.times = append(r.times, time.Now())
	n := len(r.frames)
	hook := r.onSend
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testScheduler(t *testing.T, sink Sink, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	s, err := NewScheduler(DefaultConfig(), sink, opts...)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func oneSecond(rate int) Job {
	return Job{ID: "job", Samples: audioio.Tone(440, 0.3, time.Second, rate), SampleRate: rate}
}

func waitDone(t *testing.T, h *Handle, within time.Duration) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	o, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("job %s not done within %v", h.Job().ID, within)
	}
	return o
}

func TestSchedulerPacesOneSecond(t *testing.T) {
	sink := &recordingSink{}
	s := testScheduler(t, sink)

	start := time.Now()
	h, err := s.Enqueue(context.Background(), oneSecond(48000))
	if err != nil {
		t.Fatal(err)
	}
	if o := waitDone(t, h, 3*time.Second); o != Completed {
		t.Fatalf("outcome = %v, want completed", o)
	}
	elapsed := time.Since(start)

	if got := sink.count(); got != 50 {
		t.Errorf("sent %d frames, want 50", got)
	}
	if h.FramesSent() != 50 {
		t.Errorf("FramesSent() = %d", h.FramesSent())
	}
	// 49 ticks between 50 frames
	if elapsed < 900*time.Millisecond || elapsed > 1500*time.Millisecond {
		t.Errorf("playback took %v, want about 1s", elapsed)
	}
	for i, f := range sink.frames {
		if len(f) != 960*2 {
			t.Fatalf("frame %d has %d bytes", i, len(f))
		}
	}
}

func TestSchedulerRemainder(t *testing.T) {
	tests := []struct {
		name string
		rem  audioio.Remainder
		want int
	}{
		{"pad keeps the tail", audioio.RemainderPad, 3},
		{"drop loses the tail", audioio.RemainderDrop, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Remainder = tt.rem
			sink := &recordingSink{}
			s, err := NewScheduler(cfg, sink, WithLogger(log.Discard()))
			if err != nil {
				t.Fatal(err)
			}
			s.Start(context.Background())
			defer s.Stop()

			h, err := s.Enqueue(context.Background(), Job{ID: "j", Samples: make([]int16, 960*2+100), SampleRate: 48000})
			if err != nil {
				t.Fatal(err)
			}
			waitDone(t, h, time.Second)
			if got := sink.count(); got != tt.want {
				t.Errorf("sent %d frames, want %d", got, tt.want)
			}
		})
	}
}

func TestSchedulerResamplesOnEnqueue(t *testing.T) {
	sink := &recordingSink{}
	s := testScheduler(t, sink)

	h, err := s.Enqueue(context.Background(), Job{ID: "j", Samples: make([]int16, 2400), SampleRate: 24000})
	if err != nil {
		t.Fatal(err)
	}
	if h.Job().SampleRate != 48000 || len(h.Job().Samples) != 4800 {
		t.Errorf("job is %d samples at %d Hz", len(h.Job().Samples), h.Job().SampleRate)
	}
	waitDone(t, h, time.Second)
	if got := sink.count(); got != 5 {
		t.Errorf("sent %d frames, want 5", got)
	}
}

func TestSchedulerInterrupt(t *testing.T) {
	var s *Scheduler
	var afterInterrupt atomic.Int32
	var interrupted atomic.Bool

	sink := &recordingSink{}
	sink.onSend = func(n int) {
		if interrupted.Load() {
			afterInterrupt.Add(1)
		}
		if n == 10 {
			interrupted.Store(true)
			s.Interrupt()
		}
	}

	var doneCalls sync.Map
	s = testScheduler(t, sink, WithHooks(Hooks{
		OnDone: func(h *Handle, o Outcome) {
			v, _ := doneCalls.LoadOrStore(h.Job().ID, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
		},
	}))

	ctx := context.Background()
	first, err := s.Enqueue(ctx, oneSecond(48000))
	if err != nil {
		t.Fatal(err)
	}
	queued := make([]*Handle, 3)
	for i := range queued {
		job := oneSecond(48000)
		job.ID = string(rune('a' + i))
		if queued[i], err = s.Enqueue(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	if o := waitDone(t, first, 2*time.Second); o != Interrupted {
		t.Errorf("current job outcome = %v, want interrupted", o)
	}
	for _, h := range queued {
		if o := waitDone(t, h, time.Second); o != Discarded {
			t.Errorf("queued job %s outcome = %v, want discarded", h.Job().ID, o)
		}
	}

	if n := afterInterrupt.Load(); n != 0 {
		t.Errorf("%d frames sent after interrupt", n)
	}
	if got := sink.count(); got != 10 {
		t.Errorf("sent %d frames, want 10", got)
	}

	// a second interrupt must not release anything again
	s.Interrupt()
	time.Sleep(50 * time.Millisecond)
	doneCalls.Range(func(k, v any) bool {
		if n := v.(*atomic.Int32).Load(); n != 1 {
			t.Errorf("job %v released %d times", k, n)
		}
		return true
	})

	// jobs after the interrupt play normally
	later, err := s.Enqueue(ctx, Job{ID: "later", Samples: make([]int16, 960), SampleRate: 48000})
	if err != nil {
		t.Fatal(err)
	}
	if o := waitDone(t, later, time.Second); o != Completed {
		t.Errorf("later job outcome = %v, want completed", o)
	}
}

func TestSchedulerInterruptWithinOneTick(t *testing.T) {
	sink := &recordingSink{}
	s := testScheduler(t, sink)

	h, err := s.Enqueue(context.Background(), oneSecond(48000))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	at := time.Now()
	s.Interrupt()
	waitDone(t, h, time.Second)
	if d := time.Since(at); d > 40*time.Millisecond {
		t.Errorf("interrupt took %v, want within one tick", d)
	}
	if s.Playing() {
		t.Error("still playing after interrupt")
	}
}

func TestSchedulerStopReleasesEverything(t *testing.T) {
	sink := &recordingSink{}
	s, err := NewScheduler(DefaultConfig(), sink, WithLogger(log.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := s.Enqueue(context.Background(), oneSecond(48000))
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if o := handles[0].Outcome(); o != Interrupted {
		t.Errorf("playing job outcome = %v", o)
	}
	for _, h := range handles[1:] {
		if o := h.Outcome(); o != Discarded {
			t.Errorf("queued job outcome = %v", o)
		}
	}
	if _, err := s.Enqueue(context.Background(), oneSecond(48000)); err != ErrStopped {
		t.Errorf("Enqueue after Stop error = %v, want ErrStopped", err)
	}
	s.Stop()
}

func TestSchedulerSnapshot(t *testing.T) {
	sink := &recordingSink{}
	s := testScheduler(t, sink)

	if snap := s.Snapshot(); snap.Playing {
		t.Fatal("idle scheduler reports playing")
	}
	h, err := s.Enqueue(context.Background(), Job{ID: "j", QueryID: "q", Text: "hello", Samples: make([]int16, 48000), SampleRate: 48000})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	snap := s.Snapshot()
	if !snap.Playing || snap.JobID != "j" || snap.QueryID != "q" || snap.Text != "hello" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Expected != time.Second {
		t.Errorf("Expected = %v", snap.Expected)
	}
	if e := snap.Elapsed(time.Now()); e <= 0 || e > time.Second {
		t.Errorf("Elapsed = %v", e)
	}
	s.Interrupt()
	waitDone(t, h, time.Second)
}

func TestEnqueueErrors(t *testing.T) {
	s, err := NewScheduler(DefaultConfig(), &recordingSink{}, WithLogger(log.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(context.Background(), Job{}); err != ErrEmptyJob {
		t.Errorf("empty job error = %v", err)
	}
	if _, err := s.Enqueue(context.Background(), oneSecond(48000)); err != ErrNotStarted {
		t.Errorf("unstarted error = %v", err)
	}
	s.Stop()
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("queue_size 0 accepted")
	}
	cfg = DefaultConfig()
	cfg.Format.FrameDuration = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero frame duration accepted")
	}
}
