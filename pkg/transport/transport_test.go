package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

func TestFramer(t *testing.T) {
	f := newFramer(4)
	if out := f.push([]int16{1, 2, 3}); len(out) != 0 {
		t.Fatalf("partial push produced %d frames", len(out))
	}
	out := f.push([]int16{4, 5, 6, 7, 8, 9})
	if len(out) != 2 {
		t.Fatalf("got %d frames, want 2", len(out))
	}
	if out[0][0] != 1 || out[0][3] != 4 || out[1][0] != 5 || out[1][3] != 8 {
		t.Errorf("frames = %v", out)
	}
	if len(f.buf) != 1 || f.buf[0] != 9 {
		t.Errorf("leftover = %v", f.buf)
	}
	f.reset()
	if len(f.buf) != 0 {
		t.Error("reset kept samples")
	}
}

type frameLog struct {
	mu     sync.Mutex
	frames []audioio.Frame
}

func (l *frameLog) add(f audioio.Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, f)
	l.mu.Unlock()
}

func (l *frameLog) all() []audioio.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audioio.Frame(nil), l.frames...)
}

func TestLoopbackFeed(t *testing.T) {
	lb := NewLoopback("mic", audioio.DefaultInputFormat())
	var got frameLog
	lb.OnFrame(got.add)

	start := time.Unix(100, 0)
	n := lb.Feed(make([]int16, 320*2+10), start)
	if n != 3 {
		t.Fatalf("Feed delivered %d frames, want 3", n)
	}
	frames := got.all()
	for i, f := range frames {
		if f.Source != "mic" || f.SampleRate != 16000 || len(f.Samples) != 320 {
			t.Errorf("frame %d = %s %d Hz %d samples", i, f.Source, f.SampleRate, len(f.Samples))
		}
		if want := start.Add(time.Duration(i) * 20 * time.Millisecond); !f.Timestamp.Equal(want) {
			t.Errorf("frame %d at %v, want %v", i, f.Timestamp, want)
		}
	}

	lb.Inject(audioio.Frame{Samples: []int16{1}, SampleRate: 16000})
	if frames := got.all(); frames[len(frames)-1].Source != "mic" {
		t.Error("Inject did not default the source")
	}
}

func TestLoopbackSend(t *testing.T) {
	lb := NewLoopback("mic", audioio.DefaultInputFormat())
	var hooked int
	lb.OnSend(func([]byte) { hooked++ })

	pcm := []byte{1, 2, 3, 4}
	if err := lb.SendFrame(context.Background(), pcm); err != nil {
		t.Fatal(err)
	}
	pcm[0] = 9
	if sent := lb.Sent(); len(sent) != 1 || sent[0][0] != 1 {
		t.Errorf("Sent = %v, frame must be copied", sent)
	}
	if hooked != 1 {
		t.Errorf("hook called %d times", hooked)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := lb.SendFrame(ctx, pcm); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled send error = %v", err)
	}

	lb.Close()
	if lb.Connected() {
		t.Error("connected after Close")
	}
	if err := lb.SendFrame(context.Background(), pcm); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close error = %v", err)
	}
	if lb.SentCount() != 1 {
		t.Errorf("SentCount = %d", lb.SentCount())
	}
}

func TestLoopbackKeep(t *testing.T) {
	lb := NewLoopback("mic", audioio.DefaultInputFormat())
	lb.Keep(3)
	for i := 0; i < 10; i++ {
		if err := lb.SendFrame(context.Background(), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sent := lb.Sent()
	if len(sent) != 3 || sent[0][0] != 7 || sent[2][0] != 9 {
		t.Errorf("Sent = %v, want the last 3 frames", sent)
	}
}

func TestStreamEnd(t *testing.T) {
	a := NewLoopback("a", audioio.DefaultInputFormat())
	b := NewLoopback("b", audioio.DefaultInputFormat())
	m := Multi{a, b}

	var mu sync.Mutex
	var ended []string
	m.OnStreamEnd(func(source string) {
		mu.Lock()
		ended = append(ended, source)
		mu.Unlock()
	})
	b.End()
	a.End()

	mu.Lock()
	got := append([]string(nil), ended...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("ended = %v", got)
	}

	m.OnStreamEnd(nil)
	a.End()
	if len(ended) != 2 {
		t.Error("cleared handler still called")
	}
}

func TestMulti(t *testing.T) {
	a := NewLoopback("a", audioio.DefaultInputFormat())
	b := NewLoopback("b", audioio.DefaultInputFormat())
	m := Multi{a, b}

	var got frameLog
	m.OnFrame(got.add)
	a.Feed(make([]int16, 320), time.Now())
	b.Feed(make([]int16, 320), time.Now())
	if frames := got.all(); len(frames) != 2 || frames[0].Source != "a" || frames[1].Source != "b" {
		t.Errorf("frames = %+v", frames)
	}

	b.Close()
	if err := m.SendFrame(context.Background(), []byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	if a.SentCount() != 1 || b.SentCount() != 0 {
		t.Errorf("sent a=%d b=%d", a.SentCount(), b.SentCount())
	}
	if !m.Connected() {
		t.Error("Multi with one open transport not connected")
	}

	m.Close()
	if m.Connected() {
		t.Error("connected after Close")
	}
	if err := m.SendFrame(context.Background(), []byte{0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send with nothing connected error = %v", err)
	}
}
