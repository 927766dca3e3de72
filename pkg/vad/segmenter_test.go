package vad

import (
	"testing"
	"time"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// markClassifier treats a frame whose first sample is positive as speech.
var markClassifier = ClassifierFunc(func(f audioio.Frame) (float64, error) {
	if len(f.Samples) == 0 {
		return 0, ErrEmptyFrame
	}
	if f.Samples[0] > 0 {
		return 1, nil
	}
	return 0, nil
})

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// pattern builds frames from a string of 's' (speech) and '.' (silence).
// Each frame's first sample holds its 1-based index, negated for silence.
func pattern(source, p string) []audioio.Frame {
	frames := make([]audioio.Frame, 0, len(p))
	for i, c := range p {
		v := int16(i + 1)
		if c != 's' {
			v = -v
		}
		frames = append(frames, audioio.Frame{
			Source:     source,
			Samples:    []int16{v, 0, 0, 0},
			SampleRate: 200,
			Timestamp:  epoch.Add(time.Duration(i) * 20 * time.Millisecond),
		})
	}
	return frames
}

func index(f audioio.Frame) int {
	v := int(f.Samples[0])
	if v < 0 {
		return -v
	}
	return v
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PreRollFrames = 2
	cfg.MinSpeechFrames = 3
	cfg.HangoverFrames = 2
	return cfg
}

func feed(s *Segmenter, frames []audioio.Frame) []audioio.Segment {
	var out []audioio.Segment
	for _, f := range frames {
		if seg, ok := s.Push(f); ok {
			out = append(out, seg)
		}
	}
	return out
}

func indices(seg audioio.Segment) []int {
	out := make([]int, len(seg.Frames))
	for i, f := range seg.Frames {
		out[i] = index(f)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSegmenter(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    [][]int
	}{
		{
			name:    "silence only",
			pattern: "..........",
		},
		{
			name:    "run too short",
			pattern: "..ss......",
		},
		{
			name:    "one utterance with preroll",
			pattern: "...sssss..",
			// frames 2,3 are pre-roll; two silences close it
			want: [][]int{{2, 3, 4, 5, 6, 7, 8, 9, 10}},
		},
		{
			name:    "short run becomes preroll",
			pattern: ".ss.sss..",
			// preroll ring holds the last 2 frames before the run: 3 and 4
			want: [][]int{{3, 4, 5, 6, 7, 8, 9}},
		},
		{
			name:    "single silence does not close",
			pattern: "sss.sss..",
			want:    [][]int{{1, 2, 3, 4, 5, 6, 7, 8, 9}},
		},
		{
			name:    "two utterances",
			pattern: "sss..sss..",
			want:    [][]int{{1, 2, 3, 4, 5}, {6, 7, 8, 9, 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSegmenter(testConfig(), markClassifier, log.Discard())
			segs := feed(s, pattern("mic", tt.pattern))
			if len(segs) != len(tt.want) {
				t.Fatalf("got %d segments, want %d", len(segs), len(tt.want))
			}
			for i, seg := range segs {
				if got := indices(seg); !equalInts(got, tt.want[i]) {
					t.Errorf("segment %d = %v, want %v", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestSegmenterSegmentMetadata(t *testing.T) {
	s := NewSegmenter(testConfig(), markClassifier, log.Discard())
	frames := pattern("mic", "sss..")
	segs := feed(s, frames)
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	seg := segs[0]
	if seg.Source != "mic" {
		t.Errorf("Source = %q", seg.Source)
	}
	if seg.SampleRate != 200 {
		t.Errorf("SampleRate = %d", seg.SampleRate)
	}
	if !seg.Start.Equal(frames[0].Timestamp) {
		t.Errorf("Start = %v, want %v", seg.Start, frames[0].Timestamp)
	}
	wantEnd := frames[4].Timestamp.Add(20 * time.Millisecond)
	if !seg.End.Equal(wantEnd) {
		t.Errorf("End = %v, want %v", seg.End, wantEnd)
	}
	if s.State() != Idle {
		t.Errorf("State = %v after close", s.State())
	}
}

func TestSegmenterSpeechAtStartAndEnd(t *testing.T) {
	// every emitted segment starts no later than its first speech frame and
	// ends with exactly HangoverFrames silences
	cfg := testConfig()
	s := NewSegmenter(cfg, markClassifier, log.Discard())
	for _, seg := range feed(s, pattern("mic", "..sss..sssss...ss.sss..")) {
		n := len(seg.Frames)
		for i := n - cfg.HangoverFrames; i < n; i++ {
			if seg.Frames[i].Samples[0] > 0 {
				t.Errorf("trailing frame %d is speech", index(seg.Frames[i]))
			}
		}
		speech := 0
		for _, f := range seg.Frames {
			if f.Samples[0] > 0 {
				speech++
			}
		}
		if speech < cfg.MinSpeechFrames {
			t.Errorf("segment has %d speech frames, want >= %d", speech, cfg.MinSpeechFrames)
		}
	}
}

func TestSegmenterFlush(t *testing.T) {
	t.Run("emit", func(t *testing.T) {
		s := NewSegmenter(testConfig(), markClassifier, log.Discard())
		if segs := feed(s, pattern("mic", ".ssss")); len(segs) != 0 {
			t.Fatalf("unexpected segment before flush")
		}
		seg, ok := s.Flush()
		if !ok {
			t.Fatal("Flush() emitted nothing")
		}
		if got, want := indices(seg), []int{1, 2, 3, 4, 5}; !equalInts(got, want) {
			t.Errorf("segment = %v, want %v", got, want)
		}
	})

	t.Run("drop", func(t *testing.T) {
		cfg := testConfig()
		cfg.Flush = FlushDrop
		s := NewSegmenter(cfg, markClassifier, log.Discard())
		feed(s, pattern("mic", ".ssss"))
		if _, ok := s.Flush(); ok {
			t.Fatal("Flush() emitted a segment under drop policy")
		}
		if s.State() != Idle {
			t.Errorf("State = %v", s.State())
		}
	})

	t.Run("idle", func(t *testing.T) {
		s := NewSegmenter(testConfig(), markClassifier, log.Discard())
		feed(s, pattern("mic", "..ss"))
		if _, ok := s.Flush(); ok {
			t.Fatal("Flush() emitted while idle")
		}
	})
}

func TestSegmenterClassifierError(t *testing.T) {
	s := NewSegmenter(testConfig(), markClassifier, log.Discard())
	for i := 0; i < 10; i++ {
		if _, ok := s.Push(audioio.Frame{Source: "mic"}); ok {
			t.Fatal("empty frames produced a segment")
		}
	}
	if s.State() != Idle {
		t.Errorf("State = %v", s.State())
	}
}

func TestEnergyClassifier(t *testing.T) {
	c := NewEnergyClassifier()
	tests := []struct {
		name string
		amp  int16
		want float64
	}{
		{"silent", 0, 0},
		{"loud", 16000, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]int16, 320)
			for i := range samples {
				samples[i] = tt.amp
			}
			p, err := c.Probability(audioio.Frame{Samples: samples})
			if err != nil {
				t.Fatal(err)
			}
			if p != tt.want {
				t.Errorf("Probability = %v, want %v", p, tt.want)
			}
		})
	}

	if _, err := c.Probability(audioio.Frame{}); err != ErrEmptyFrame {
		t.Errorf("empty frame error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"threshold high", func(c *Config) { c.Threshold = 1.5 }, true},
		{"no min speech", func(c *Config) { c.MinSpeechFrames = 0 }, true},
		{"no hangover", func(c *Config) { c.HangoverFrames = 0 }, true},
		{"bad flush", func(c *Config) { c.Flush = "keep" }, true},
		{"no sources", func(c *Config) { c.MaxSources = 0 }, true},
		{"zero preroll", func(c *Config) { c.PreRollFrames = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
