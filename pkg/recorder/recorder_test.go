package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

func segment(source string, start time.Time, frames int) audioio.Segment {
	seg := audioio.Segment{Source: source, Start: start, SampleRate: 16000}
	for i := 0; i < frames; i++ {
		seg.Frames = append(seg.Frames, audioio.Frame{
			Source:     source,
			Samples:    audioio.Tone(440, 0.2, 20*time.Millisecond, 16000),
			SampleRate: 16000,
			Timestamp:  start.Add(time.Duration(i) * 20 * time.Millisecond),
		})
	}
	seg.End = start.Add(time.Duration(frames) * 20 * time.Millisecond)
	return seg
}

func TestRecorderWritesSegments(t *testing.T) {
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, events.Register(b))

	cfg := DefaultConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "recordings")
	saved := make(chan string, 2)
	r, err := New(b, cfg, WithLogger(log.Discard()), OnSaved(func(p string) { saved <- p }))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	start := time.UnixMilli(1700000000123)
	bus.Publish(b, events.SpeechDetected, segment("user/1", start, 10))

	var path string
	select {
	case path = <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("segment not saved")
	}
	r.Stop()

	assert.Equal(t, filepath.Join(cfg.Dir, "user_1-1700000000123.wav"), path)
	samples, rate, err := audioio.LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Len(t, samples, 3200)
	assert.EqualValues(t, 1, r.Written())

	// nothing is recorded after Stop
	bus.Publish(b, events.SpeechDetected, segment("user", start, 2))
	assert.EqualValues(t, 1, r.Written())
}

func TestRecorderSkipsEmptySegments(t *testing.T) {
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, events.Register(b))

	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	r, err := New(b, cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	bus.Publish(b, events.SpeechDetected, audioio.Segment{Source: "mic", Start: time.Now(), SampleRate: 16000})
	r.Stop()

	matches, _ := filepath.Glob(filepath.Join(cfg.Dir, "*.wav"))
	assert.Empty(t, matches)
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"":          "unknown",
		"mic":       "mic",
		"../etc":    ".._etc",
		"rtc-ab12":  "rtc-ab12",
		"user name": "user_name",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeName(in), "safeName(%q)", in)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.Dir = ""
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.QueueSize = 0
	assert.Error(t, cfg.Validate())
}
