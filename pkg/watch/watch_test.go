package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

// frameLog collects published frames and stream ends.
type frameLog struct {
	mu     sync.Mutex
	frames []audioio.Frame
	ends   []string
}

func (l *frameLog) frame(f audioio.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) end(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ends = append(l.ends, source)
}

func (l *frameLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames), len(l.ends)
}

func newWatcher(t *testing.T, cfg Config) (*Watcher, *frameLog) {
	t.Helper()
	b, err := bus.New(bus.WithLogger(log.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, events.Register(b))

	fl := &frameLog{}
	_, err = bus.Subscribe(b, events.FrameReceived, fl.frame)
	require.NoError(t, err)

	w, err := New(b, cfg, WithLogger(log.Discard()), OnEnd(fl.end))
	require.NoError(t, err)
	return w, fl
}

func TestProcessResamplesAndChops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.wav")
	require.NoError(t, audioio.SaveWAV(path, audioio.Tone(440, 0.3, time.Second, 8000), 8000))

	w, fl := newWatcher(t, DefaultConfig())
	require.NoError(t, w.Process(path))

	frames, ends := fl.counts()
	assert.Equal(t, 50, frames)
	assert.Equal(t, 1, ends)
	for _, f := range fl.frames {
		assert.Equal(t, DefaultSource, f.Source)
		assert.Equal(t, 16000, f.SampleRate)
		assert.Len(t, f.Samples, 320)
	}
	assert.Equal(t, 20*time.Millisecond, fl.frames[1].Timestamp.Sub(fl.frames[0].Timestamp))
	assert.Equal(t, []string{DefaultSource}, fl.ends)
}

func TestProcessErrors(t *testing.T) {
	dir := t.TempDir()
	w, _ := newWatcher(t, DefaultConfig())

	err := w.Process(filepath.Join(dir, "song.mp3"))
	assert.True(t, errors.Is(err, ErrUnsupported), "err = %v", err)

	bad := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(bad, []byte("not a wav file"), 0o644))
	assert.Error(t, w.Process(bad))
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))

	cfg := DefaultConfig()
	cfg.Settle = 20 * time.Millisecond
	cfg.Dirs = []Dir{
		{Path: root, Recursive: true},
		{Path: filepath.Join(root, "missing")},
	}
	w, fl := newWatcher(t, cfg)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, audioio.SaveWAV(filepath.Join(sub, "a.wav"), make([]int16, 1600), 16000))

	require.Eventually(t, func() bool {
		_, ends := fl.counts()
		return ends == 1
	}, 3*time.Second, 10*time.Millisecond)

	frames, _ := fl.counts()
	assert.Equal(t, 5, frames)
}

func TestExtensions(t *testing.T) {
	exts := normalize([]string{"WAV", ".flac"})
	assert.Equal(t, []string{".wav", ".flac"}, exts)
	assert.True(t, matches("/x/a.Wav", exts))
	assert.False(t, matches("/x/a.mp3", exts))
	assert.Equal(t, []string{".wav"}, normalize(nil))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.Source = ""
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.Dirs = []Dir{{}}
	assert.Error(t, cfg.Validate())
}
