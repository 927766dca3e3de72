// Package watch turns audio files dropped into watched directories into a
// frame source. Each new WAV file is decoded, resampled to the pipeline
// rate, chopped into frames and published on events.FrameReceived.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

// DefaultSource is the frame source name of watched files.
const DefaultSource = "watch"

// ErrUnsupported is returned for audio files that cannot be decoded.
var ErrUnsupported = errors.New("watch: unsupported audio format")

// Dir is one watched directory.
type Dir struct {
	Path       string   `mapstructure:"path"`
	Recursive  bool     `mapstructure:"recursive"`
	Extensions []string `mapstructure:"extensions"`
}

// Config holds watcher configuration.
type Config struct {
	Dirs []Dir `mapstructure:"dirs"`

	// Settle is how long a file must go without writes before it is read.
	Settle time.Duration `mapstructure:"settle"`

	// Source names the frames published for watched files.
	Source string `mapstructure:"source"`
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		Settle: 250 * time.Millisecond,
		Source: DefaultSource,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Settle < 0 {
		return fmt.Errorf("watch: settle must be >= 0, got %v", c.Settle)
	}
	if c.Source == "" {
		return fmt.Errorf("watch: source is required")
	}
	for i, d := range c.Dirs {
		if d.Path == "" {
			return fmt.Errorf("watch: dirs[%d].path is required", i)
		}
	}
	return nil
}

// Watcher feeds audio files from watched directories onto the bus.
type Watcher struct {
	bus    *bus.Bus
	cfg    Config
	format audioio.Format
	logger *slog.Logger
	onEnd  func(source string)

	fsw   *fsnotify.Watcher
	dirs  map[string]watched
	ready chan string

	mu      sync.Mutex
	pending map[string]*time.Timer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type watched struct {
	exts      []string
	recursive bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithFormat sets the frame format published. The default is the
// pipeline input format.
func WithFormat(f audioio.Format) Option {
	return func(w *Watcher) { w.format = f }
}

// OnEnd registers fn to be called after each file's last frame, so the
// segmenter can flush the source.
func OnEnd(fn func(source string)) Option {
	return func(w *Watcher) { w.onEnd = fn }
}

// New creates a watcher on b.
func New(b *bus.Bus, cfg Config, opts ...Option) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Watcher{
		bus:     b,
		cfg:     cfg,
		format:  audioio.DefaultInputFormat(),
		logger:  slog.Default(),
		dirs:    make(map[string]watched),
		ready:   make(chan string, 64),
		pending: make(map[string]*time.Timer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.format.Validate(); err != nil {
		return nil, err
	}
	w.logger = w.logger.With("component", "watch")
	return w, nil
}

// Start adds the configured directories and starts watching. Missing
// directories are skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	w.fsw = fsw

	for _, d := range w.cfg.Dirs {
		exts := normalize(d.Extensions)
		root := filepath.Clean(d.Path)
		if _, err := os.Stat(root); err != nil {
			w.logger.Warn("directory not found", "path", root)
			continue
		}
		if !d.Recursive {
			if err := w.add(root, exts, false); err != nil {
				fsw.Close()
				return err
			}
			continue
		}
		err := filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
			if err != nil || !e.IsDir() {
				return err
			}
			return w.add(path, exts, true)
		})
		if err != nil {
			fsw.Close()
			return err
		}
	}

	go w.loop(ctx)
	w.logger.Info("watching", "dirs", len(w.dirs))
	return nil
}

// Stop stops watching. A file being processed is finished first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	if w.fsw != nil {
		<-w.done
	}
}

func (w *Watcher) add(dir string, exts []string, recursive bool) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = watched{exts: exts, recursive: recursive}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.fsw.Close()
	defer w.cancelPending()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case path := <-w.ready:
			if err := w.Process(path); err != nil {
				w.logger.Error("process file", "path", path, "error", err)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	d, ok := w.dirs[filepath.Dir(ev.Name)]
	if !ok {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if d.recursive {
				if err := w.add(ev.Name, d.exts, true); err != nil {
					w.logger.Warn("watch subdirectory", "path", ev.Name, "error", err)
				}
			}
			return
		}
	}
	if matches(ev.Name, d.exts) {
		w.schedule(ev.Name)
	}
}

// schedule queues path once it has gone Settle without another write.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.stop:
		}
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// Process decodes one file and publishes its frames.
func (w *Watcher) Process(path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
	samples, rate, err := audioio.LoadWAV(path)
	if err != nil {
		return err
	}
	w.logger.Info("processing audio file", "path", path, "duration", audioio.SamplesDuration(len(samples), rate))

	samples = audioio.Resample(samples, rate, w.format.SampleRate)
	chunks := audioio.Chop(samples, w.format.FrameSamples(), audioio.RemainderPad)
	start := time.Now()
	for i, chunk := range chunks {
		bus.Publish(w.bus, events.FrameReceived, audioio.Frame{
			Source:     w.cfg.Source,
			Samples:    chunk,
			SampleRate: w.format.SampleRate,
			Timestamp:  start.Add(time.Duration(i) * w.format.FrameDuration),
		})
	}
	if w.onEnd != nil {
		w.onEnd(w.cfg.Source)
	}
	w.logger.Info("audio file done", "path", path, "frames", len(chunks))
	return nil
}

func normalize(exts []string) []string {
	if len(exts) == 0 {
		return []string{".wav"}
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func matches(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}
