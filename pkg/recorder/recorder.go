// Package recorder saves every detected speech segment as a WAV file.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
	"github.com/teslashibe/go-voicebus/pkg/events"
)

// Config holds recorder configuration.
type Config struct {
	// Dir receives one file per segment, named <source>-<unixms>.wav.
	Dir string `mapstructure:"dir"`

	// QueueSize bounds segments waiting to be written. Segments arriving
	// while the queue is full are dropped.
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() Config {
	return Config{
		Dir:       "/tmp/speech-recordings",
		QueueSize: 16,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("recorder: dir is required")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("recorder: queue_size must be >= 1, got %d", c.QueueSize)
	}
	return nil
}

// Recorder consumes events.SpeechDetected and writes each segment off the
// bus goroutine.
type Recorder struct {
	bus    *bus.Bus
	cfg    Config
	logger *slog.Logger

	in      chan audioio.Segment
	sub     *bus.Subscription
	written atomic.Int64
	dropped atomic.Int64
	onSaved func(path string)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// OnSaved registers fn to be called with the path of every written file.
func OnSaved(fn func(path string)) Option {
	return func(r *Recorder) { r.onSaved = fn }
}

// New creates a recorder on b.
func New(b *bus.Bus, cfg Config, opts ...Option) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Recorder{
		bus:    b,
		cfg:    cfg,
		logger: slog.Default(),
		in:     make(chan audioio.Segment, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "recorder")
	return r, nil
}

// Start creates the directory, subscribes and starts the writer.
func (r *Recorder) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	sub, err := bus.Subscribe(r.bus, events.SpeechDetected, r.onSegment)
	if err != nil {
		return err
	}
	r.sub = sub
	go r.loop(ctx)
	r.logger.Info("recorder started", "dir", r.cfg.Dir)
	return nil
}

// Stop revokes the subscription and writes what is already queued.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		if r.sub != nil {
			r.sub.Revoke()
		}
		close(r.stop)
	})
	<-r.done
}

// Written returns how many files were saved.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Dropped returns how many segments were lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Path returns the file a segment is saved to.
func (r *Recorder) Path(seg audioio.Segment) string {
	return filepath.Join(r.cfg.Dir, fmt.Sprintf("%s-%d.wav", safeName(seg.Source), seg.Start.UnixMilli()))
}

func (r *Recorder) onSegment(seg audioio.Segment) {
	select {
	case r.in <- seg:
	default:
		r.dropped.Add(1)
		r.logger.Warn("recorder queue full, dropping segment", "source", seg.Source)
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case seg := <-r.in:
			r.write(seg)
		case <-ctx.Done():
			r.drain()
			return
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case seg := <-r.in:
			r.write(seg)
		default:
			return
		}
	}
}

func (r *Recorder) write(seg audioio.Segment) {
	samples := seg.Samples()
	if len(samples) == 0 {
		return
	}
	path := r.Path(seg)
	if err := audioio.SaveWAV(path, samples, seg.SampleRate); err != nil {
		r.logger.Error("save segment", "path", path, "error", err)
		return
	}
	r.written.Add(1)
	r.logger.Debug("segment saved", "path", path, "duration", seg.Duration())
	if r.onSaved != nil {
		r.onSaved(path)
	}
}

// safeName keeps source names from escaping the directory.
func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		}
		return '_'
	}, s)
}
