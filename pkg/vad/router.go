package vad

import (
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// Router keeps one Segmenter per source in a bounded LRU. Evicting a source
// flushes its segmenter under the flush policy, so a partial utterance is
// never silently lost to eviction.
type Router struct {
	cfg        Config
	classifier Classifier
	logger     *slog.Logger
	emit       func(audioio.Segment)
	cache      *lru.Cache[string, *Segmenter]
}

// NewRouter creates a Router. emit receives every closed segment, on the
// goroutine that called Push, Flush or FlushIdle.
func NewRouter(cfg Config, c Classifier, logger *slog.Logger, emit func(audioio.Segment)) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{cfg: cfg, classifier: c, logger: logger, emit: emit}
	cache, err := lru.NewWithEvict[string, *Segmenter](cfg.MaxSources, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

func (r *Router) onEvict(source string, seg *Segmenter) {
	r.logger.Debug("evicting source", "source", source)
	if s, ok := seg.Flush(); ok {
		r.emit(s)
	}
}

// Push routes f to its source's segmenter.
func (r *Router) Push(f audioio.Frame) {
	seg, ok := r.cache.Get(f.Source)
	if !ok {
		seg = NewSegmenter(r.cfg, r.classifier, r.logger.With("source", f.Source))
		r.cache.Add(f.Source, seg)
	}
	if s, ok := seg.Push(f); ok {
		r.emit(s)
	}
}

// Flush ends the stream of one source and forgets it.
func (r *Router) Flush(source string) {
	r.cache.Remove(source)
}

// FlushIdle flushes every source whose last frame is older than after.
func (r *Router) FlushIdle(now time.Time, after time.Duration) {
	for _, source := range r.cache.Keys() {
		seg, ok := r.cache.Peek(source)
		if !ok {
			continue
		}
		if now.Sub(seg.LastFrame()) >= after {
			r.cache.Remove(source)
		}
	}
}

// FlushAll flushes and forgets every source.
func (r *Router) FlushAll() {
	r.cache.Purge()
}

// Sources lists sources with live segmenters, least recent first.
func (r *Router) Sources() []string {
	return r.cache.Keys()
}

// State returns the state of a source's segmenter.
func (r *Router) State(source string) (State, bool) {
	seg, ok := r.cache.Peek(source)
	if !ok {
		return Idle, false
	}
	return seg.State(), true
}
