// Package vad turns a continuous stream of audio frames into speech segments.
//
// A Segmenter runs a two-state hysteresis machine per source:
//
//	Idle --(MinSpeechFrames consecutive speech frames)--> Accumulating
//	Accumulating --(HangoverFrames consecutive silence frames)--> Idle, emit
//
// While idle it keeps a ring of the last PreRollFrames frames that preceded
// the current speech run, so the start of an utterance is not clipped.
package vad

import (
	"log/slog"
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// State is the segmenter state.
type State int

const (
	Idle State = iota
	Accumulating
)

func (s State) String() string {
	if s == Accumulating {
		return "accumulating"
	}
	return "idle"
}

// Segmenter is the per-source state machine. It is not goroutine-safe: it is
// owned by the segmentation loop.
type Segmenter struct {
	cfg        Config
	classifier Classifier
	logger     *slog.Logger

	state   State
	preroll []audioio.Frame // frames before the current run, oldest first
	run     []audioio.Frame // speech frames while Idle
	segment []audioio.Frame // frames while Accumulating
	silence int
	last    time.Time
}

// NewSegmenter creates a Segmenter. cfg must be valid.
func NewSegmenter(cfg Config, c Classifier, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		cfg:        cfg,
		classifier: c,
		logger:     logger,
		preroll:    make([]audioio.Frame, 0, cfg.PreRollFrames),
	}
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// LastFrame returns the arrival time of the most recent frame.
func (s *Segmenter) LastFrame() time.Time { return s.last }

// Push feeds one frame and returns a segment when one closes.
func (s *Segmenter) Push(f audioio.Frame) (audioio.Segment, bool) {
	s.last = time.Now()
	speech := s.isSpeech(f)

	if s.state == Accumulating {
		s.segment = append(s.segment, f)
		if speech {
			s.silence = 0
			return audioio.Segment{}, false
		}
		s.silence++
		if s.silence < s.cfg.HangoverFrames {
			return audioio.Segment{}, false
		}
		return s.close(), true
	}

	if speech {
		s.run = append(s.run, f)
		if len(s.run) >= s.cfg.MinSpeechFrames {
			s.open()
		}
		return audioio.Segment{}, false
	}

	// a short run that never reached MinSpeechFrames becomes pre-roll
	for _, rf := range s.run {
		s.remember(rf)
	}
	s.run = s.run[:0]
	s.remember(f)
	return audioio.Segment{}, false
}

// Flush ends the stream. A partial segment is emitted or dropped according
// to the flush policy; either way the segmenter returns to Idle.
func (s *Segmenter) Flush() (audioio.Segment, bool) {
	if s.state != Accumulating {
		s.Reset()
		return audioio.Segment{}, false
	}
	if s.cfg.Flush == FlushDrop {
		s.logger.Debug("dropping partial segment at stream end", "frames", len(s.segment))
		s.Reset()
		return audioio.Segment{}, false
	}
	return s.close(), true
}

// Reset returns to Idle and clears all buffered frames.
func (s *Segmenter) Reset() {
	s.state = Idle
	s.preroll = s.preroll[:0]
	s.run = nil
	s.segment = nil
	s.silence = 0
}

func (s *Segmenter) isSpeech(f audioio.Frame) bool {
	p, err := s.classifier.Probability(f)
	if err != nil {
		s.logger.Debug("classifier failed, treating frame as silence", "source", f.Source, "error", err)
		return false
	}
	return p >= s.cfg.Threshold
}

func (s *Segmenter) remember(f audioio.Frame) {
	if s.cfg.PreRollFrames == 0 {
		return
	}
	if len(s.preroll) == s.cfg.PreRollFrames {
		copy(s.preroll, s.preroll[1:])
		s.preroll = s.preroll[:len(s.preroll)-1]
	}
	s.preroll = append(s.preroll, f)
}

func (s *Segmenter) open() {
	seg := make([]audioio.Frame, 0, len(s.preroll)+len(s.run)+s.cfg.HangoverFrames)
	seg = append(seg, s.preroll...)
	seg = append(seg, s.run...)
	s.segment = seg
	s.preroll = s.preroll[:0]
	s.run = nil
	s.silence = 0
	s.state = Accumulating
}

func (s *Segmenter) close() audioio.Segment {
	frames := s.segment
	s.Reset()

	seg := audioio.Segment{Frames: frames}
	if len(frames) > 0 {
		first, last := frames[0], frames[len(frames)-1]
		seg.Source = first.Source
		seg.SampleRate = first.SampleRate
		seg.Start = first.Timestamp
		seg.End = last.Timestamp.Add(last.Duration())
	}
	return seg
}
