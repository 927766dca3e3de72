package vad

import "github.com/teslashibe/go-voicebus/pkg/audioio"

// Classifier scores a frame with the probability that it contains speech.
type Classifier interface {
	Probability(f audioio.Frame) (float64, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(f audioio.Frame) (float64, error)

// Probability calls fn.
func (fn ClassifierFunc) Probability(f audioio.Frame) (float64, error) {
	return fn(f)
}

// EnergyClassifier maps frame RMS linearly onto [0,1] between Floor and
// Ceiling. It needs no model and works for close-talk microphones.
type EnergyClassifier struct {
	Floor   float64
	Ceiling float64
}

// NewEnergyClassifier returns an EnergyClassifier whose midpoint sits at
// roughly -30 dBFS.
func NewEnergyClassifier() *EnergyClassifier {
	return &EnergyClassifier{Floor: 0.01, Ceiling: 0.05}
}

// Probability implements Classifier.
func (e *EnergyClassifier) Probability(f audioio.Frame) (float64, error) {
	if len(f.Samples) == 0 {
		return 0, ErrEmptyFrame
	}
	rms := audioio.RMS(f.Samples)
	span := e.Ceiling - e.Floor
	if span <= 0 {
		if rms >= e.Ceiling {
			return 1, nil
		}
		return 0, nil
	}
	p := (rms - e.Floor) / span
	switch {
	case p < 0:
		return 0, nil
	case p > 1:
		return 1, nil
	}
	return p, nil
}

var _ Classifier = (*EnergyClassifier)(nil)
