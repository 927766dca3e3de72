package audioio

import (
	"math"
	"time"
)

// Remainder selects what Chop does with a trailing partial frame.
type Remainder int

const (
	// RemainderPad zero-pads the last partial frame to full length.
	RemainderPad Remainder = iota
	// RemainderDrop discards the last partial frame.
	RemainderDrop
)

func (r Remainder) String() string {
	if r == RemainderDrop {
		return "drop"
	}
	return "pad"
}

// Chop splits samples into frames of size samples each. The returned frames
// share no memory with samples.
func Chop(samples []int16, size int, rem Remainder) [][]int16 {
	if size <= 0 || len(samples) == 0 {
		return nil
	}
	n := len(samples) / size
	tail := len(samples) % size
	frames := make([][]int16, 0, n+1)
	for i := 0; i < n; i++ {
		f := make([]int16, size)
		copy(f, samples[i*size:(i+1)*size])
		frames = append(frames, f)
	}
	if tail > 0 && rem == RemainderPad {
		f := make([]int16, size)
		copy(f, samples[n*size:])
		frames = append(frames, f)
	}
	return frames
}

// Silence returns d worth of zero samples at rate.
func Silence(d time.Duration, rate int) []int16 {
	n := SampleCount(d, rate)
	if n <= 0 {
		return nil
	}
	return make([]int16, n)
}

// SampleCount returns the number of samples d spans at rate, rounded to
// the nearest sample.
func SampleCount(d time.Duration, rate int) int {
	return int((int64(rate)*int64(d) + int64(time.Second)/2) / int64(time.Second))
}

// PadSilence surrounds samples with lead and tail silence.
func PadSilence(samples []int16, rate int, lead, tail time.Duration) []int16 {
	head := Silence(lead, rate)
	end := Silence(tail, rate)
	out := make([]int16, 0, len(head)+len(samples)+len(end))
	out = append(out, head...)
	out = append(out, samples...)
	return append(out, end...)
}

// Tone generates a sine wave, used for probes and tests.
func Tone(freq, amplitude float64, d time.Duration, rate int) []int16 {
	n := SampleCount(d, rate)
	if n < 0 {
		n = 0
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}
