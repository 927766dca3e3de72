package audioio

import "time"

// Frame is a fixed-duration chunk of mono PCM16 audio from one source.
// Frames are immutable once published.
type Frame struct {
	Source     string
	Samples    []int16
	SampleRate int
	Timestamp  time.Time
}

// Duration returns the frame's play time.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// Segment is a contiguous run of frames judged to contain speech, including
// the pre-roll frames that preceded the onset.
type Segment struct {
	Source     string
	Start      time.Time
	End        time.Time
	SampleRate int
	Frames     []Frame
}

// Samples concatenates the segment's frames.
func (s Segment) Samples() []int16 {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	out := make([]int16, 0, n)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Float32 returns the segment as normalized float32 samples, the form
// speech recognizers take.
func (s Segment) Float32() []float32 {
	return Int16ToFloat32(s.Samples())
}

// Duration returns the segment's play time.
func (s Segment) Duration() time.Duration {
	var d time.Duration
	for _, f := range s.Frames {
		d += f.Duration()
	}
	return d
}
