package playback

import "errors"

var (
	// ErrStopped is returned when enqueueing on a stopped scheduler.
	ErrStopped = errors.New("playback: scheduler stopped")

	// ErrEmptyJob is returned for a job with no samples.
	ErrEmptyJob = errors.New("playback: job has no samples")

	// ErrNotStarted is returned when enqueueing before Start.
	ErrNotStarted = errors.New("playback: scheduler not started")
)
