package vad

import "errors"

// ErrEmptyFrame is returned when classifying a frame with no samples.
var ErrEmptyFrame = errors.New("vad: empty frame")
