package bus

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the bus unwraps to one of these,
// except collaborator failures which unwrap to the callee's own error.
var (
	ErrUnknownTopic     = errors.New("bus: unknown topic")
	ErrTopicOwned       = errors.New("bus: topic registered by another owner")
	ErrTopicType        = errors.New("bus: topic registered with a different payload type")
	ErrDuplicateService = errors.New("bus: duplicate service")
	ErrUnknownService   = errors.New("bus: unknown service")
	ErrWrongCallMode    = errors.New("bus: wrong call mode")
	ErrUnknownCall      = errors.New("bus: unknown call")
	ErrCallPending      = errors.New("bus: call not finished")
	ErrCancelled        = errors.New("bus: call cancelled")
	ErrBadResult        = errors.New("bus: unexpected result type")
	ErrClosed           = errors.New("bus: closed")
)

// ErrorKind classifies errors crossing the bus.
type ErrorKind string

const (
	KindUnknownTopic      ErrorKind = "unknown_topic"
	KindDuplicateService  ErrorKind = "duplicate_service"
	KindUnknownService    ErrorKind = "unknown_service"
	KindWrongCallMode     ErrorKind = "wrong_call_mode"
	KindCollaborator      ErrorKind = "collaborator_failure"
	KindCancelled         ErrorKind = "cancelled"
	KindPanic             ErrorKind = "panic"
	KindBadResult         ErrorKind = "bad_result"
	KindClosed            ErrorKind = "closed"
	KindTopicRegistration ErrorKind = "topic_registration"
)

// Error is the {kind, message} pair carried across the bus boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bus [%s]", e.Kind)
	}
	return fmt.Sprintf("bus [%s]: %s", e.Kind, e.Message)
}

// Unwrap returns the sentinel or the callee error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of a bus error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsCancelled reports whether err is a cancelled outcome.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
