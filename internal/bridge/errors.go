package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks input rejected before reaching the engine.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrEmptyPrompt   = fmt.Errorf("%w: prompt is empty", ErrInvalidArgument)
	ErrPromptTooLong = fmt.Errorf("%w: prompt exceeds %d characters", ErrInvalidArgument, MaxPromptLength)

	// ErrCapacity is returned by CreateSession when MaxSessions are live.
	ErrCapacity = fmt.Errorf("session limit of %d reached", MaxSessions)

	ErrSessionDestroyed = errors.New("session destroyed")
	ErrUnknownStream    = errors.New("unknown stream")
	ErrUnavailable      = errors.New("engine unavailable")
	ErrStreamStart      = errors.New("engine could not start stream")
	ErrClosed           = errors.New("bridge closed")
)

// EngineError reports a failure signalled by the engine itself, either as a
// returned error or as an error-prefixed response.
type EngineError struct {
	Op  string
	Msg string
	Err error
}

func (e *EngineError) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsEngineError reports whether err is or wraps an *EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}
