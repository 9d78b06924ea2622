package strategy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDestination is matched by AmbiguousCorrelationError.
	ErrNoDestination = errors.New("no destination could be derived")

	// ErrCaptureFailed is matched by CaptureFailedError.
	ErrCaptureFailed = errors.New("capture failed")

	// ErrUnknownExtractor is returned by NewChain for an unknown name.
	ErrUnknownExtractor = errors.New("unknown extractor")

	// ErrNothingToDo is returned by Capture for Skip and Defer decisions.
	ErrNothingToDo = errors.New("decision requires no capture")
)

// AmbiguousCorrelationError means no extractor produced a destination
// for the channel. The session stays pending for the sweeper.
type AmbiguousCorrelationError struct {
	ChannelID string
	Tried     []string
}

func (e *AmbiguousCorrelationError) Error() string {
	return fmt.Sprintf("channel %s: no destination from [%s]", e.ChannelID, strings.Join(e.Tried, ", "))
}

func (e *AmbiguousCorrelationError) Unwrap() error { return ErrNoDestination }

// CaptureFailedError is a capture that could not be verified after
// its retry. It is local to one session.
type CaptureFailedError struct {
	SessionID string
	Handle    string
	Attempts  int
	Reason    string
	Err       error
}

func (e *CaptureFailedError) Error() string {
	msg := fmt.Sprintf("session %s: capture %s failed after %d attempts: %s", e.SessionID, e.Handle, e.Attempts, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCaptureFailed}
	}
	return []error{ErrCaptureFailed, e.Err}
}

// IsAmbiguous reports whether err is an AmbiguousCorrelationError.
func IsAmbiguous(err error) bool {
	var a *AmbiguousCorrelationError
	return errors.As(err, &a)
}
