package ari

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the controller has no such resource.
	ErrNotFound = errors.New("resource not found")

	// ErrFeedClosed is returned by Feed.Run when it stops without a context error.
	ErrFeedClosed = errors.New("event feed closed")
)

// TransientTransportError is a network failure, timeout or server error.
// Callers may retry with a bounded budget.
type TransientTransportError struct {
	Op  string
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error: %s: %v", e.Op, e.Err)
}

func (e *TransientTransportError) Unwrap() error {
	return e.Err
}

// NotReadyError means the capture exists (or was requested) but has no
// audio yet. Callers poll instead of failing.
type NotReadyError struct {
	Name string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("capture %s not ready", e.Name)
}

// ConflictError means the resource is already in the requested state,
// e.g. the channel has already continued out of the application.
type ConflictError struct {
	Op       string
	Resource string
	Detail   string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("conflict: %s %s: %s", e.Op, e.Resource, e.Detail)
	}
	return fmt.Sprintf("conflict: %s %s", e.Op, e.Resource)
}

// IrrecoverableChannelError means the target channel no longer exists.
type IrrecoverableChannelError struct {
	ChannelID string
	Op        string
}

func (e *IrrecoverableChannelError) Error() string {
	return fmt.Sprintf("channel %s gone (%s)", e.ChannelID, e.Op)
}

func (e *IrrecoverableChannelError) Unwrap() error {
	return ErrNotFound
}

// NotFoundError is a missing non-channel resource such as a bridge.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// StatusError is an unexpected HTTP status that fits no other category.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// IsTransient reports whether err is a TransientTransportError.
func IsTransient(err error) bool {
	var t *TransientTransportError
	return errors.As(err, &t)
}

// IsNotReady reports whether err is a NotReadyError.
func IsNotReady(err error) bool {
	var n *NotReadyError
	return errors.As(err, &n)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsIrrecoverable reports whether err means the channel is gone.
func IsIrrecoverable(err error) bool {
	var i *IrrecoverableChannelError
	return errors.As(err, &i)
}

// IsNotFound reports whether err refers to any missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsNotReady(err)
}

// StatusCode extracts the HTTP status from a StatusError, or 0.
func StatusCode(err error) int {
	var s *StatusError
	if errors.As(err, &s) {
		return s.Code
	}
	return 0
}
