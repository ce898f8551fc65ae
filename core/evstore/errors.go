package evstore

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a store used without a required collaborator.
	ErrConfiguration   = errors.New("configuration error")
	ErrNoProvider      = fmt.Errorf("%w: no provider configured", ErrConfiguration)
	ErrNoPublisher     = fmt.Errorf("%w: no publisher configured", ErrConfiguration)
	ErrNotSubscribable = fmt.Errorf("%w: publisher does not support subscriptions", ErrConfiguration)

	ErrPersistence = errors.New("persistence failed")
	ErrPublish     = errors.New("publish failed")

	ErrInvalidPayload = errors.New("invalid payload")
	ErrInvalidStream  = errors.New("invalid stream")
	ErrNilSubscriber  = errors.New("subscriber is nil")
	ErrClosed         = errors.New("closed")
)

// PersistenceError reports a failed provider operation. It matches both
// ErrPersistence and its cause with errors.Is.
type PersistenceError struct {
	Op     string
	Stream Stream // zero for aggregation level operations
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Stream == (Stream{}) {
		return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrPersistence, e.Op, e.Stream, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// NewPersistenceError wraps err for op. It returns nil for a nil err and
// passes an existing *PersistenceError through unchanged.
func NewPersistenceError(op string, stream Stream, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Stream: stream, Err: err}
}

// PublishError reports a notification failure after the event in Message
// was committed. Callers receive it together with the committed event.
type PublishError struct {
	Message Message
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf(
		"%s: %s sequence %d: %v",
		ErrPublish,
		e.Message.Stream,
		e.Message.Event.Sequence,
		e.Err,
	)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublish, e.Err} }

// Committed reports whether err is a publish failure, meaning the event was
// persisted but subscribers may not have been notified.
func Committed(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}
