package eventway

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type (
	// VersionConflictError is returned by an EventRepository when the
	// expected stream head does not match the persisted one
	VersionConflictError struct {
		AggregateType AggregateType
		AggregateID   uuid.UUID
		Expected      int64
		Actual        int64
	}

	// DecodeError reports a persisted record that could not be turned back
	// into a Payload
	DecodeError struct {
		Err       error
		EventType EventType
		EventID   uuid.UUID
	}

	// HandlerError wraps a projection handler failure with the position at
	// which the projection stopped
	HandlerError struct {
		Err          error
		ProjectionID string
		EventType    EventType
		Ordering     int64
	}
)

var (
	ErrHandlerNotFound    = errors.New("handler not found")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrVersionConflict    = errors.New("version conflict")
	ErrProjectionNotFound = errors.New("projection metadata not found")
	ErrModelNotFound      = errors.New("query model not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrHubClosed          = errors.New("event hub closed")
	ErrProjectionFaulted  = errors.New("projection faulted")
	ErrUnexpectedResult   = errors.New("unexpected result type")
	ErrStreamGap          = errors.New("gap in event stream")
)

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict on %s/%s: expected version %d, but at %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual,
	)
}

// Is lets callers test for ErrVersionConflict without unwrapping
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf(
		"decode event %s (%s): %v", e.EventID, e.EventType, e.Err,
	)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf(
		"projection %s failed on %s at ordering %d: %v",
		e.ProjectionID, e.EventType, e.Ordering, e.Err,
	)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
