package ingester

import "github.com/pkg/errors"

// Error is a constant error type.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNotFound is returned when a dataset, schema, task or entry does
	// not exist.
	ErrNotFound = Error("not found")

	// ErrAlreadyRunning is returned when a guarded task is requested for a
	// dataset which already has one outstanding.
	ErrAlreadyRunning = Error("dataset is already running")

	// ErrInvalidTransition is returned when a task state change would move
	// a task backwards or out of a terminal state.
	ErrInvalidTransition = Error("invalid task state transition")

	ErrDisabled     = Error("dataset is disabled")
	ErrNoDataSource = Error("dataset has no data source")
	ErrUnknownKind  = Error("unknown kind")
)

// IsNotFound reports whether the cause of err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// IsAlreadyRunning reports whether the cause of err is ErrAlreadyRunning.
func IsAlreadyRunning(err error) bool {
	return errors.Cause(err) == ErrAlreadyRunning
}
