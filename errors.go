package attachqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is. Concrete failures are
// usually wrapped in a *LocalIoError, *RemoteErr or *DatabaseErr carrying
// additional context; callers that only care about the class can match
// against these sentinels directly.
var (
	ErrLocalNotFound         = errors.New("attachqueue: local file not found")
	ErrLocalPermissionDenied = errors.New("attachqueue: local permission denied")
	ErrLocalOutOfSpace       = errors.New("attachqueue: local store out of space")
	ErrLocalOther            = errors.New("attachqueue: local I/O error")

	ErrRemoteTransport = errors.New("attachqueue: remote transport error")
	ErrRemoteNotFound  = errors.New("attachqueue: remote object not found")
	ErrRemoteAuth      = errors.New("attachqueue: remote auth error")
	ErrRemoteOther     = errors.New("attachqueue: remote error")

	// ErrDatabase classifies any failure surfaced from a repository
	// transaction (constraint violation, connection loss, context
	// cancellation during a query).
	ErrDatabase = errors.New("attachqueue: database error")

	// ErrNotFound is returned by operations addressing an unknown id.
	ErrNotFound = errors.New("attachqueue: attachment not found")

	// ErrInvalidState is returned when an operation is not legal for an
	// attachment's current state (e.g. SaveFile on an id already SYNCED).
	ErrInvalidState = errors.New("attachqueue: invalid state for operation")

	// ErrCancelled marks cooperative cancellation; it is never retried.
	ErrCancelled = errors.New("attachqueue: operation cancelled")
)

// LocalIoError wraps a local filesystem failure with its classification.
type LocalIoError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIoError) Error() string {
	return fmt.Sprintf("attachqueue: local io %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIoError) Unwrap() error { return e.Err }

// NewLocalIoError classifies a raw filesystem error into a LocalIoError
// whose Unwrap() chain includes the matching sentinel (ErrLocalNotFound,
// etc.), the way graph.GraphError in internal/graph/errors.go wraps HTTP
// status classification.
func NewLocalIoError(op, path string, kind error, cause error) *LocalIoError {
	return &LocalIoError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", kind, cause)}
}

// RemoteErr wraps a remote-storage adapter failure with its classification.
type RemoteErr struct {
	Op  string
	ID  string
	Err error
}

func (e *RemoteErr) Error() string {
	return fmt.Sprintf("attachqueue: remote %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *RemoteErr) Unwrap() error { return e.Err }

// DatabaseErr wraps a repository transaction failure.
type DatabaseErr struct {
	Op  string
	Err error
}

func (e *DatabaseErr) Error() string {
	return fmt.Sprintf("attachqueue: database %s: %v", e.Op, e.Err)
}

func (e *DatabaseErr) Unwrap() error { return e.Err }

// NewDatabaseErr wraps err so that errors.Is(wrapped, ErrDatabase) succeeds.
func NewDatabaseErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return &DatabaseErr{Op: op, Err: fmt.Errorf("%w: %v", ErrDatabase, err)}
}
