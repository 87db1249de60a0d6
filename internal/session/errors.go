package session

import "errors"

// Stable error kinds returned by the controller. Callers match with
// errors.Is so the transport can render an accurate message for every
// rejected operation.
var (
	// ErrNotFound means the session id is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState means the operation is not compatible with the
	// session's current state. The state is left unchanged.
	ErrInvalidState = errors.New("invalid session state")

	// ErrInvalidCommand means the launch specification was empty.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrSpawnFailed means the subprocess could not be created. The
	// session is left in FAILED.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrMaxSessions means the active session limit was reached.
	ErrMaxSessions = errors.New("maximum session limit reached")

	// ErrIO means an adapter write failed after one retry.
	ErrIO = errors.New("session i/o error")
)
