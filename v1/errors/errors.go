package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Error kinds of the coordination layer. Callers match them with errors.Is;
// the concrete cause is always wrapped alongside.
var (
	// ErrLockRegistry signals a missing or duplicate lock. Only a bug produces it.
	ErrLockRegistry = errors.New("lock registry inconsistency")
	// ErrResourceReload is returned when a resource cannot re-read its backing
	// source. The previous state is retained.
	ErrResourceReload = errors.New("resource reload failed")
	// ErrSession is returned when a transaction cannot begin, commit or roll back.
	ErrSession = errors.New("session failed")
	// ErrLifecycleState is returned when Start or Stop is called out of sequence.
	ErrLifecycleState = errors.New("invalid lifecycle state")
)
