package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a user or group has never been saved.
	ErrNotFound = errors.New("store: not found")

	// ErrTxActive is returned by BeginTx when the context already carries an
	// active transaction.
	ErrTxActive = errors.New("store: transaction already active")

	// ErrNoTx is returned by CommitTx and RollbackTx without an active
	// transaction.
	ErrNoTx = errors.New("store: no active transaction")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("store: backend closed")

	// ErrNotInitialized is returned by operations issued before Init.
	ErrNotInitialized = errors.New("store: backend not initialized")
)

// Kind classifies storage errors.
type Kind int

// Error kinds.
const (
	// KindUnknown wraps an unclassified cause. Not retried.
	KindUnknown Kind = iota

	// KindConnection means the target was unreachable, the pool was
	// exhausted or authentication failed. Surfaced after retries.
	KindConnection

	// KindDataCorrupted means a persisted payload could not be decoded.
	KindDataCorrupted

	// KindConflict is reserved for optimistic-locking collisions.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDataCorrupted:
		return "data corrupted"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a typed storage error.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind Kind, backend, op string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsConnection reports whether err is a connection-kind storage error.
func IsConnection(err error) bool { return KindOf(err) == KindConnection }

// IsDataCorrupted reports whether err is a data-corrupted storage error.
func IsDataCorrupted(err error) bool { return KindOf(err) == KindDataCorrupted }

// ConfigError reports a missing or malformed configuration key. It is
// returned before any connection attempt.
type ConfigError struct {
	Backend string
	Key     string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: invalid configuration key %q: %s", e.Backend, e.Key, e.Reason)
}
