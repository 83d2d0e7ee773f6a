package redisserver

import (
	"errors"
	"fmt"
)

// Error types for specific failure scenarios
var (
	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotStarted indicates an operation that needs a running server
	ErrNotStarted = errors.New("server not started")

	// ErrNotReplica indicates a replica-only operation on a master
	ErrNotReplica = errors.New("server is not a replica")

	// ErrClosed indicates the server has been closed
	ErrClosed = errors.New("server is closed")
)

// SyncError represents a snapshot loading error with additional context
type SyncError struct {
	Phase string // "snapshot", "handshake", "streaming"
	Path  string
	Err   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sync error in phase %s (%s): %v", e.Phase, e.Path, e.Err)
	}
	return fmt.Sprintf("sync error in phase %s: %v", e.Phase, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
