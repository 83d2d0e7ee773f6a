package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidStreamID is returned for ids that do not parse, and for 0-0
	ErrInvalidStreamID = errors.New("invalid stream id")

	// ErrStreamIDNotMonotonic is returned when an XADD id does not exceed the stream top
	ErrStreamIDNotMonotonic = errors.New("stream id is equal or smaller than the top item")

	// ErrInvalidRange is returned when a range start is greater than its end
	ErrInvalidRange = errors.New("range start is greater than end")

	// ErrNoSuchKey is returned by stream queries against a missing key
	ErrNoSuchKey = errors.New("no such key")

	// ErrWrongType is returned when a key holds a value of another type
	ErrWrongType = errors.New("wrong type")
)

// Storage defines the keyspace operations the command layer needs
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, expiry *time.Time) error
	Del(keys ...string) int64
	Exists(keys ...string) int64

	// Key operations
	Keys(pattern string) []string
	KeyCount() int64
	Type(key string) ValueType
	FlushAll() error

	// Load installs an already-built value, as read from a snapshot
	Load(key string, value *Value)

	Info() map[string]interface{}
	Close() error
}

// StreamStorage defines the stream operations
type StreamStorage interface {
	XAdd(key, id string, fields []string) (StreamID, error)
	XRange(key, start, end string) ([]StreamEntry, error)
	XRead(ctx context.Context, queries []StreamQuery, block time.Duration, blocking bool) ([]StreamResult, error)
	StreamLastID(key string) (StreamID, bool)
}

// StorageObserver provides hooks for storage events
type StorageObserver interface {
	OnKeySet(key string)
	OnKeyDeleted(key string)
	OnKeyExpired(key string)
}
