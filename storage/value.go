package storage

import "time"

// ValueType represents the Redis data type
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
	ValueTypeList
	ValueTypeSet
	ValueTypeZSet
	ValueTypeHash
	ValueTypeStream
)

// String returns the Redis-compatible type name
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	case ValueTypeList:
		return "list"
	case ValueTypeSet:
		return "set"
	case ValueTypeZSet:
		return "zset"
	case ValueTypeHash:
		return "hash"
	case ValueTypeStream:
		return "stream"
	default:
		return "none"
	}
}

// Value is a stored value with its optional absolute expiry
type Value struct {
	Type   ValueType
	Data   interface{}
	Expiry *time.Time
}

// IsExpired reports whether the value is logically absent at now. A value
// is gone from the instant its expiry is reached.
func (v *Value) IsExpired(now time.Time) bool {
	return v.Expiry != nil && !now.Before(*v.Expiry)
}

// StringValue represents a string value
type StringValue struct {
	Data []byte
}

// ListValue represents a list value
type ListValue struct {
	Elements [][]byte
}

// SetValue represents a set value
type SetValue struct {
	Members map[string]struct{}
}

// ZSetValue represents a sorted set value
type ZSetValue struct {
	Members map[string]float64
}

// HashValue represents a hash value
type HashValue struct {
	Fields map[string][]byte
}

// StreamValue is an append-only sequence of entries ordered by id
type StreamValue struct {
	Entries []StreamEntry
}

// StreamEntry is one stream element. Fields alternate name and value.
type StreamEntry struct {
	ID     StreamID
	Fields []string
}

// Last returns the id of the newest entry
func (s *StreamValue) Last() (StreamID, bool) {
	if len(s.Entries) == 0 {
		return StreamID{}, false
	}
	return s.Entries[len(s.Entries)-1].ID, true
}

// NewString wraps raw bytes as a string value
func NewString(data []byte, expiry *time.Time) *Value {
	return &Value{
		Type:   ValueTypeString,
		Data:   &StringValue{Data: append([]byte(nil), data...)},
		Expiry: expiry,
	}
}
