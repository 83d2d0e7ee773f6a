package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// Value represents a parsed RESP value
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Error returns the error message if this is an error value
func (v Value) Error() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}

// Tokens flattens the value into the token list a command is made of.
// Arrays contribute their elements in order (empty bulk strings included),
// a bare simple string or error line contributes itself.
func (v Value) Tokens() []string {
	var tokens []string
	switch v.Type {
	case TypeArray:
		for _, item := range v.Array {
			if item.Type == TypeArray {
				tokens = append(tokens, item.Tokens()...)
				continue
			}
			if !item.IsNull {
				tokens = append(tokens, item.String())
			}
		}
	case TypeBulkString, TypeSimpleString, TypeError:
		if !v.IsNull && len(v.Data) > 0 {
			tokens = append(tokens, string(v.Data))
		}
	case TypeInteger:
		tokens = append(tokens, strconv.FormatInt(v.Integer, 10))
	}
	return tokens
}

// Command represents a Redis command parsed from a RESP value
type Command struct {
	Name string // upper-cased
	Args []string

	// Size is the number of wire bytes the command occupied, when known.
	Size int64
}

// ParseCommand parses a RESP value into a Command. Arrays of bulk strings
// are the normal request shape; a bare simple string line is accepted as a
// single-token command.
func ParseCommand(v Value) (*Command, error) {
	switch v.Type {
	case TypeArray:
		if v.IsNull || len(v.Array) == 0 {
			return nil, &ProtocolError{Message: "empty command"}
		}
		for _, item := range v.Array {
			if item.Type != TypeBulkString && item.Type != TypeSimpleString {
				return nil, &ProtocolError{Message: "command arguments must be bulk strings"}
			}
		}
	case TypeSimpleString, TypeError, TypeBulkString:
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("invalid command type %c", v.Type)}
	}

	tokens := v.Tokens()
	if len(tokens) == 0 {
		return nil, &ProtocolError{Message: "empty command"}
	}

	return &Command{
		Name: strings.ToUpper(tokens[0]),
		Args: tokens[1:],
	}, nil
}

// Tokens returns the command as its full token list, name first
func (c *Command) Tokens() []string {
	return append([]string{c.Name}, c.Args...)
}

// String returns a string representation of the command
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Reply constructors

// NewSimpleString returns a simple string value
func NewSimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Data: []byte(s)}
}

// NewError returns an error value; msg should carry its prefix, e.g. "ERR ..."
func NewError(msg string) Value {
	return Value{Type: TypeError, Data: []byte(msg)}
}

// NewInteger returns an integer value
func NewInteger(n int64) Value {
	return Value{Type: TypeInteger, Integer: n}
}

// NewBulkString returns a bulk string value
func NewBulkString(s string) Value {
	return Value{Type: TypeBulkString, Data: []byte(s)}
}

// NewNullBulkString returns the nil bulk string
func NewNullBulkString() Value {
	return Value{Type: TypeBulkString, IsNull: true}
}

// NewArray returns an array of values
func NewArray(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Type: TypeArray, Array: items}
}

// NewStringArray returns an array of bulk strings
func NewStringArray(items []string) Value {
	values := make([]Value, len(items))
	for i, item := range items {
		values[i] = NewBulkString(item)
	}
	return Value{Type: TypeArray, Array: values}
}

// NewNullArray returns the nil array
func NewNullArray() Value {
	return Value{Type: TypeArray, IsNull: true}
}
