package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, as Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum size for arrays
	maxArraySize = 1024 * 1024

	// maxInlineSize bounds a single inline command line
	maxInlineSize = 64 * 1024
)

var (
	crlfBytes = []byte(CRLF)
)

// Reader is a streaming RESP protocol reader. It keeps a running count of
// the bytes it has consumed so replication offsets can be derived from it.
type Reader struct {
	br *bufio.Reader
	n  int64
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// BytesRead returns the total number of bytes consumed so far
func (r *Reader) BytesRead() int64 {
	return r.n
}

// Buffered returns the number of bytes already read from the underlying
// reader but not yet consumed
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// Peek blocks until input is available or the underlying reader fails,
// without consuming anything
func (r *Reader) Peek() error {
	_, err := r.br.Peek(1)
	return err
}

// ReadCommand reads the next value and converts it into a Command whose
// Size is the exact number of wire bytes it occupied.
func (r *Reader) ReadCommand() (*Command, error) {
	start := r.n
	value, err := r.ReadNext()
	if err != nil {
		return nil, err
	}

	cmd, err := ParseCommand(value)
	if err != nil {
		return nil, err
	}
	cmd.Size = r.n - start
	return cmd, nil
}

// ReadNext reads the next RESP value from the stream. Lines without a RESP
// type prefix are read as inline commands and returned as an array.
func (r *Reader) ReadNext() (Value, error) {
	for {
		typeByte, err := r.br.ReadByte()
		if err != nil {
			return Value{}, err
		}
		r.n++

		switch ValueType(typeByte) {
		case TypeSimpleString:
			return r.readSimpleString()
		case TypeError:
			return r.readError()
		case TypeInteger:
			return r.readInteger()
		case TypeBulkString:
			return r.readBulkString()
		case TypeArray:
			return r.readArray()
		}

		switch {
		case typeByte == '\r' || typeByte == '\n':
			// stray terminators between commands
			continue
		case typeByte == 0:
			return Value{}, protocolErrorf("unknown RESP type: empty byte (connection may be closed)")
		case typeByte < ' ' || typeByte > '~':
			return Value{}, protocolErrorf("unknown RESP type: 0x%02x", typeByte)
		}

		if err := r.br.UnreadByte(); err != nil {
			return Value{}, err
		}
		r.n--
		return r.readInline()
	}
}

// readInline reads a whitespace separated command line
func (r *Reader) readInline() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}
	if len(line) > maxInlineSize {
		return Value{}, protocolErrorf("too big inline request")
	}

	fields := bytes.Fields(line)
	array := make([]Value, len(fields))
	for i, field := range fields {
		array[i] = Value{Type: TypeBulkString, Data: field}
	}

	return Value{
		Type:  TypeArray,
		Array: array,
	}, nil
}

// readSimpleString reads a simple string value
func (r *Reader) readSimpleString() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	return Value{
		Type: TypeSimpleString,
		Data: line,
	}, nil
}

// readError reads an error value
func (r *Reader) readError() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	return Value{
		Type: TypeError,
		Data: line,
	}, nil
}

// readInteger reads an integer value
func (r *Reader) readInteger() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	integer, err := parseInt64(line)
	if err != nil {
		return Value{}, protocolErrorf("invalid integer: %s", line)
	}

	return Value{
		Type:    TypeInteger,
		Integer: integer,
	}, nil
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	default:
		i = 0
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}

		// Check for overflow
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}

		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}

// readBulkLength reads the length line of a bulk string, -1 meaning null
func (r *Reader) readBulkLength() (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return 0, protocolErrorf("invalid bulk string length: %s", line)
	}

	if length == -1 {
		return -1, nil
	}

	if length < 0 || length > maxBulkSize {
		return 0, protocolErrorf("invalid bulk string length: %d", length)
	}
	return length, nil
}

// readBulkString reads a bulk string value
func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readBulkLength()
	if err != nil {
		return Value{}, err
	}

	// Handle null bulk string
	if length == -1 {
		return Value{
			Type:   TypeBulkString,
			IsNull: true,
		}, nil
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Value{}, truncated(err)
	}
	r.n += length

	// The declared length must land exactly on a CRLF
	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}

	return Value{
		Type: TypeBulkString,
		Data: data,
	}, nil
}

// readArray reads an array value
func (r *Reader) readArray() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Value{}, protocolErrorf("invalid array length: %s", line)
	}

	// Handle null array
	if length == -1 {
		return Value{
			Type:   TypeArray,
			IsNull: true,
		}, nil
	}

	if length < 0 || length > maxArraySize {
		return Value{}, protocolErrorf("invalid array length: %d", length)
	}

	array := make([]Value, length)
	for i := int64(0); i < length; i++ {
		value, err := r.ReadNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Value{}, protocolErrorf("array declared %d elements, got %d", length, i)
			}
			return Value{}, err
		}
		array[i] = value
	}

	return Value{
		Type:  TypeArray,
		Array: array,
	}, nil
}

// ReadBulkStringForReplication reads the snapshot payload of a full resync.
// The payload is framed as a bulk string without the trailing CRLF.
func (r *Reader) ReadBulkStringForReplication(fn func(chunk []byte) error) error {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return err
	}
	r.n++

	if ValueType(typeByte) != TypeBulkString {
		return protocolErrorf("expected bulk string, got %c", typeByte)
	}

	length, err := r.readBulkLength()
	if err != nil {
		return err
	}

	if length == -1 {
		return fn(nil)
	}

	// Read data in chunks
	const chunkSize = 8192
	buffer := make([]byte, chunkSize)
	remaining := length

	for remaining > 0 {
		toRead := chunkSize
		if remaining < int64(chunkSize) {
			toRead = int(remaining)
		}

		n, err := io.ReadFull(r.br, buffer[:toRead])
		r.n += int64(n)
		if err != nil {
			return truncated(err)
		}

		if err := fn(buffer[:n]); err != nil {
			return err
		}

		remaining -= int64(n)
	}

	return nil
}

// readLine reads a line terminated by CRLF
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	r.n += int64(len(line))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, protocolErrorf("unterminated line %q", line)
		}
		return nil, err
	}

	if !bytes.HasSuffix(line, crlfBytes) {
		return nil, protocolErrorf("missing CRLF terminator")
	}

	return line[:len(line)-2], nil
}

// expectCRLF reads and validates CRLF terminator
func (r *Reader) expectCRLF() error {
	crlf := make([]byte, 2)
	n, err := io.ReadFull(r.br, crlf)
	r.n += int64(n)
	if err != nil {
		return truncated(err)
	}

	if !bytes.Equal(crlf, crlfBytes) {
		return protocolErrorf("bulk length mismatch: expected CRLF, got [%d, %d]", crlf[0], crlf[1])
	}

	return nil
}

// truncated turns a short read in the middle of a value into a protocol error
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Message: "unexpected end of value"}
	}
	return err
}
