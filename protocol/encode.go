package protocol

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// lineSafe replaces CR and LF so a one-line reply stays one frame
var lineSafe = strings.NewReplacer("\r", " ", "\n", " ")

// AppendSimpleString appends "+s\r\n" to dst
func AppendSimpleString(dst []byte, s string) []byte {
	dst = append(dst, byte(TypeSimpleString))
	dst = append(dst, lineSafe.Replace(s)...)
	return append(dst, CRLF...)
}

// AppendError appends "-msg\r\n" to dst. Line breaks inside msg become
// spaces.
func AppendError(dst []byte, msg string) []byte {
	dst = append(dst, byte(TypeError))
	dst = append(dst, lineSafe.Replace(msg)...)
	return append(dst, CRLF...)
}

// AppendInteger appends ":n\r\n" to dst
func AppendInteger(dst []byte, n int64) []byte {
	dst = append(dst, byte(TypeInteger))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, CRLF...)
}

// AppendBulkString appends "$len\r\ns\r\n" to dst, len counting bytes
func AppendBulkString(dst []byte, s string) []byte {
	dst = append(dst, byte(TypeBulkString))
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, s...)
	return append(dst, CRLF...)
}

// AppendNullBulkString appends "$-1\r\n" to dst
func AppendNullBulkString(dst []byte) []byte {
	return append(dst, "$-1\r\n"...)
}

// AppendArrayHeader appends "*n\r\n" to dst
func AppendArrayHeader(dst []byte, n int) []byte {
	dst = append(dst, byte(TypeArray))
	dst = strconv.AppendInt(dst, int64(n), 10)
	return append(dst, CRLF...)
}

// AppendStringArray appends an array of bulk strings
func AppendStringArray(dst []byte, items []string) []byte {
	dst = AppendArrayHeader(dst, len(items))
	for _, item := range items {
		dst = AppendBulkString(dst, item)
	}
	return dst
}

// EncodeSimpleString encodes a simple string reply
func EncodeSimpleString(s string) []byte { return AppendSimpleString(nil, s) }

// EncodeError encodes an error reply
func EncodeError(msg string) []byte { return AppendError(nil, msg) }

// EncodeInteger encodes an integer reply
func EncodeInteger(n int64) []byte { return AppendInteger(nil, n) }

// EncodeBulkString encodes a bulk string
func EncodeBulkString(s string) []byte { return AppendBulkString(nil, s) }

// EncodeNullBulkString encodes the nil bulk string
func EncodeNullBulkString() []byte { return AppendNullBulkString(nil) }

// EncodeArray encodes an array of bulk strings. An empty list encodes as "*0\r\n".
func EncodeArray(items []string) []byte { return AppendStringArray(nil, items) }

// EncodeCommand encodes a command the way a client sends it
func EncodeCommand(name string, args ...string) []byte {
	dst := AppendArrayHeader(nil, 1+len(args))
	dst = AppendBulkString(dst, name)
	for _, arg := range args {
		dst = AppendBulkString(dst, arg)
	}
	return dst
}

// EncodedLen returns the number of bytes the command occupies once encoded
// as an array of bulk strings
func EncodedLen(tokens []string) int64 {
	n := int64(len(strconv.Itoa(len(tokens))) + 3)
	for _, t := range tokens {
		n += int64(1 + len(strconv.Itoa(len(t))) + 2 + len(t) + 2)
	}
	return n
}

// Decode parses every RESP value in data and flattens them into one token
// list. Empty tokens are dropped. Framing problems, including declared
// lengths that do not match the payload, are reported as *ProtocolError.
func Decode(data []byte) ([]string, error) {
	r := NewReader(bytes.NewReader(data))

	var tokens []string
	for {
		v, err := r.ReadNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var perr *ProtocolError
			if errors.As(err, &perr) {
				perr.Data = data
				return nil, perr
			}
			return nil, &ProtocolError{Message: err.Error(), Data: data}
		}

		for _, t := range v.Tokens() {
			if t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens, nil
}
