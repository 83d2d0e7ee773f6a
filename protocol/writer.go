package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// Writer buffers RESP replies for a single connection. Nothing reaches the
// underlying writer until Flush.
type Writer struct {
	bw  *bufio.Writer
	buf []byte
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw:  bufio.NewWriter(w),
		buf: make([]byte, 0, 256),
	}
}

func (w *Writer) emit(b []byte) error {
	_, err := w.bw.Write(b)
	w.buf = b[:0]
	return err
}

// WriteValue writes a RESP value to the output stream
func (w *Writer) WriteValue(v Value) error {
	switch v.Type {
	case TypeSimpleString:
		return w.WriteSimpleString(string(v.Data))
	case TypeError:
		return w.WriteError(string(v.Data))
	case TypeInteger:
		return w.WriteInteger(v.Integer)
	case TypeBulkString:
		if v.IsNull {
			return w.WriteNullBulkString()
		}
		return w.WriteBulkString(v.Data)
	case TypeArray:
		if v.IsNull {
			return w.WriteNullArray()
		}
		return w.WriteArray(v.Array)
	default:
		return fmt.Errorf("unsupported value type: %c", v.Type)
	}
}

// WriteSimpleString writes a simple string
func (w *Writer) WriteSimpleString(s string) error {
	return w.emit(AppendSimpleString(w.buf, s))
}

// WriteError writes an error message
func (w *Writer) WriteError(msg string) error {
	return w.emit(AppendError(w.buf, msg))
}

// WriteInteger writes an integer
func (w *Writer) WriteInteger(n int64) error {
	return w.emit(AppendInteger(w.buf, n))
}

// WriteBulkString writes a bulk string
func (w *Writer) WriteBulkString(data []byte) error {
	return w.WriteBulkStringFromString(string(data))
}

// WriteBulkStringFromString writes a bulk string from a string
func (w *Writer) WriteBulkStringFromString(s string) error {
	return w.emit(AppendBulkString(w.buf, s))
}

// WriteNullBulkString writes a null bulk string
func (w *Writer) WriteNullBulkString() error {
	return w.emit(AppendNullBulkString(w.buf))
}

// WriteArrayHeader writes the "*n" prefix; the caller writes n values next
func (w *Writer) WriteArrayHeader(n int) error {
	return w.emit(AppendArrayHeader(w.buf, n))
}

// WriteArray writes an array of values
func (w *Writer) WriteArray(values []Value) error {
	if err := w.WriteArrayHeader(len(values)); err != nil {
		return err
	}
	for _, value := range values {
		if err := w.WriteValue(value); err != nil {
			return err
		}
	}
	return nil
}

// WriteStringArray writes an array of bulk strings
func (w *Writer) WriteStringArray(items []string) error {
	return w.emit(AppendStringArray(w.buf, items))
}

// WriteNullArray writes a null array
func (w *Writer) WriteNullArray() error {
	return w.emit(append(w.buf, "*-1\r\n"...))
}

// WriteCommand writes a Redis command as a RESP array
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	return w.emit(append(w.buf, EncodeCommand(cmd, args...)...))
}

// WriteRaw writes pre-encoded bytes as-is
func (w *Writer) WriteRaw(b []byte) error {
	_, err := w.bw.Write(b)
	return err
}

// WriteOK writes a simple "OK" response
func (w *Writer) WriteOK() error {
	return w.WriteSimpleString("OK")
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Reset resets the writer to write to a new underlying writer
func (w *Writer) Reset(writer io.Writer) {
	w.bw.Reset(writer)
}
