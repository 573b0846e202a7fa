// Package wire provides message framing for the hosted buffer protocol.
//
// Messages are length-delimited using protobuf's standard varint encoding,
// and encoded in protobuf wire format. This allows efficient streaming of
// variable-length messages over pipes or sockets.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/errors"
)

// Reader reads length-delimited messages from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	mu      sync.Mutex
	maxSize int
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, config.DefaultMaxMessageSize)
}

// NewReaderSize creates a Reader that rejects frames above maxSize bytes.
func NewReaderSize(r io.Reader, maxSize int) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read reads and decodes the next message.
// Returns io.EOF if the stream ends cleanly between messages, and an error if
// the message exceeds the maximum size.
func (r *Reader) Read() (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size, err := binary.ReadUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read message length: %w", err)
	}
	if size > uint64(r.maxSize) {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", size, r.maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read message: %w", err)
	}

	msg, err := Unmarshal(buf)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Writer writes length-delimited messages to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w       io.Writer
	mu      sync.Mutex
	maxSize int
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return NewWriterSize(w, config.DefaultMaxMessageSize)
}

// NewWriterSize creates a Writer that refuses messages above maxSize bytes.
func NewWriterSize(w io.Writer, maxSize int) *Writer {
	return &Writer{w: w, maxSize: maxSize}
}

// Write encodes and writes a message with length prefix in a single write.
// A message the peer's Reader would reject fails with ErrTooLarge and
// nothing is written.
func (w *Writer) Write(msg *Message) error {
	body := Marshal(msg)
	if len(body) > w.maxSize {
		return fmt.Errorf("%w: %s of %d bytes exceeds maximum %d",
			errors.ErrTooLarge, msg.Kind, len(body), w.maxSize)
	}
	frame := make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body))
	frame = protowire.AppendVarint(frame, uint64(len(body)))
	frame = append(frame, body...)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g. a pipe pair).
func NewConn(rw io.ReadWriter) *Conn {
	return NewConnSize(rw, config.DefaultMaxMessageSize)
}

// NewConnSize creates a Conn whose frames in both directions are limited to
// maxSize bytes.
func NewConnSize(rw io.ReadWriter, maxSize int) *Conn {
	return &Conn{
		Reader: NewReaderSize(rw, maxSize),
		Writer: NewWriterSize(rw, maxSize),
	}
}

// =============================================================================
// Reply Helpers
// =============================================================================

// NewReply creates an empty success reply for request id.
func NewReply(id uint64) *Message {
	return &Message{ID: id, Kind: KindReply}
}

// NewError creates an error reply with the given request ID, error code, and message.
// Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *Message {
	return &Message{
		ID:   id,
		Kind: KindError,
		Error: &Error{
			Code:    code,
			Message: msg,
		},
	}
}

// NewErrorFromErr creates an error reply from a Go error.
// It maps the error to its wire code using errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *Message {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error reply with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *Message {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// Err returns the error carried by an error reply, or nil. The result
// matches the sentinel of its code with errors.Is.
func (m *Message) Err() error {
	if m.Kind != KindError {
		return nil
	}
	if m.Error == nil {
		return &errors.RemoteError{Code: errors.CodeInternal, Message: "error reply without details"}
	}
	return &errors.RemoteError{Code: m.Error.Code, Message: m.Error.Message}
}
