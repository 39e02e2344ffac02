package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds a single protocol line. Scene snapshots can be large.
const maxLineSize = 10 * 1024 * 1024

// ErrMalformed marks a line that is not a protocol message. The stream
// itself is still usable.
var ErrMalformed = errors.New("malformed message")

// validator is implemented by payloads that check themselves before they
// are sent and after they are read.
type validator interface {
	Validate() error
}

// Encoder writes one message per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send wraps payload in a message of type t and writes it with a single
// Write call, so lines from concurrent senders never interleave.
func (e *Encoder) Send(t MessageType, payload any) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if v, ok := payload.(validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", t, err)
		}
	}

	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Data = data
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

// Decoder reads messages line by line. It is not safe for concurrent use.
type Decoder struct {
	s *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{s: s}
}

// Next returns the next message. It returns io.EOF at a clean end of
// stream, an error wrapping ErrMalformed for a bad line, and any other
// error when the stream broke.
func (d *Decoder) Next() (*Message, error) {
	if !d.s.Scan() {
		if err := d.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var msg Message
	if err := json.Unmarshal(d.s.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// Payload decodes the data of msg, which must be of type t. A payload that
// decodes but fails validation is returned along with the error, so the
// caller can still address a reply to it.
func Payload[T any](msg *Message, t MessageType) (*T, error) {
	if msg.Type != t {
		return nil, fmt.Errorf("expected %s message, got %s", t, msg.Type)
	}
	p := new(T)
	if err := json.Unmarshal(msg.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if v, ok := any(p).(validator); ok {
		if err := v.Validate(); err != nil {
			return p, fmt.Errorf("invalid %s payload: %w", t, err)
		}
	}
	return p, nil
}
