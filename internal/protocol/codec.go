package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send after a terminal message went out.
var ErrClosed = errors.New("protocol stream closed")

// Encoder writes one message per line. It is safe for concurrent use; each
// message is a single Write.
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewEncoder writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send writes m. After a result or error message the encoder is closed and
// further sends fail with ErrClosed, so the terminal message stays last.
func (e *Encoder) Send(m Message) error {
	line, err := json.Marshal(m)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if m.Type.Terminal() {
		e.closed = true
	}
	_, err = e.w.Write(line)
	return err
}

// Frame is one decoded line: either a message or raw text.
type Frame struct {
	Message *Message
	Raw     string
}

// Parse decodes a single line. Lines that are not protocol messages come
// back as Raw.
func Parse(line []byte) Frame {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{Raw: string(trimmed)}
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Frame{Raw: string(trimmed)}
	}
	return Frame{Message: &m}
}

// Decoder reads frames line by line. Lines have no length limit, since a
// result envelope can be large.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank frame, or io.EOF.
func (d *Decoder) Next() (Frame, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			return Parse(line), nil
		}
		if err != nil {
			return Frame{}, err
		}
	}
}
