// Package eventstream decodes text/event-stream bodies incrementally.
//
// A Decoder reads one line at a time, collects the fields of the current
// event and hands the event out as soon as its boundary is seen. It knows
// nothing about HTTP, so it can be fed from any io.Reader.
package eventstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// DefaultMaxLineSize bounds a single line of the stream.
const DefaultMaxLineSize = 1 << 20

// ErrLineTooLong is returned when a line exceeds the configured maximum.
var ErrLineTooLong = errors.New("eventstream: line too long")

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLineEvents makes every data line its own event instead of waiting for
// a blank line. Several completion APIs emit one JSON document per line and
// do not always separate events with an empty line.
func WithLineEvents() Option {
	return func(d *Decoder) {
		d.lineEvents = true
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// Decoder splits a stream into events.
type Decoder struct {
	r          *bufio.Reader
	maxLine    int
	lineEvents bool

	name    string
	id      string
	data    [][]byte
	pending bool
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:       bufio.NewReader(r),
		maxLine: DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event. It returns io.EOF once the stream is exhausted
// and no event is pending.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if d.pending {
					return d.dispatch(), nil
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		if len(line) == 0 {
			if d.pending {
				return d.dispatch(), nil
			}
			d.name = ""
			continue
		}

		if line[0] == ':' {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			d.name = string(value)
		case "id":
			d.id = string(value)
		case "data":
			d.data = append(d.data, append([]byte(nil), value...))
			d.pending = true
			if d.lineEvents {
				return d.dispatch(), nil
			}
		}
	}
}

func (d *Decoder) dispatch() Event {
	ev := Event{
		Name: d.name,
		ID:   d.id,
		Data: bytes.Join(d.data, []byte("\n")),
	}
	d.name = ""
	d.data = d.data[:0]
	d.pending = false
	return ev
}

// readLine returns one line without its terminator. A final line without a
// trailing newline is returned before io.EOF.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > d.maxLine+2 {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return bytes.TrimRight(line, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

func splitField(line []byte) (string, []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return string(line), nil
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:idx]), value
}
