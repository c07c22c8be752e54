package sse

import (
	"bytes"
	"errors"
	"io"

	"github.com/nutrimed/chat-relay/internal/model"
)

// Decoder reassembles frames from byte chunks split at arbitrary
// boundaries. Undecoded bytes are buffered until a line ends; an event is
// dispatched on the blank line that closes its frame. Lines other than
// "data:" lines are ignored.
type Decoder struct {
	// OnMalformed, if set, is called with the payload of each frame that
	// fails to decode. The frame is skipped either way.
	OnMalformed func(payload []byte, err error)

	pending []byte
	data    []byte
	hasData bool
}

// Feed consumes p and returns the events whose frames it completed, in order.
func (d *Decoder) Feed(p []byte) []model.StreamEvent {
	d.pending = append(d.pending, p...)

	var events []model.StreamEvent
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.pending[:i], []byte{'\r'})
		if ev, ok := d.line(line); ok {
			events = append(events, ev)
		}
		d.pending = d.pending[i+1:]
	}

	// Compact so the buffer does not grow with the whole stream.
	if len(d.pending) == 0 {
		d.pending = d.pending[:0:0]
	}
	return events
}

// Pending reports whether a partial line or frame is buffered.
func (d *Decoder) Pending() bool {
	return len(d.pending) > 0 || d.hasData
}

func (d *Decoder) line(line []byte) (model.StreamEvent, bool) {
	if len(line) == 0 {
		return d.dispatch()
	}

	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// Comments, event names, ids: not part of this protocol.
		return nil, false
	}
	rest = bytes.TrimPrefix(rest, []byte{' '})

	if d.hasData {
		d.data = append(d.data, '\n')
	}
	d.data = append(d.data, rest...)
	d.hasData = true
	return nil, false
}

func (d *Decoder) dispatch() (model.StreamEvent, bool) {
	if !d.hasData {
		return nil, false
	}
	payload := d.data
	d.data = nil
	d.hasData = false

	ev, err := model.DecodeEvent(payload)
	if err != nil {
		if d.OnMalformed != nil {
			d.OnMalformed(payload, err)
		}
		return nil, false
	}
	return ev, true
}

// ErrTruncated is returned by Reader when the body ends mid-frame.
var ErrTruncated = errors.New("sse: stream ended mid-frame")

// Reader pulls events from an io.Reader through a Decoder.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	buf     []byte
	queue   []model.StreamEvent
	readErr error
}

// NewReader returns a Reader over r. dec may be nil.
func NewReader(r io.Reader, dec *Decoder) *Reader {
	if dec == nil {
		dec = &Decoder{}
	}
	return &Reader{r: r, dec: dec, buf: make([]byte, 4096)}
}

// Next returns the next decoded event. It returns io.EOF when the body ends
// on a frame boundary and ErrTruncated when it ends inside one.
func (r *Reader) Next() (model.StreamEvent, error) {
	for len(r.queue) == 0 {
		if r.readErr != nil {
			if errors.Is(r.readErr, io.EOF) && r.dec.Pending() {
				return nil, ErrTruncated
			}
			return nil, r.readErr
		}

		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.queue = append(r.queue, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			r.readErr = err
		}
	}

	ev := r.queue[0]
	r.queue = r.queue[1:]
	return ev, nil
}
