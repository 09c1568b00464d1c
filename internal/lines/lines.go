// Package lines turns a chunked byte stream into a sequence of lines.
package lines

import (
	"bytes"
	"iter"
)

// Reassembler buffers arbitrary chunks and hands out complete lines.
// Lines are split on "\r\n", "\n" or a bare "\r"; the delimiter is removed
// and nothing else is altered.
//
// A Reassembler is not safe for concurrent use.
type Reassembler struct {
	buf []byte
	off int
}

// Feed appends a chunk to the stream.
func (r *Reassembler) Feed(chunk []byte) {
	if r.off > 0 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	r.buf = append(r.buf, chunk...)
}

// Lines yields every complete line currently buffered. Each line is
// consumed as it is yielded, so a caller that stops early picks up at the
// next unconsumed line on the following call.
func (r *Reassembler) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, ok := r.next(false)
			if !ok || !yield(line) {
				return
			}
		}
	}
}

// Finish yields the remaining complete lines followed by any held partial
// line, leaving the Reassembler empty.
func (r *Reassembler) Finish() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, ok := r.next(true)
			if !ok || !yield(line) {
				return
			}
		}
	}
}

// Reset discards all buffered data.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.off = 0
}

// Buffered reports how many bytes are held.
func (r *Reassembler) Buffered() int {
	return len(r.buf) - r.off
}

// next removes and returns the first line of the buffer.
func (r *Reassembler) next(final bool) (string, bool) {
	pending := r.buf[r.off:]
	i := bytes.IndexAny(pending, "\r\n")
	if i < 0 {
		if final && len(pending) > 0 {
			line := string(pending)
			r.Reset()
			return line, true
		}
		return "", false
	}

	width := 1
	if pending[i] == '\r' {
		switch {
		case i+1 < len(pending) && pending[i+1] == '\n':
			width = 2
		case i+1 == len(pending) && !final:
			// A trailing CR may be the first half of a CRLF split across
			// chunks.
			return "", false
		}
	}

	line := string(pending[:i])
	r.off += i + width
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
	}
	return line, true
}
