package channel

import "bytes"

// LineReader reassembles newline-terminated messages from a byte stream.
// It buffers at most max bytes of an unterminated line.
//
// A line longer than max is truncated: the buffered prefix is dropped, the
// rest of the line up to and including its newline is skipped, and the
// line is never emitted. The stream stays usable and the next line is
// parsed normally.
type LineReader struct {
	buf       []byte
	max       int
	skipping  bool
	truncated int
}

// NewLineReader returns a reader bounded by max bytes per line. A
// non-positive max selects MaxLine.
func NewLineReader(max int) *LineReader {
	if max <= 0 {
		max = MaxLine
	}
	return &LineReader{max: max}
}

// Feed consumes p and calls emit for every complete line, without its
// newline. The slice passed to emit aliases either p or the reader's
// buffer and is only valid for the duration of the call.
func (r *LineReader) Feed(p []byte, emit func([]byte)) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')

		if r.skipping {
			if i < 0 {
				return
			}
			r.skipping = false
			p = p[i+1:]
			continue
		}

		if i < 0 {
			if len(r.buf)+len(p) > r.max {
				r.truncate()
				r.skipping = true
				return
			}
			r.buf = append(r.buf, p...)
			return
		}

		switch {
		case len(r.buf)+i > r.max:
			r.truncate()
		case len(r.buf) == 0:
			emit(p[:i])
		default:
			r.buf = append(r.buf, p[:i]...)
			emit(r.buf)
			r.buf = r.buf[:0]
		}
		p = p[i+1:]
	}
}

func (r *LineReader) truncate() {
	r.buf = r.buf[:0]
	r.truncated++
}

// Pending returns the number of buffered bytes of an unterminated line.
// Those bytes are discarded if the stream ends before a newline.
func (r *LineReader) Pending() int {
	return len(r.buf)
}

// Truncated returns how many lines were dropped for exceeding the bound.
func (r *LineReader) Truncated() int {
	return r.truncated
}
