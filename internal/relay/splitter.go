package relay

import (
	"bytes"
	"strings"
)

var (
	frameDelimiter = []byte("\n\n")
	crlf           = []byte("\r\n")
	lf             = []byte("\n")
)

// FrameSplitter reassembles SSE events from arbitrarily chunked input.
// Only events terminated by a blank line are emitted; the trailing fragment
// is held until a later chunk completes it.
type FrameSplitter struct {
	buf []byte
}

// Push appends chunk and returns every event it completed, in order.
func (f *FrameSplitter) Push(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)
	// Repeat until stable: collapsing "\r\r\n" leaves a new "\r\n".
	for bytes.Contains(f.buf, crlf) {
		f.buf = bytes.ReplaceAll(f.buf, crlf, lf)
	}

	var (
		frames []string
		offset int
	)
	for {
		i := bytes.Index(f.buf[offset:], frameDelimiter)
		if i < 0 {
			break
		}
		frames = append(frames, string(f.buf[offset:offset+i]))
		offset += i + len(frameDelimiter)
	}
	if offset > 0 {
		f.buf = append(f.buf[:0], f.buf[offset:]...)
	}
	return frames
}

// Pending returns the buffered, not yet delimited fragment.
func (f *FrameSplitter) Pending() string {
	return string(f.buf)
}

// frameData joins the data lines of one event. It reports false when the
// event carries no data field, e.g. a comment or a bare event name.
func frameData(frame string) (string, bool) {
	var (
		parts []string
		found bool
	)
	for _, line := range strings.Split(frame, "\n") {
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		found = true
		parts = append(parts, strings.TrimPrefix(value, " "))
	}
	if !found {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
