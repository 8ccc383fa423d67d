package mcp

import (
	"bytes"
	"encoding/json"

	"ledgerbridge/internal/logging"
)

// DefaultMaxFrameBuffer caps buffered, not yet framed input.
const DefaultMaxFrameBuffer = 10 * 1024 * 1024

// Framer splits a newline-delimited JSON byte stream into messages.
//
// Bytes before a newline that do not parse as JSON are kept as the start of
// an incomplete message, so a message that spans several lines is assembled
// once its final newline arrives. A line that is itself a complete JSON
// object after such leftovers ends the wait: the leftovers are dropped as
// noise. The buffer is capped; on overflow it is discarded entirely.
type Framer struct {
	buf       []byte
	scanned   int // offset up to which newlines have been examined
	max       int
	overflows int
	noise     int
}

// NewFramer creates a framer. maxBuffer <= 0 selects DefaultMaxFrameBuffer.
func NewFramer(maxBuffer int) *Framer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxFrameBuffer
	}
	return &Framer{max: maxBuffer}
}

// Feed appends chunk and returns every complete message, in stream order.
// Returned slices do not alias the framer's buffer.
func (f *Framer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	pos := f.scanned
	for {
		idx := bytes.IndexByte(f.buf[pos:], '\n')
		if idx < 0 {
			break
		}
		nl := pos + idx

		candidate := bytes.TrimSpace(f.buf[:nl])
		if len(candidate) == 0 {
			f.consume(nl + 1)
			pos = 0
			continue
		}
		if json.Valid(candidate) {
			frames = append(frames, clone(candidate))
			f.consume(nl + 1)
			pos = 0
			continue
		}

		lineStart := bytes.LastIndexByte(f.buf[:nl], '\n') + 1
		if lineStart > 0 {
			line := bytes.TrimSpace(f.buf[lineStart:nl])
			if len(line) > 0 && line[0] == '{' && json.Valid(line) {
				f.noise++
				logging.Get(logging.CategoryTransport).Warn("Dropping %d bytes of unframeable output: %q",
					lineStart, truncate(f.buf[:lineStart], 200))
				frames = append(frames, clone(line))
				f.consume(nl + 1)
				pos = 0
				continue
			}
		}

		// Still incomplete: keep it and look at the next newline.
		pos = nl + 1
	}
	f.scanned = pos

	if len(f.buf) > f.max {
		f.overflows++
		logging.Get(logging.CategoryTransport).Error("Frame buffer exceeded %d bytes (%d buffered), discarding", f.max, len(f.buf))
		f.buf = nil
		f.scanned = 0
	}
	return frames
}

func (f *Framer) consume(n int) {
	rest := len(f.buf) - n
	copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

// Buffered returns the number of bytes waiting for a newline or completion.
func (f *Framer) Buffered() int { return len(f.buf) }

// Overflows returns how many times the buffer cap was hit.
func (f *Framer) Overflows() int { return f.overflows }

// NoiseDrops returns how many times leftover bytes were discarded as noise.
func (f *Framer) NoiseDrops() int { return f.noise }

// Reset discards buffered input.
func (f *Framer) Reset() {
	f.buf = nil
	f.scanned = 0
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
