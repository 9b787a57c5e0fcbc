package peripheral

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// DefaultLineCapacity bounds a single configuration message. The five form
// fields fit comfortably.
const DefaultLineCapacity = 1024

var ErrLineTooLong = errors.New("line exceeds receive buffer")

// LineAssembler rebuilds newline terminated messages from the chunks a
// central writes to the characteristic. Bytes sit in a fixed size ring buffer
// until their terminating '\n' arrives.
type LineAssembler struct {
	buf      *ringbuffer.RingBuffer
	capacity int
	// set after an overflow: everything up to the next '\n' belongs to the
	// line that did not fit and is dropped
	discarding bool
}

func NewLineAssembler(capacity int) *LineAssembler {
	if capacity <= 0 {
		capacity = DefaultLineCapacity
	}
	return &LineAssembler{buf: ringbuffer.New(capacity), capacity: capacity}
}

// Feed appends chunk and returns every line it completed, without the '\n'.
// A line longer than the buffer is dropped and reported with ErrLineTooLong;
// lines completed in the same chunk after it are still returned.
func (a *LineAssembler) Feed(chunk []byte) ([]string, error) {
	var overflow error

	if a.discarding {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil, nil
		}
		a.discarding = false
		chunk = chunk[idx+1:]
	}

	var lines []string
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		var part []byte
		if idx < 0 {
			part = chunk
			chunk = nil
		} else {
			part = chunk[:idx+1]
			chunk = chunk[idx+1:]
		}

		if len(part) > a.buf.Free() {
			a.buf.Reset()
			overflow = fmt.Errorf("%w (%d bytes)", ErrLineTooLong, a.capacity)
			if idx < 0 {
				a.discarding = true
			}
			continue
		}
		if _, err := a.buf.Write(part); err != nil {
			a.buf.Reset()
			return lines, fmt.Errorf("buffer chunk: %w", err)
		}
		if idx >= 0 {
			lines = append(lines, a.drainLine())
		}
	}
	return lines, overflow
}

// Pending returns the number of buffered bytes of the unfinished line.
func (a *LineAssembler) Pending() int {
	return a.buf.Length()
}

// Reset drops any partial line, e.g. when the central disconnects mid message.
func (a *LineAssembler) Reset() {
	a.buf.Reset()
	a.discarding = false
}

func (a *LineAssembler) drainLine() string {
	line := make([]byte, a.buf.Length())
	n, _ := a.buf.Read(line)
	line = line[:n]
	return string(bytes.TrimSuffix(line, []byte{'\n'}))
}
