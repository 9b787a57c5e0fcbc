package console

import (
	"context"
	"log"
	"sync"
	"time"
)

// ChunkWriter is the characteristic the transport writes to. Each call is one
// write without response.
type ChunkWriter interface {
	WriteChunk(chunk []byte) error
}

// ChunkWriterFunc adapts a function to ChunkWriter.
type ChunkWriterFunc func(chunk []byte) error

func (f ChunkWriterFunc) WriteChunk(chunk []byte) error { return f(chunk) }

// Sleeper waits d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-time Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ChunkedTransport writes a message to a characteristic in ChunkSize byte
// pieces, ChunkDelay apart. One Send runs at a time.
type ChunkedTransport struct {
	mu     sync.Mutex
	sleep  Sleeper
	logger *log.Logger
}

func NewChunkedTransport(logger *log.Logger) *ChunkedTransport {
	return NewChunkedTransportWithSleeper(logger, SleepContext)
}

func NewChunkedTransportWithSleeper(logger *log.Logger, sleep Sleeper) *ChunkedTransport {
	if logger == nil {
		panic("ChunkedTransport: logger cannot be nil")
	}
	if sleep == nil {
		panic("ChunkedTransport: sleeper cannot be nil")
	}
	return &ChunkedTransport{sleep: sleep, logger: logger}
}

// SplitChunks cuts data into consecutive pieces of at most size bytes. The
// cut is by byte, so a multi-byte character may span two pieces.
func SplitChunks(data []byte, size int) [][]byte {
	if size <= 0 {
		panic("SplitChunks: size must be > 0")
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Send writes text to w. Chunks go out strictly in order, each write
// finishing before the next begins, with ChunkDelay between consecutive
// writes and none after the last. The first failing write, or ctx ending
// between writes, stops the send and returns a *PartialFailureError; nothing
// is retried or rolled back.
func (t *ChunkedTransport) Send(ctx context.Context, text string, w ChunkWriter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	chunks := SplitChunks([]byte(text), ChunkSize)
	written := 0
	for i, chunk := range chunks {
		var err error
		if i > 0 {
			err = t.sleep(ctx, ChunkDelay)
		} else {
			err = ctx.Err()
		}
		if err != nil {
			return &PartialFailureError{ChunkIndex: i, ChunkCount: len(chunks), BytesWritten: written, Err: err}
		}
		if err := w.WriteChunk(chunk); err != nil {
			t.logger.Printf("ChunkedTransport: chunk %d/%d failed: %v", i+1, len(chunks), err)
			return &PartialFailureError{ChunkIndex: i, ChunkCount: len(chunks), BytesWritten: written, Err: err}
		}
		written += len(chunk)
	}
	t.logger.Printf("ChunkedTransport: sent %d bytes in %d chunks", written, len(chunks))
	return nil
}
