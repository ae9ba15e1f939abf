package progress

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// StreamWriter writes complete lines to an underlying writer, each prefixed.
// Partial lines are buffered until the newline arrives or Flush is called.
type StreamWriter struct {
	mu     sync.Mutex
	writer io.Writer
	prefix string
	buffer []byte
}

// NewStreamWriter creates a stream writer
func NewStreamWriter(w io.Writer, prefix string) *StreamWriter {
	return &StreamWriter{writer: w, prefix: prefix, buffer: make([]byte, 0, 4096)}
}

func (sw *StreamWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.buffer = append(sw.buffer, p...)
	for {
		idx := bytes.IndexByte(sw.buffer, '\n')
		if idx < 0 {
			break
		}
		line := sw.buffer[:idx]
		if _, err := fmt.Fprintf(sw.writer, "%s %s\n", sw.prefix, line); err != nil {
			return len(p), err
		}
		sw.buffer = sw.buffer[idx+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line
func (sw *StreamWriter) Flush() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.buffer) == 0 {
		return nil
	}
	_, err := fmt.Fprintf(sw.writer, "%s %s\n", sw.prefix, sw.buffer)
	sw.buffer = sw.buffer[:0]
	return err
}
