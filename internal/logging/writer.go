package logging

import (
	"bytes"
	"log/slog"
	"sync"
)

// An io.Writer that forwards complete lines of process output to a logger at
// debug level.
//
// Partial lines are buffered until a newline arrives or [Writer.Flush] is
// called.
type Writer struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

// Creates a [Writer] bound to the given logger.
func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{logger: logger}
}

// Buffers p and logs every complete line.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line; put it back for the next write.
			w.buf.Write(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *Writer) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || w.logger == nil {
		return
	}
	w.logger.Debug("output", "line", string(line))
}
