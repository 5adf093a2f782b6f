package connector

import (
	"bytes"
	"strings"
	"sync"
)

// LineWriter is an io.Writer that splits written chunks into lines and hands
// each trimmed, non-empty line to a LineFunc. It also keeps a copy of
// everything written so the caller can build a Result.
type LineWriter struct {
	mu      sync.Mutex
	kind    LineKind
	onLine  LineFunc
	pending []byte
	all     bytes.Buffer
}

// NewLineWriter returns a LineWriter tagging lines with kind.
func NewLineWriter(kind LineKind, onLine LineFunc) *LineWriter {
	return &LineWriter{kind: kind, onLine: onLine}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.all.Write(p)
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

// String returns everything written so far.
func (w *LineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.all.String()
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" || w.onLine == nil {
		return
	}
	w.onLine(line, w.kind)
}
