package util

import (
	"bytes"
	"sync"
)

// maxPartialLine bounds how much of an unterminated line is held back
// before it is delivered anyway.
const maxPartialLine = 1 << 20

// LineWriter is an io.Writer that splits the byte stream written to it
// into lines and hands each complete line (without the trailing "\n"
// or "\r\n") to OnLine.  Use it as a child process's Stdout/Stderr so
// line delivery is wired before the process starts producing output.
type LineWriter struct {
	OnLine func(line string)

	mu      sync.Mutex
	partial []byte
}

// NewLineWriter returns a LineWriter calling fn for every line.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{OnLine: fn}
}

// Write implements io.Writer.  It never fails.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.partial = append(w.partial, p...)
			if len(w.partial) >= maxPartialLine {
				w.emit(w.partial)
				w.partial = w.partial[:0]
			}
			break
		}
		if len(w.partial) > 0 {
			w.partial = append(w.partial, p[:i]...)
			w.emit(w.partial)
			w.partial = w.partial[:0]
		} else {
			w.emit(p[:i])
		}
		p = p[i+1:]
	}
	return n, nil
}

// Flush delivers any buffered partial line.  Call it once the
// underlying stream has reached EOF.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = w.partial[:0]
	}
}

func (w *LineWriter) emit(b []byte) {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	if w.OnLine != nil {
		w.OnLine(string(b))
	}
}
