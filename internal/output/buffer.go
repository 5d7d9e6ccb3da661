// Package output aggregates the lines an interpreter writes to its
// stdout and stderr into one per-session buffer.
//
// The process supervisor is the only writer (through OnLine); the
// command channel reads with Snapshot and resets with Clear before a
// command unless an abandoned one still owes output.  All three take the same lock, which is held only for
// the duration of a string copy.
package output

import (
	"strings"
	"sync"
)

// Buffer is a mutex-guarded line buffer with an append notification.
// The zero value is ready to use.
type Buffer struct {
	mu    sync.Mutex
	b     strings.Builder
	lines int
	total int64

	notifyOnce sync.Once
	notify     chan struct{}
}

// New returns an empty Buffer.
func New() *Buffer {
	b := &Buffer{}
	b.init()
	return b
}

func (b *Buffer) init() {
	b.notifyOnce.Do(func() { b.notify = make(chan struct{}, 1) })
}

// OnLine appends line plus a newline.  It never drops a line and never
// blocks beyond the lock hold time.
func (b *Buffer) OnLine(line string) {
	b.init()
	b.mu.Lock()
	b.b.WriteString(line)
	b.b.WriteByte('\n')
	b.lines++
	b.total++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the buffer contents as of the call.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Clear empties the buffer.  Callers clear before issuing a command so
// output from an earlier command cannot satisfy a later wait.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.b.Reset()
	b.lines = 0
	b.mu.Unlock()
}

// Lines returns the number of lines currently buffered.
func (b *Buffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lines
}

// Total returns the number of lines ever appended, across clears.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Appended returns a channel that receives (coalesced) after appends.
// Waiters use it to wake early instead of sleeping a full poll tick.
func (b *Buffer) Appended() <-chan struct{} {
	b.init()
	return b.notify
}
