package probe

import (
	"strings"
	"sync"
)

// Sink is the display element the probe writes into
type Sink interface {
	// Set replaces the whole value
	Set(value string)
	// Append adds text at the end of the value
	Append(text string)
	// Value returns the current value
	Value() string
}

// Buffer is an in-memory Sink, safe for use from the bus delivery goroutine
type Buffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

var _ Sink = (*Buffer)(nil)

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Set(value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.buf.WriteString(value)
}

func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(text)
}

func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
