package console

import (
	"io"
	"sync"
)

// Stream keeps the output value and mirrors every write to w. Set writes the
// whole new value, Append only the appended text.
type Stream struct {
	mu    sync.Mutex
	value string
	w     io.Writer
}

// NewStream creates an empty stream writing to w; nil discards
func NewStream(w io.Writer) *Stream {
	if w == nil {
		w = io.Discard
	}
	return &Stream{w: w}
}

func (s *Stream) Set(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	_, _ = io.WriteString(s.w, value)
}

func (s *Stream) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value += text
	_, _ = io.WriteString(s.w, text)
}

func (s *Stream) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
