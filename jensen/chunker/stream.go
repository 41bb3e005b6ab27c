package chunker

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// StreamChunker chunks text that arrives in fragments. It holds back only the
// text after the last complete paragraph. A StreamChunker belongs to one
// stream and is not safe for concurrent use.
type StreamChunker struct {
	maxLength int
	buf       strings.Builder
}

// NewStreamChunker creates a StreamChunker packing segments up to maxLength runes.
func NewStreamChunker(maxLength int) *StreamChunker {
	return &StreamChunker{maxLength: maxLength}
}

// Write appends a fragment and returns the segments completed by it.
func (s *StreamChunker) Write(delta string) []string {
	if delta == "" || s.maxLength <= 0 {
		return nil
	}
	s.buf.WriteString(delta)

	// Both sides of the cut must hold more than whitespace. A blank remainder
	// would otherwise be flushed as a segment of its own, and an empty one
	// would lose a delimiter on rejoin.
	text := s.buf.String()
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	_, size := utf8.DecodeLastRuneInString(trimmed)
	last := len(trimmed) - size
	if last <= 0 {
		return nil
	}
	idx := strings.LastIndex(text[:last], Delimiter)
	if idx < 0 {
		return nil
	}

	done, rest := text[:idx], text[idx+len(Delimiter):]
	if isBlank(done) {
		return nil
	}
	s.buf.Reset()
	s.buf.WriteString(rest)
	return Split(done, s.maxLength)
}

// Flush returns the held-back remainder as segments and empties the buffer.
func (s *StreamChunker) Flush() []string {
	text := s.buf.String()
	s.buf.Reset()
	return Split(text, s.maxLength)
}

// Pending reports how much text is held back, in bytes.
func (s *StreamChunker) Pending() int {
	return s.buf.Len()
}

// ChunkStreaming chunks a sequence of fragments as they are produced.
// Rejoined with Delimiter, the output equals the concatenated input.
func ChunkStreaming(deltas iter.Seq[string], maxLength int) iter.Seq[string] {
	return func(yield func(string) bool) {
		if maxLength <= 0 {
			return
		}
		sc := NewStreamChunker(maxLength)
		for d := range deltas {
			for _, seg := range sc.Write(d) {
				if !yield(seg) {
					return
				}
			}
		}
		for _, seg := range sc.Flush() {
			if !yield(seg) {
				return
			}
		}
	}
}
