package conversation

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	reasoningOpen  = "<think>"
	reasoningClose = "</think>"
)

var emptyReasoning = regexp.MustCompile(`<think>\s*</think>`)

// Cleaner strips scaffolding that some models leave in their replies: empty
// reasoning blocks and trailing stop markers of the prompt format. Output
// that lacks the expected markers passes through unchanged.
type Cleaner struct {
	stopWords []string
}

// NewCleaner creates a Cleaner that also trims the given stop markers.
func NewCleaner(stopWords ...string) *Cleaner {
	stops := make([]string, 0, len(stopWords))
	for _, w := range stopWords {
		if w = strings.TrimSpace(w); w != "" {
			stops = append(stops, w)
		}
	}
	return &Cleaner{stopWords: stops}
}

// Clean runs every rule until the text stops changing, so Clean(Clean(x)) ==
// Clean(x).
func (c *Cleaner) Clean(reply string) string {
	out := reply
	for {
		next := c.pass(out)
		if next == out {
			return out
		}
		out = next
	}
}

func (c *Cleaner) pass(s string) string {
	s = emptyReasoning.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	for _, w := range c.stopWords {
		s = strings.TrimSuffix(s, w)
	}
	return s
}

// ReasoningFilter removes a leading empty reasoning block from a stream of
// reply fragments. It holds output back only while the text seen so far
// could still be the start of such a block: the opening tag, whitespace and
// at most a partial closing tag. A block that has any content is released
// at once and passed through untouched.
type ReasoningFilter struct {
	pending  strings.Builder
	decided  bool
	trimLead bool
}

// Write consumes a fragment and returns the text that may be released.
func (f *ReasoningFilter) Write(delta string) string {
	if f.decided {
		if f.trimLead {
			delta = strings.TrimLeftFunc(delta, unicode.IsSpace)
			f.trimLead = delta == ""
		}
		return delta
	}
	f.pending.WriteString(delta)
	buf := f.pending.String()

	head := strings.TrimLeftFunc(buf, unicode.IsSpace)
	switch {
	case head == "":
		return ""
	case len(head) < len(reasoningOpen) && strings.HasPrefix(reasoningOpen, head):
		return ""
	case !strings.HasPrefix(head, reasoningOpen):
		return f.release(buf)
	}

	body := head[len(reasoningOpen):]
	end := strings.Index(body, reasoningClose)
	if end < 0 {
		tail := strings.TrimLeftFunc(body, unicode.IsSpace)
		if tail == "" || strings.HasPrefix(reasoningClose, tail) {
			return ""
		}
		return f.release(buf)
	}
	if strings.TrimSpace(body[:end]) != "" {
		return f.release(buf)
	}
	rest := f.release(strings.TrimLeftFunc(body[end+len(reasoningClose):], unicode.IsSpace))
	f.trimLead = rest == ""
	return rest
}

// Flush releases anything still held back at the end of the stream.
func (f *ReasoningFilter) Flush() string {
	if f.decided {
		return ""
	}
	return f.release(f.pending.String())
}

func (f *ReasoningFilter) release(s string) string {
	f.decided = true
	f.pending.Reset()
	return s
}
