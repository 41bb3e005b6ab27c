// Package chunker splits model replies into transport-sized segments along
// paragraph boundaries.
//
// Segments never split a paragraph. Rejoining the segments of a text with
// Delimiter reproduces the text exactly. Lengths are counted in runes.
//
// A segment may exceed the limit in two cases: it is a single paragraph that
// is longer than the limit, or it carries blank paragraphs glued onto its
// neighbour. A blank paragraph (empty or whitespace only) never becomes a
// segment of its own, so a segment is blank only when the whole text is.
package chunker

import (
	"iter"
	"slices"
	"strings"
	"unicode/utf8"
)

// Delimiter separates paragraphs.
const Delimiter = "\n\n"

var delimLen = utf8.RuneCountInString(Delimiter)

// Chunk returns the segments of text packed greedily up to maxLength runes.
// The sequence is lazy and may be ranged over more than once. Empty text or
// a non-positive maxLength yields nothing.
func Chunk(text string, maxLength int) iter.Seq[string] {
	return func(yield func(string) bool) {
		if text == "" || maxLength <= 0 {
			return
		}

		var (
			cur      strings.Builder
			curLen   int
			curBlank bool
			open     bool
		)
		rest := text
		for {
			para, tail, more := strings.Cut(rest, Delimiter)
			paraLen := utf8.RuneCountInString(para)
			blank := isBlank(para)

			switch {
			case !open:
				cur.WriteString(para)
				curLen, curBlank, open = paraLen, blank, true
			case curBlank || blank:
				// glue blank paragraphs so nothing is emitted blank
				cur.WriteString(Delimiter)
				cur.WriteString(para)
				curLen += delimLen + paraLen
				curBlank = curBlank && blank
			case curLen+delimLen+paraLen <= maxLength:
				cur.WriteString(Delimiter)
				cur.WriteString(para)
				curLen += delimLen + paraLen
			default:
				if !yield(cur.String()) {
					return
				}
				cur.Reset()
				cur.WriteString(para)
				curLen = paraLen
			}

			if !more {
				break
			}
			rest = tail
		}

		if cur.Len() > 0 {
			yield(cur.String())
		}
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Split collects Chunk into a slice.
func Split(text string, maxLength int) []string {
	return slices.Collect(Chunk(text, maxLength))
}

// Join is the inverse of Split.
func Join(segments []string) string {
	return strings.Join(segments, Delimiter)
}
