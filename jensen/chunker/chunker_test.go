package chunker

import (
	"math/rand"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"oversized paragraph kept whole", "aaaa\n\nbbbbbbbbbbbb", 10, []string{"aaaa", "bbbbbbbbbbbb"}},
		{"packs to the limit", "aa\n\nbb\n\ncc", 6, []string{"aa\n\nbb", "cc"}},
		{"all fits", "aa\n\nbb\n\ncc", 100, []string{"aa\n\nbb\n\ncc"}},
		{"single newline is not a boundary", "line one\nline two", 5, []string{"line one\nline two"}},
		{"empty", "", 10, nil},
		{"zero limit", "abc", 0, nil},
		{"negative limit", "abc", -1, nil},
		{"empty paragraph glued", "a\n\n\n\nb", 100, []string{"a\n\n\n\nb"}},
		{"empty paragraph glued at limit", "a\n\n\n\nb", 1, []string{"a\n\n", "b"}},
		{"leading delimiter", "\n\nabc", 3, []string{"\n\nabc"}},
		{"trailing delimiter", "abc\n\n", 3, []string{"abc\n\n"}},
		{"only delimiter", "\n\n", 1, []string{"\n\n"}},
		{"runes not bytes", "héllo\n\nwörld", 12, []string{"héllo\n\nwörld"}},
		{"runes not bytes split", "héllo\n\nwörld", 11, []string{"héllo", "wörld"}},
		{"blank paragraph glued", "aaaa\n\n \n\nbbbb", 4, []string{"aaaa\n\n ", "bbbb"}},
		{"leading blank paragraph glued", " \n\nabc\n\ndef", 3, []string{" \n\nabc", "def"}},
		{"trailing newlines glued", "Hello there\n\n\n", 11, []string{"Hello there\n\n\n"}},
		{"whitespace only", " \n\n\t", 1, []string{" \n\n\t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.max)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Split(%q, %d) mismatch (-want +got):\n%s", tt.text, tt.max, diff)
			}
		})
	}
}

func TestChunk_Restartable(t *testing.T) {
	seq := Chunk("one\n\ntwo\n\nthree", 5)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.Equal(t, []string{"one", "two", "three"}, first)
	assert.Equal(t, first, second)
}

func TestChunk_StopsEarly(t *testing.T) {
	var got []string
	for seg := range Chunk("one\n\ntwo\n\nthree", 3) {
		got = append(got, seg)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)
}

// randomText builds paragraphs of letters, sometimes multi-line. Without
// allowEmpty no paragraph is empty and none contains a blank line.
func randomText(rng *rand.Rand, allowEmpty bool) string {
	n := 1 + rng.Intn(8)
	paras := make([]string, 0, n)
	for i := 0; i < n; i++ {
		size := rng.Intn(30)
		if !allowEmpty && size == 0 {
			size = 1
		}
		var b strings.Builder
		prevNL := false
		for j := 0; j < size; j++ {
			switch r := rng.Intn(12); {
			case r == 0 && (allowEmpty || !prevNL):
				b.WriteByte('\n')
				prevNL = true
				continue
			case r == 1:
				b.WriteString("é")
			default:
				b.WriteByte(byte('a' + rng.Intn(26)))
			}
			prevNL = false
		}
		para := strings.Trim(b.String(), "\n")
		if para == "" && !allowEmpty {
			para = "x"
		}
		paras = append(paras, para)
	}
	return strings.Join(paras, Delimiter)
}

func TestChunk_LosslessAndNonEmpty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		text := randomText(rng, true)
		limit := 1 + rng.Intn(40)

		segs := Split(text, limit)
		if text == "" {
			require.Empty(t, segs)
			continue
		}
		require.Equal(t, text, Join(segs), "text %q limit %d", text, limit)
		for _, seg := range segs {
			require.NotEmpty(t, seg)
		}
	}
}

func TestChunk_Bound(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 2000; i++ {
		text := randomText(rng, false)
		limit := 1 + rng.Intn(40)

		for _, seg := range Split(text, limit) {
			if utf8.RuneCountInString(seg) > limit {
				assert.NotContains(t, seg, Delimiter, "oversized segment must be one paragraph: %q", seg)
			}
		}
	}
}

// fragment cuts text at random byte offsets that fall on rune boundaries.
func fragment(rng *rand.Rand, text string) []string {
	var out []string
	for text != "" {
		n := 1 + rng.Intn(6)
		if n > len(text) {
			n = len(text)
		}
		for n < len(text) && !utf8.RuneStart(text[n]) {
			n++
		}
		out = append(out, text[:n])
		text = text[n:]
	}
	return out
}

func TestChunkStreaming_Equivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(2024))
	for i := 0; i < 2000; i++ {
		text := randomText(rng, true)
		limit := 1 + rng.Intn(40)
		frags := fragment(rng, text)

		streamed := slices.Collect(ChunkStreaming(slices.Values(frags), limit))
		require.Equal(t, Join(Split(text, limit)), Join(streamed), "frags %q limit %d", frags, limit)
		for _, seg := range streamed {
			require.NotEmpty(t, seg, "frags %q limit %d", frags, limit)
		}
	}
}

func TestChunkStreaming_Scenario(t *testing.T) {
	frags := []string{"aa", "aa\n", "\nbbbb", "bbbbbbbb"}

	got := slices.Collect(ChunkStreaming(slices.Values(frags), 10))
	if diff := cmp.Diff([]string{"aaaa", "bbbbbbbbbbbb"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamChunker_EmitsAtParagraphEnd(t *testing.T) {
	sc := NewStreamChunker(100)

	assert.Nil(t, sc.Write("Hello"))
	assert.Nil(t, sc.Write(" world\n\n"), "needs text after the delimiter before cutting")
	assert.Equal(t, []string{"Hello world"}, sc.Write("Next"))
	assert.Equal(t, 4, sc.Pending())

	assert.Equal(t, []string{"Next"}, sc.Flush())
	assert.Zero(t, sc.Pending())
	assert.Empty(t, sc.Flush())
}

func TestStreamChunker_LeadingDelimiterHeld(t *testing.T) {
	sc := NewStreamChunker(100)

	assert.Nil(t, sc.Write("\n\nx"))
	assert.Equal(t, []string{"\n\nx"}, sc.Flush())
}

func TestChunkStreaming_Empty(t *testing.T) {
	assert.Empty(t, slices.Collect(ChunkStreaming(slices.Values([]string{}), 10)))
	assert.Empty(t, slices.Collect(ChunkStreaming(slices.Values([]string{"", ""}), 10)))
	assert.Empty(t, slices.Collect(ChunkStreaming(slices.Values([]string{"abc"}), 0)))
}

func TestStreamChunker_TrailingWhitespaceHeld(t *testing.T) {
	sc := NewStreamChunker(100)

	assert.Nil(t, sc.Write("Hello there\n\n\n"))
	assert.Equal(t, []string{"Hello there\n\n\n"}, sc.Flush())
}

func TestChunkStreaming_NoBlankSegments(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fillers := []string{"", " ", "\n", "\t \n"}
	for i := 0; i < 2000; i++ {
		paras := strings.Split(randomText(rng, false), Delimiter)
		for j := range paras {
			if rng.Intn(3) == 0 {
				paras[j] = fillers[rng.Intn(len(fillers))]
			}
		}
		text := strings.Join(paras, Delimiter)
		limit := 1 + rng.Intn(20)

		split := Split(text, limit)
		streamed := slices.Collect(ChunkStreaming(slices.Values(fragment(rng, text)), limit))
		require.Equal(t, text, Join(split), "text %q limit %d", text, limit)
		require.Equal(t, text, Join(streamed), "text %q limit %d", text, limit)
		if strings.TrimSpace(text) == "" {
			continue
		}
		for _, seg := range append(split, streamed...) {
			require.NotEmpty(t, strings.TrimSpace(seg), "text %q limit %d", text, limit)
		}
	}
}
