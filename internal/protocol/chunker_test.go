package protocol

import (
	"strings"
	"testing"
)

func TestChunk_Empty(t *testing.T) {
	if got := Chunk("", 100, false); got != nil {
		t.Errorf("Chunk(\"\") = %v, want nil", got)
	}
}

func TestChunk_FitsWhole(t *testing.T) {
	got := Chunk("hello", 100, false)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("Chunk = %v, want [hello]", got)
	}
}

func TestChunk_RoundTrip(t *testing.T) {
	inputs := []string{
		"plain ascii text that needs splitting into several chunks",
		strings.Repeat("héllo wörld ", 50),
		"日本語のテキスト" + strings.Repeat("あいうえお", 30),
		"before\x1b[31mred text\x1b[0mafter" + strings.Repeat("x", 40),
		"mixed\nlines\nwith\nnewlines\n" + strings.Repeat("tail", 25),
		"emoji 😀😀😀 and more 🎉 content here",
	}
	for _, s := range inputs {
		for _, maxBytes := range []int{1, 2, 3, 7, 16, 64} {
			chunks := Chunk(s, maxBytes, false)
			if got := strings.Join(chunks, ""); got != s {
				t.Fatalf("round trip failed for maxBytes=%d: got %q, want %q", maxBytes, got, s)
			}
			for _, c := range chunks {
				if !strings.ContainsRune(c, '\x1b') && len(c) > maxBytes && len([]rune(c)) > 1 {
					t.Errorf("chunk %q exceeds maxBytes=%d", c, maxBytes)
				}
			}
		}
	}
}

func TestChunk_NoSplitInsideRune(t *testing.T) {
	s := strings.Repeat("é", 100) // 2 bytes each
	for _, maxBytes := range []int{3, 5, 7} {
		for _, c := range Chunk(s, maxBytes, false) {
			if !strings.HasPrefix(c, "é") || !strings.HasSuffix(c, "é") {
				t.Fatalf("chunk %q splits a multi-byte rune (maxBytes=%d)", c, maxBytes)
			}
		}
	}
}

func TestChunk_NoSplitInsideEscapeSequence(t *testing.T) {
	s := strings.Repeat("ab\x1b[38;5;196mcd\x1b[0m", 20)
	for _, maxBytes := range []int{4, 6, 9} {
		chunks := Chunk(s, maxBytes, false)
		if got := strings.Join(chunks, ""); got != s {
			t.Fatalf("round trip failed: got %q", got)
		}
		for _, c := range chunks {
			// Every escape introducer in a chunk must be followed by
			// its complete sequence within the same chunk.
			for i := 0; i < len(c); i++ {
				if c[i] != '\x1b' {
					continue
				}
				rest := c[i:]
				if !strings.ContainsRune(rest, 'm') {
					t.Errorf("chunk %q ends inside escape sequence (maxBytes=%d)", c, maxBytes)
				}
			}
		}
	}
}

func TestChunk_NewlinePreference(t *testing.T) {
	s := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 100)
	chunks := Chunk(s, 1600, true)

	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != 1501 || !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk len=%d suffix=%q, want len=1501 ending in newline",
			len(chunks[0]), chunks[0][len(chunks[0])-1:])
	}
	if chunks[1] != strings.Repeat("b", 100) {
		t.Errorf("second chunk = %q, want 100 b's", chunks[1])
	}
}

func TestChunk_NewlinePreferenceOff(t *testing.T) {
	s := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 100)
	chunks := Chunk(s, 1600, false)

	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != 1600 {
		t.Errorf("first chunk len = %d, want 1600", len(chunks[0]))
	}
}

func TestChunk_OversizedSingleToken(t *testing.T) {
	// One rune larger than maxBytes must still be emitted whole.
	chunks := Chunk("😀", 1, false)
	if len(chunks) != 1 || chunks[0] != "😀" {
		t.Errorf("Chunk = %v, want the emoji as one chunk", chunks)
	}
}
