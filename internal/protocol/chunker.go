// Package protocol implements the wire-level event protocol between
// palisade and its execution backends.
//
// chunker.go - Boundary-safe output chunking
//
// Chunk is the safety net every adapter's raw-output path flows
// through before structured output is re-emitted downstream. It walks
// the input with an ANSI-aware decoder so a cut never lands inside a
// multi-byte character or an escape sequence.

package protocol

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ChunkThreshold is the default maximum fragment size for chunked
// output emission.
const ChunkThreshold = 64 * 1024

// Chunk splits text into ordered fragments whose concatenation
// reproduces text exactly. No fragment exceeds maxBytes except when a
// single indivisible token (one rune or one escape sequence) is itself
// larger than maxBytes. When preferNewline is true and a newline falls
// within the current window, the cut happens immediately after that
// newline instead of at the raw byte boundary.
func Chunk(text string, maxBytes int, preferNewline bool) []string {
	if text == "" {
		return nil
	}
	if maxBytes <= 0 || len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	var state byte
	start := 0       // byte offset where the current chunk begins
	offset := 0      // scan position, always a safe token boundary
	lastNewline := 0 // offset just past the most recent newline, 0 if none in window

	for offset < len(text) {
		seq, _, n, newState := ansi.DecodeSequence(text[offset:], state, nil)
		if n <= 0 {
			// Decoder made no progress; take one byte so the
			// round-trip guarantee holds regardless.
			seq = text[offset : offset+1]
			n = 1
			newState = state
		}

		if offset+n-start > maxBytes && offset > start {
			cut := offset
			if preferNewline && lastNewline > start {
				cut = lastNewline
			}
			chunks = append(chunks, text[start:cut])
			start = cut
			lastNewline = 0
			// Re-test the same token against the new window.
			continue
		}

		if strings.HasSuffix(seq, "\n") {
			lastNewline = offset + n
		}
		offset += n
		state = newState
	}

	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
