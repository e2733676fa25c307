// Package protocol implements the wire-level event protocol between
// palisade and its execution backends.
//
// codec.go - Stream codec tying framing, normalization and chunking
//
// Raw stdout that belongs to an active tool invocation accumulates in
// a per-invocation buffer. Once the buffer exceeds ChunkThreshold the
// codec emits the oldest safe prefix as a chunked output event and
// retains the remainder; tool_end flushes whatever is left so no
// trailing bytes are lost.

package protocol

import (
	"github.com/HyphaGroup/palisade/internal/metrics"
)

// toolCapture accumulates raw output for one active tool invocation.
type toolCapture struct {
	id   string
	tool string
	buf  []byte
}

// Codec demultiplexes one backend's raw output stream into canonical
// events. Not safe for concurrent use; each stream owns one codec.
type Codec struct {
	dec    *FrameDecoder
	norm   *Normalizer
	active *toolCapture
}

// NewCodec returns a codec with fresh framing and normalization state.
func NewCodec() *Codec {
	return &Codec{
		dec:  NewFrameDecoder(),
		norm: NewNormalizer(),
	}
}

// Consume feeds one read's worth of raw bytes through the codec and
// returns the canonical events now available, in stream order.
func (c *Codec) Consume(p []byte) []*Event {
	var events []*Event
	for _, seg := range c.dec.Feed(p) {
		switch seg.Kind {
		case SegmentRaw:
			events = append(events, c.consumeRaw(seg.Text)...)
		case SegmentFrame:
			events = append(events, c.consumeFrame(seg.Frame)...)
		}
	}
	return events
}

// Flush drains all buffered state at stream end: bytes the decoder
// held back as a possible partial sentinel or unterminated frame are
// emitted as raw output first, then the active tool capture is closed.
func (c *Codec) Flush() []*Event {
	var events []*Event
	for _, seg := range c.dec.Flush() {
		events = append(events, c.consumeRaw(seg.Text)...)
	}
	events = append(events, c.drainActive(true)...)
	return events
}

func (c *Codec) consumeRaw(text string) []*Event {
	if text == "" {
		return nil
	}

	if c.active != nil {
		c.active.buf = append(c.active.buf, text...)
		return c.drainActive(false)
	}

	// Raw text outside any tool invocation still flows through the
	// chunker so a single oversized write cannot produce an oversized
	// event.
	var events []*Event
	for _, chunk := range Chunk(text, ChunkThreshold, true) {
		events = append(events, &Event{
			Type:    EventOutput,
			Content: chunk,
		})
	}
	return events
}

func (c *Codec) consumeFrame(frame map[string]any) []*Event {
	ev := c.norm.Normalize(frame)

	var events []*Event
	switch ev.Type {
	case EventToolStart:
		// A new invocation implicitly ends capture for the previous
		// one; backends that omit tool_end still get their output.
		events = append(events, c.drainActive(true)...)
		events = append(events, ev)
		c.active = &toolCapture{id: ev.ToolID, tool: ev.Tool}
	case EventToolEnd:
		events = append(events, c.drainActive(true)...)
		events = append(events, ev)
	default:
		events = append(events, ev)
	}
	return events
}

// drainActive emits chunked output events from the active capture.
// When final is false only complete threshold-sized prefixes are
// emitted and the remainder is retained; when final is true everything
// is flushed and the capture is closed.
func (c *Codec) drainActive(final bool) []*Event {
	if c.active == nil || len(c.active.buf) == 0 {
		if final {
			c.active = nil
		}
		return nil
	}

	var events []*Event
	if final || len(c.active.buf) > ChunkThreshold {
		chunks := Chunk(string(c.active.buf), ChunkThreshold, true)
		emit := chunks
		if !final {
			emit = chunks[:len(chunks)-1]
			c.active.buf = []byte(chunks[len(chunks)-1])
		}
		for _, chunk := range emit {
			events = append(events, c.chunkEvent(chunk))
		}
	}
	if final {
		c.active = nil
	}
	return events
}

func (c *Codec) chunkEvent(chunk string) *Event {
	metrics.ChunksEmitted.Inc()
	return &Event{
		Type:    EventOutput,
		ToolID:  c.active.id,
		Tool:    c.active.tool,
		Content: chunk,
		Metadata: map[string]any{
			"chunked":        true,
			"fromToolBuffer": true,
		},
	}
}
