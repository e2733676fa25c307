// Package protocol implements the wire-level event protocol between
// palisade and its execution backends.
//
// framing.go - Sentinel framing for the inbound and outbound streams
//
// This file contains:
// - FrameDecoder, a stateful scanner that splits a raw byte stream
//   into ordered raw-text and structured-frame segments
// - EncodeCommand, the outbound __HITL_COMMAND__ envelope
//
// The decoder tolerates sentinels split across read callbacks and
// never fails the stream on a malformed frame: the frame is dropped
// (rate-limited warning, metric) and scanning continues.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/palisade/internal/logger"
	"github.com/HyphaGroup/palisade/internal/metrics"
)

const (
	frameStart = "__CYBER_EVENT__"
	frameEnd   = "__CYBER_EVENT_END__"

	commandStart = "__HITL_COMMAND__"
	commandEnd   = "__HITL_COMMAND_END__"

	// maxFrameSize bounds how long the decoder waits for an end
	// sentinel. A pending frame larger than this is reclassified as
	// raw text so a missing terminator cannot buffer forever.
	maxFrameSize = 1024 * 1024
)

// SegmentKind distinguishes raw text from decoded frames.
type SegmentKind int

const (
	SegmentRaw SegmentKind = iota
	SegmentFrame
)

// Segment is one ordered piece of the demultiplexed stream: either a
// span of unstructured text or one decoded protocol frame.
type Segment struct {
	Kind  SegmentKind
	Text  string
	Frame map[string]any
}

// FrameDecoder incrementally scans a byte stream for sentinel-wrapped
// protocol frames. It is not safe for concurrent use; each backend
// stream owns exactly one decoder.
type FrameDecoder struct {
	buf     []byte
	warn    *rate.Limiter
	dropped int64
}

// NewFrameDecoder returns a decoder with an empty carry-over buffer.
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{
		warn: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Dropped returns the number of malformed frames dropped so far.
func (d *FrameDecoder) Dropped() int64 {
	return d.dropped
}

// Feed appends p to the carry-over buffer and returns every complete
// segment now available, in stream order. Bytes that may belong to an
// incomplete sentinel or frame are retained for the next call.
func (d *FrameDecoder) Feed(p []byte) []Segment {
	d.buf = append(d.buf, p...)

	var segs []Segment
	for {
		i := bytes.Index(d.buf, []byte(frameStart))
		if i < 0 {
			// Emit everything except a tail that could be the
			// beginning of a split start sentinel.
			keep := partialSentinelLen(d.buf, frameStart)
			if emit := len(d.buf) - keep; emit > 0 {
				segs = append(segs, Segment{Kind: SegmentRaw, Text: string(d.buf[:emit])})
				d.buf = append(d.buf[:0:0], d.buf[emit:]...)
			}
			return segs
		}

		if i > 0 {
			segs = append(segs, Segment{Kind: SegmentRaw, Text: string(d.buf[:i])})
			d.buf = append(d.buf[:0:0], d.buf[i:]...)
		}

		body := d.buf[len(frameStart):]
		j := bytes.Index(body, []byte(frameEnd))
		if j < 0 {
			if len(body) > maxFrameSize {
				// Terminator never arrived; treat the sentinel and
				// accumulated body as raw text and move on.
				segs = append(segs, Segment{Kind: SegmentRaw, Text: string(d.buf)})
				d.buf = nil
				return segs
			}
			return segs
		}

		payload := body[:j]
		if seg, ok := d.decodeFrame(payload); ok {
			segs = append(segs, seg)
		}
		rest := body[j+len(frameEnd):]
		d.buf = append(d.buf[:0:0], rest...)
	}
}

// Flush returns whatever the carry-over buffer still holds as one raw
// segment. Called at stream end, when a retained partial sentinel or
// an unterminated frame can no longer complete.
func (d *FrameDecoder) Flush() []Segment {
	if len(d.buf) == 0 {
		return nil
	}
	seg := Segment{Kind: SegmentRaw, Text: string(d.buf)}
	d.buf = nil
	return []Segment{seg}
}

func (d *FrameDecoder) decodeFrame(payload []byte) (Segment, bool) {
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		d.dropped++
		metrics.FramesDropped.Inc()
		if d.warn.Allow() {
			logger.Warn("dropping malformed protocol frame",
				"error", err, "bytes", len(payload), "dropped_total", d.dropped)
		}
		return Segment{}, false
	}
	metrics.FramesDecoded.Inc()
	return Segment{Kind: SegmentFrame, Frame: frame}, true
}

// partialSentinelLen returns the length of the longest proper suffix
// of b that is also a prefix of sentinel.
func partialSentinelLen(b []byte, sentinel string) int {
	max := len(sentinel) - 1
	if max > len(b) {
		max = len(b)
	}
	for k := max; k > 0; k-- {
		if string(b[len(b)-k:]) == sentinel[:k] {
			return k
		}
	}
	return 0
}

// EncodeCommand wraps cmd in the stdin command envelope. The trailing
// newline flushes line-buffered backend readers.
func EncodeCommand(cmd Command) ([]byte, error) {
	if cmd.Type == "" {
		return nil, fmt.Errorf("command type is required")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	out := make([]byte, 0, len(commandStart)+len(data)+len(commandEnd)+1)
	out = append(out, commandStart...)
	out = append(out, data...)
	out = append(out, commandEnd...)
	out = append(out, '\n')
	return out, nil
}
