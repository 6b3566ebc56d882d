package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"

	"github.com/henryperkins/tarot-sub003/internal/obs"
)

// Decoder reassembles the generation service's framed event protocol from
// arbitrary-sized byte chunks. Frames are `event:`/`data:` line groups
// separated by a blank line; the trailing partial segment stays buffered
// until the next chunk. Multibyte characters split across chunks are safe
// because splitting only happens on the two-newline boundary.
//
// One Decoder drives exactly one upstream turn and is not safe for
// concurrent use.
type Decoder struct {
	sink      Sink
	logger    *obs.Logger
	metrics   *obs.Metrics
	cancelled *atomic.Bool

	buf      []byte
	text     strings.Builder
	doneText string
	calls    map[string]*callAccum
	order    []string
	stopped  bool
	sawError bool
	errMsg   string
	complete bool
}

type callAccum struct {
	name string
	args strings.Builder
	call *ToolCall
}

// NewDecoder wires a decoder to its downstream sink. cancelled is shared
// with the request's lifecycle; once set, nothing more is emitted.
func NewDecoder(sink Sink, logger *obs.Logger, metrics *obs.Metrics, cancelled *atomic.Bool) *Decoder {
	if cancelled == nil {
		cancelled = &atomic.Bool{}
	}
	return &Decoder{
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
		cancelled: cancelled,
		calls:     make(map[string]*callAccum),
	}
}

var frameSep = []byte("\n\n")

// Feed appends a chunk and parses every complete frame it closes.
func (d *Decoder) Feed(p []byte) {
	if d.stopped {
		return
	}
	d.buf = append(d.buf, p...)
	for {
		i := bytes.Index(d.buf, frameSep)
		if i < 0 {
			return
		}
		seg := d.buf[:i]
		d.buf = d.buf[i+len(frameSep):]
		d.parseSegment(seg)
		if d.stopped {
			return
		}
	}
}

// Flush parses any residual bytes as a final, possibly unterminated frame.
// Call once at end of stream.
func (d *Decoder) Flush() {
	if d.stopped {
		return
	}
	seg := bytes.TrimRight(d.buf, "\n")
	d.buf = nil
	if len(seg) > 0 {
		d.parseSegment(seg)
	}
}

// Run feeds the decoder from r until EOF or cancellation, then flushes.
func (d *Decoder) Run(ctx context.Context, r io.Reader) error {
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.cancelled.Load() || d.stopped {
			d.Flush()
			return nil
		}
		n, err := r.Read(chunk)
		if n > 0 {
			d.Feed(chunk[:n])
		}
		if err == io.EOF {
			d.Flush()
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (d *Decoder) parseSegment(seg []byte) {
	name := ""
	var data []string
	for _, line := range bytes.Split(seg, []byte("\n")) {
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, string(bytes.TrimSpace(line[len("data:"):])))
		}
	}
	raw := strings.Join(data, "\n")
	if raw == "" || raw == "[DONE]" {
		return
	}

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// Tolerate upstream hiccups: a malformed frame is logged and skipped,
		// never fatal.
		d.countEvent("malformed")
		if d.logger != nil {
			d.logger.Warn(map[string]interface{}{
				"op":    "stream_decode",
				"error": err.Error(),
				"frame": truncate(raw, 200),
			})
		}
		return
	}
	if name == "" {
		name = p.Type
	}
	d.dispatch(name, &p)
}

func (d *Decoder) dispatch(name string, p *payload) {
	switch name {
	case EventTextDelta:
		d.countEvent("delta")
		d.text.WriteString(p.Delta)
		if p.Delta != "" && !d.cancelled.Load() && d.sink != nil {
			d.sink.OnDelta(p.Delta)
		}

	case EventTextDone:
		d.countEvent("done")
		// Upstream may correct previously streamed deltas; a non-empty done
		// text is authoritative.
		if p.Text != "" {
			d.doneText = p.Text
		}

	case EventItemAdded:
		if p.Item == nil || p.Item.Type != "function_call" {
			return
		}
		d.countEvent("tool_call")
		id := p.Item.CallID
		if id == "" {
			id = p.CallID
		}
		d.openCall(id, p.Item.Name)

	case EventFuncArgsDelta:
		acc := d.callFor(p.CallID)
		acc.args.WriteString(p.Delta)

	case EventFuncArgsDone:
		acc := d.callFor(p.CallID)
		raw := p.Arguments
		if raw == "" {
			raw = acc.args.String()
		}
		args := map[string]interface{}{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]interface{}{}
				if d.logger != nil {
					d.logger.Warn(map[string]interface{}{
						"op":      "tool_args_parse",
						"call_id": p.CallID,
						"error":   err.Error(),
					})
				}
			}
		}
		acc.call.RawArgs = raw
		acc.call.Args = args

	case EventError, EventResponseError:
		d.countEvent("error")
		msg := p.Message
		if p.Error != nil && p.Error.Message != "" {
			msg = p.Error.Message
		}
		d.sawError = true
		d.errMsg = msg
		if !d.cancelled.Load() && d.sink != nil {
			d.sink.OnError(msg)
		}
		d.stopped = true

	case EventCompleted:
		d.countEvent("completed")
		d.complete = true
	}
}

func (d *Decoder) openCall(id, name string) *callAccum {
	if acc, ok := d.calls[id]; ok {
		if name != "" {
			acc.name = name
			acc.call.Name = name
		}
		return acc
	}
	acc := &callAccum{
		name: name,
		call: &ToolCall{CallID: id, Name: name, Args: map[string]interface{}{}},
	}
	d.calls[id] = acc
	d.order = append(d.order, id)
	return acc
}

// callFor returns the accumulator for id, opening one implicitly when an
// argument fragment arrives before (or without) its item-added event.
func (d *Decoder) callFor(id string) *callAccum {
	if acc, ok := d.calls[id]; ok {
		return acc
	}
	return d.openCall(id, "")
}

func (d *Decoder) countEvent(kind string) {
	if d.metrics != nil {
		d.metrics.StreamEventsTotal.WithLabelValues(kind).Inc()
	}
}

// Text returns this turn's output: the authoritative done text when upstream
// sent one, else the accumulated deltas.
func (d *Decoder) Text() string {
	if d.doneText != "" {
		return d.doneText
	}
	return d.text.String()
}

// ToolCalls returns detected calls in detection order.
func (d *Decoder) ToolCalls() []*ToolCall {
	out := make([]*ToolCall, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.calls[id].call)
	}
	return out
}

// Err reports whether upstream declared a terminal error, and its message.
func (d *Decoder) Err() (bool, string) {
	return d.sawError, d.errMsg
}

// Completed reports whether upstream signalled normal completion.
func (d *Decoder) Completed() bool { return d.complete }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
