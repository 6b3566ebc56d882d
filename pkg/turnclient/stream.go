package turnclient

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Stream reads normalized follow-up frames. Recv blocks until the next
// frame; io.EOF marks the end of the stream.
type Stream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{
		body: body,
		r:    bufio.NewReader(body),
	}
}

type framePayload struct {
	Turn      int64  `json:"turn"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	Message   string `json:"message"`
}

// Recv returns the next event. Frames with no data line are skipped.
func (s *Stream) Recv() (Event, error) {
	for {
		event, data, err := s.readFrame()
		if err != nil {
			return Event{}, err
		}
		if event == "" || data == "" {
			continue
		}

		var p framePayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			// Skip frames we cannot parse rather than killing the stream.
			continue
		}

		return Event{
			Type:      event,
			Turn:      p.Turn,
			RequestID: p.RequestID,
			Text:      p.Text,
			Message:   p.Message,
		}, nil
	}
}

func (s *Stream) readFrame() (event, data string, err error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (event != "" || data != "") {
				return event, data, nil
			}
			return "", "", err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data, nil
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// Collect drains the stream and returns the final text: the done frame's
// text when present, else the concatenated deltas. A mid-stream error frame
// becomes a *StreamError.
func (s *Stream) Collect() (string, error) {
	defer s.Close()

	var deltas strings.Builder
	var done string
	sawDone := false

	for {
		ev, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch ev.Type {
		case EventDelta:
			deltas.WriteString(ev.Text)
		case EventDone:
			done = ev.Text
			sawDone = true
		case EventError:
			return "", &StreamError{Message: ev.Message}
		}
	}

	if sawDone {
		return done, nil
	}
	return deltas.String(), nil
}

func (s *Stream) Close() error {
	return s.body.Close()
}
