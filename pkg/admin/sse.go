package admin

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// SSEEvent is one server-sent event.
type SSEEvent struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  []byte `json:"data"`
}

// SerializeSSEEvent converts an SSEEvent to its wire form, terminated by a blank line.
func SerializeSSEEvent(event *SSEEvent) []byte {
	if event == nil {
		return []byte{}
	}

	var buffer bytes.Buffer

	if event.Event != "" {
		buffer.WriteString("event: ")
		buffer.WriteString(event.Event)
		buffer.WriteString("\n")
	}

	if event.ID != "" {
		buffer.WriteString("id: ")
		buffer.WriteString(event.ID)
		buffer.WriteString("\n")
	}

	if len(event.Data) > 0 {
		for _, line := range strings.Split(string(event.Data), "\n") {
			buffer.WriteString("data: ")
			buffer.WriteString(line)
			buffer.WriteString("\n")
		}
	} else {
		// At least one data line keeps the event dispatchable.
		buffer.WriteString("data: \n")
	}

	buffer.WriteString("\n")
	return buffer.Bytes()
}

// ParseSSEStream reads events from r until EOF. The channel is closed when the reader is
// exhausted. Comment lines and unknown fields are ignored.
func ParseSSEStream(r io.Reader) <-chan *SSEEvent {
	events := make(chan *SSEEvent, 10)

	go func() {
		defer close(events)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		event := &SSEEvent{}
		var data []string
		dispatch := func() {
			if len(data) > 0 {
				event.Data = []byte(strings.Join(data, "\n"))
			}
			if len(event.Data) > 0 || event.Event != "" || event.ID != "" {
				events <- event
			}
			event = &SSEEvent{}
			data = nil
		}

		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			switch {
			case line == "":
				dispatch()
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				event.Event = fieldValue(line[len("event:"):])
			case strings.HasPrefix(line, "id:"):
				event.ID = fieldValue(line[len("id:"):])
			case strings.HasPrefix(line, "data:"):
				data = append(data, fieldValue(line[len("data:"):]))
			}
		}
		dispatch()
	}()

	return events
}

// fieldValue drops the single space allowed after the colon.
func fieldValue(s string) string {
	return strings.TrimPrefix(s, " ")
}
