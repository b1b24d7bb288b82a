package translator

import (
	"encoding/json"
	"strings"
)

// EventKind tags the result of classifying one vendor stream line.
type EventKind int

const (
	// EventSkip means the line carries nothing (blank line).
	EventSkip EventKind = iota
	// EventDone is the [DONE] sentinel.
	EventDone
	// EventData is a line that decoded as a JSON object.
	EventData
	// EventContent is a line that did not decode; Content holds the raw text.
	EventContent
)

const (
	dataLabel    = "data:"
	doneSentinel = "[DONE]"
)

// StreamEvent is the classified form of one vendor stream line.
type StreamEvent struct {
	Kind    EventKind
	Data    map[string]any
	Content string
}

// Text returns the generated text carried by the event, if any.
func (e StreamEvent) Text() string {
	switch e.Kind {
	case EventContent:
		return e.Content
	case EventData:
		if s, ok := e.Data["content"].(string); ok {
			return s
		}
	}
	return ""
}

// FinishReason returns the vendor finish reason carried by a data event.
func (e StreamEvent) FinishReason() string {
	if e.Kind != EventData {
		return ""
	}
	for _, key := range []string{"finishReason", "finish_reason"} {
		if s, ok := e.Data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ParseStreamLine classifies a single line of the vendor stream. It never fails:
// any decodable JSON value is a data event (Data is nil unless it is an object)
// and undecodable payloads are returned as raw content.
func ParseStreamLine(line string) StreamEvent {
	payload := strings.TrimSpace(line)
	if strings.HasPrefix(payload, dataLabel) {
		payload = strings.TrimSpace(strings.TrimPrefix(payload, dataLabel))
		if payload == doneSentinel {
			return StreamEvent{Kind: EventDone}
		}
	}
	if payload == "" {
		return StreamEvent{Kind: EventSkip}
	}

	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
		data, _ := decoded.(map[string]any)
		return StreamEvent{Kind: EventData, Data: data}
	}
	return StreamEvent{Kind: EventContent, Content: payload}
}
