package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		kind    EventKind
		text    string
		finish  string
		hasData bool
	}{
		{name: "labelled json", line: `data: {"content":"Hi"}`, kind: EventData, text: "Hi", hasData: true},
		{name: "unlabelled json", line: `{"content":"Hi"}`, kind: EventData, text: "Hi", hasData: true},
		{name: "done sentinel", line: "data: [DONE]", kind: EventDone},
		{name: "label without space", line: "data:[DONE]", kind: EventDone},
		{name: "raw text after label", line: "data: not-json", kind: EventContent, text: "not-json"},
		{name: "raw text", line: "  plain words  ", kind: EventContent, text: "plain words"},
		{name: "blank", line: "   ", kind: EventSkip},
		{name: "empty label", line: "data:", kind: EventSkip},
		{name: "json array carries no data", line: "[1,2]", kind: EventData},
		{name: "json number", line: "data: 42", kind: EventData},
		{name: "json string", line: `data: "hi"`, kind: EventData},
		{name: "json null", line: "data: null", kind: EventData},
		{name: "finish camel", line: `data: {"content":"","finishReason":"LENGTH"}`, kind: EventData, finish: "LENGTH", hasData: true},
		{name: "finish snake", line: `data: {"finish_reason":"stop"}`, kind: EventData, finish: "stop", hasData: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := ParseStreamLine(tt.line)
			assert.Equal(t, tt.kind, event.Kind)
			assert.Equal(t, tt.text, event.Text())
			assert.Equal(t, tt.finish, event.FinishReason())
			assert.Equal(t, tt.hasData, event.Data != nil)
		})
	}
}

func TestParseStreamLineSequence(t *testing.T) {
	lines := []string{`data: {"content":"Hi"}`, "data: [DONE]"}

	events := make([]StreamEvent, 0, len(lines))
	for _, line := range lines {
		events = append(events, ParseStreamLine(line))
	}

	require.Len(t, events, 2)
	assert.Equal(t, EventData, events[0].Kind)
	assert.Equal(t, "Hi", events[0].Text())
	assert.Equal(t, EventDone, events[1].Kind)
}

func TestStreamEventTextIgnoresNonStringContent(t *testing.T) {
	event := ParseStreamLine(`{"content":42}`)
	assert.Equal(t, EventData, event.Kind)
	assert.Empty(t, event.Text())
}
