package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

var (
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidContent  = errors.New("invalid message content")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Fields that the vendor cannot honour (stop, logit_bias, functions) are kept so
// that callers sending them are not rejected.
type ChatCompletionRequest struct {
	Model            string
	Messages         []ChatMessage
	Temperature      *float64
	TopP             *float64
	N                *int
	Stream           bool
	Stop             []string
	MaxTokens        *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	LogitBias        map[string]float64
	User             string
	Functions        json.RawMessage
	FunctionCall     json.RawMessage
}

// UnmarshalJSON normalises the stop field and trims the model. It never
// validates; see Validate.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string             `json:"model"`
		Messages         []ChatMessage      `json:"messages"`
		Temperature      *float64           `json:"temperature"`
		TopP             *float64           `json:"top_p"`
		N                *int               `json:"n"`
		Stream           bool               `json:"stream"`
		Stop             json.RawMessage    `json:"stop"`
		MaxTokens        *int               `json:"max_tokens"`
		PresencePenalty  *float64           `json:"presence_penalty"`
		FrequencyPenalty *float64           `json:"frequency_penalty"`
		LogitBias        map[string]float64 `json:"logit_bias"`
		User             string             `json:"user"`
		Functions        json.RawMessage    `json:"functions"`
		FunctionCall     json.RawMessage    `json:"function_call"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.N = raw.N
	r.Stream = raw.Stream
	r.Stop = stopValues
	r.MaxTokens = raw.MaxTokens
	r.PresencePenalty = raw.PresencePenalty
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.LogitBias = raw.LogitBias
	r.User = raw.User
	r.Functions = raw.Functions
	r.FunctionCall = raw.FunctionCall
	return nil
}

// IgnoredParams names the request parameters that were supplied but have no
// vendor equivalent.
func (r ChatCompletionRequest) IgnoredParams() []string {
	var names []string
	if len(r.Stop) > 0 {
		names = append(names, "stop")
	}
	if len(r.LogitBias) > 0 {
		names = append(names, "logit_bias")
	}
	if r.User != "" {
		names = append(names, "user")
	}
	if len(r.Functions) > 0 && string(r.Functions) != "null" {
		names = append(names, "functions")
	}
	if len(r.FunctionCall) > 0 && string(r.FunctionCall) != "null" {
		names = append(names, "function_call")
	}
	return names
}

// ChatMessage is a single message in either direction.
type ChatMessage struct {
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	Name         string          `json:"name,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
}

// UnmarshalJSON supports string, null and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role         string          `json:"role"`
		Content      json.RawMessage `json:"content"`
		Name         string          `json:"name"`
		FunctionCall json.RawMessage `json:"function_call"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.FunctionCall = raw.FunctionCall
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	Choices           []ChatChoice `json:"choices"`
	Usage             Usage        `json:"usage"`
	SystemFingerprint *string      `json:"system_fingerprint"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage mirrors the token usage block in OpenAI responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one frame of a streamed completion.
type ChatCompletionChunk struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []StreamChoice `json:"choices"`
	SystemFingerprint *string        `json:"system_fingerprint"`
}

// StreamChoice carries a delta; FinishReason stays null until the terminal chunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message of a stream chunk.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo describes one listed model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
