// Package translator converts between the OpenAI chat schema and the Gauss wire
// schema, in both directions.
package translator

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"gauss-gateway/internal/models"
)

const (
	defaultRepetitionPenalty = 1.04
	minRepetitionPenalty     = 0.5
	maxRepetitionPenalty     = 2.0
	frequencyPenaltyWeight   = 0.1
	presencePenaltyWeight    = 0.05

	// The vendor requires 0 < temperature < 1 and 0 < top_p < 1.
	minSampling = 0.01
	maxSampling = 0.99

	defaultMaxNewTokens = 2024
	defaultTopK         = 14
)

// Defaults carries the configured fallbacks used when a request omits a value.
type Defaults struct {
	Model          string
	OwnedBy        string
	Temperature    float64
	TopP           float64
	MaxTokens      int
	MaxTokensLimit int
}

// Converter maps requests and responses between the two schemas. It holds no
// mutable state and is safe for concurrent use.
type Converter struct {
	defaults Defaults
	now      func() time.Time
}

// NewConverter constructs a converter with the supplied defaults.
func NewConverter(defaults Defaults) *Converter {
	if defaults.MaxTokens <= 0 {
		defaults.MaxTokens = defaultMaxNewTokens
	}
	return &Converter{
		defaults: defaults,
		now:      time.Now,
	}
}

// MessagesToContents flattens OpenAI messages into vendor contents. The last
// system message becomes the system prompt; earlier ones are discarded.
// Function messages are dropped.
func MessagesToContents(messages []ChatMessage) ([]string, string) {
	contents := make([]string, 0, len(messages))
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt = msg.Content
		case RoleUser, RoleAssistant:
			if msg.Content != "" {
				contents = append(contents, msg.Content)
			}
		}
	}
	return contents, systemPrompt
}

// ParamsToConfig derives the vendor generation config from OpenAI parameters.
func (c *Converter) ParamsToConfig(req ChatCompletionRequest) models.LLMConfig {
	penalty := defaultRepetitionPenalty
	if req.FrequencyPenalty != nil {
		penalty -= *req.FrequencyPenalty * frequencyPenaltyWeight
	}
	if req.PresencePenalty != nil {
		penalty -= *req.PresencePenalty * presencePenaltyWeight
	}

	temperature := c.defaults.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := c.defaults.TopP
	if req.TopP != nil {
		topP = *req.TopP
	}

	maxTokens := c.defaults.MaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	if c.defaults.MaxTokensLimit > 0 && maxTokens > c.defaults.MaxTokensLimit {
		maxTokens = c.defaults.MaxTokensLimit
	}

	return models.LLMConfig{
		Temperature:         ClampSampling(temperature),
		RepetitionPenalty:   clamp(penalty, minRepetitionPenalty, maxRepetitionPenalty),
		DecoderInputDetails: true,
		ReturnFullText:      false,
		TopK:                defaultTopK,
		TopP:                ClampSampling(topP),
		MaxNewTokens:        maxTokens,
		DoSample:            true,
	}
}

// BuildRequest converts a full OpenAI request into the vendor request.
func (c *Converter) BuildRequest(req ChatCompletionRequest, stream bool) models.ChatRequest {
	contents, systemPrompt := MessagesToContents(req.Messages)
	return models.ChatRequest{
		LLMID:        models.DefaultLLMID,
		LLMName:      models.DefaultLLMName,
		Contents:     contents,
		IsStream:     stream,
		LLMConfig:    c.ParamsToConfig(req),
		SystemPrompt: systemPrompt,
	}
}

// ClampSampling forces a temperature or top_p value into the vendor's open
// interval. NaN collapses to the lower bound.
func ClampSampling(v float64) float64 {
	if math.IsNaN(v) {
		return minSampling
	}
	return clamp(v, minSampling, maxSampling)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// MapFinishReason maps a vendor finish reason onto the OpenAI vocabulary.
func MapFinishReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "length"):
		return FinishLength
	case strings.Contains(lower, "filter"):
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// ToChatResponse wraps a vendor completion in the OpenAI response envelope.
func (c *Converter) ToChatResponse(resp *models.ChatResponse, model, completionID string) ChatCompletionResponse {
	if completionID == "" {
		completionID = NewCompletionID()
	}
	prompt, completion := resp.Tokens()

	return ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: c.now().Unix(),
		Model:   model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    RoleAssistant,
					Content: resp.Content,
				},
				FinishReason: MapFinishReason(resp.FinishReason),
			},
		},
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

// FirstChunk opens a stream: it carries the assistant role and no finish reason.
func (c *Converter) FirstChunk(model, completionID, content string) ChatCompletionChunk {
	return c.chunk(model, completionID, Delta{Role: RoleAssistant, Content: &content}, nil)
}

// ContentChunk carries one piece of generated text.
func (c *Converter) ContentChunk(model, completionID, content string) ChatCompletionChunk {
	return c.chunk(model, completionID, Delta{Content: &content}, nil)
}

// FinalChunk closes a stream with an empty delta and the given finish reason.
func (c *Converter) FinalChunk(model, completionID, finishReason string) ChatCompletionChunk {
	return c.chunk(model, completionID, Delta{}, &finishReason)
}

func (c *Converter) chunk(model, completionID string, delta Delta, finishReason *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      completionID,
		Object:  "chat.completion.chunk",
		Created: c.now().Unix(),
		Model:   model,
		Choices: []StreamChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			},
		},
	}
}

// ToModelList builds the /v1/models response: the default model first, then one
// entry per vendor-reported model.
func (c *Converter) ToModelList(vendorModels []models.ModelEntry) ModelList {
	created := c.now().Unix()
	data := make([]ModelInfo, 0, len(vendorModels)+1)
	data = append(data, c.modelInfo(c.defaults.Model, created))
	for _, m := range vendorModels {
		data = append(data, c.modelInfo(m.ID(c.defaults.Model), created))
	}
	return ModelList{
		Object: "list",
		Data:   data,
	}
}

func (c *Converter) modelInfo(id string, created int64) ModelInfo {
	return ModelInfo{
		ID:      id,
		Object:  "model",
		Created: created,
		OwnedBy: c.defaults.OwnedBy,
	}
}

var knownOpenAIModels = map[string]struct{}{
	"gpt-3.5-turbo":        {},
	"gpt-3.5-turbo-16k":    {},
	"gpt-4":                {},
	"gpt-4-32k":            {},
	"gpt-4-turbo-preview":  {},
	"gpt-4-vision-preview": {},
}

// ModelAccepted reports whether the requested model follows the naming
// convention: the default model id as a prefix, or a well-known OpenAI name
// that clients send by default.
func (c *Converter) ModelAccepted(model string) bool {
	lower := strings.ToLower(strings.TrimSpace(model))
	if lower == "" {
		return false
	}
	if _, ok := knownOpenAIModels[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, strings.ToLower(c.defaults.Model))
}

// NewCompletionID returns an id of the form chatcmpl-<32 hex>.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
