// Package models holds the Gauss wire schema: the request, generation config and
// response shapes exchanged with the vendor chat API.
package models

const (
	// DefaultLLMID selects the vendor's basic LLM.
	DefaultLLMID = 1
	// DefaultLLMName is deprecated on the vendor side but still sent.
	DefaultLLMName = "Gauss"
)

// LLMConfig is the nested generation config ("llmConfig") of a chat request.
type LLMConfig struct {
	Temperature         float64 `json:"temperature"`
	RepetitionPenalty   float64 `json:"repetition_penalty"`
	DecoderInputDetails bool    `json:"decoder_input_details"`
	ReturnFullText      bool    `json:"return_full_text"`
	Seed                *int    `json:"seed,omitempty"`
	TopK                int     `json:"top_k"`
	TopP                float64 `json:"top_p"`
	MaxNewTokens        int     `json:"max_new_tokens"`
	DoSample            bool    `json:"do_sample"`
}

// ChatRequest is the body of POST {base}/messages.
type ChatRequest struct {
	LLMID        int       `json:"llmId"`
	LLMName      string    `json:"llmName"`
	Contents     []string  `json:"contents"`
	IsStream     bool      `json:"isStream"`
	LLMConfig    LLMConfig `json:"llmConfig"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
}

// ChatResponse is a single completion record returned by the vendor.
type ChatResponse struct {
	ID                     *int64   `json:"id,omitempty"`
	ParentMessageID        string   `json:"parentMessageId,omitempty"`
	ParentMessageCreatedAt string   `json:"parentMessageCreatedAt,omitempty"`
	ChatID                 *int64   `json:"chatId,omitempty"`
	UserID                 *int64   `json:"userId,omitempty"`
	ModelID                string   `json:"modelId,omitempty"`
	ModelType              string   `json:"modelType,omitempty"`
	Content                string   `json:"content"`
	CreatedAt              string   `json:"createdAt,omitempty"`
	CompletionToken        *int     `json:"completionToken,omitempty"`
	PromptToken            *int     `json:"promptToken,omitempty"`
	Truncated              string   `json:"truncated,omitempty"`
	FinishReason           string   `json:"finishReason,omitempty"`
	FilterBlockReasonKo    string   `json:"filterBlockReason.ko,omitempty"`
	FilterBlockReasonEn    string   `json:"filterBlockReason.en,omitempty"`
	FilterBlockPolicyID    string   `json:"filterBlockReason.policy_id,omitempty"`
	FilterBlockMessage     string   `json:"filterBlockReason.message,omitempty"`
	FilterBlockResultCode  string   `json:"filterBlockReason.result_code,omitempty"`
	FilterBlockFilterLogID string   `json:"filterBlockReason.filter_log_id,omitempty"`
	Status                 string   `json:"status,omitempty"`
	ResponseCode           string   `json:"responseCode,omitempty"`
	Plugins                []string `json:"plugins,omitempty"`
	References             []string `json:"references,omitempty"`
	Catalogs               []int64  `json:"catalogs,omitempty"`
	EventStatus            string   `json:"eventStatus,omitempty"`
	EventData              string   `json:"eventData,omitempty"`
	FilterValidation       *bool    `json:"filterValidation,omitempty"`
	SuccessYn              *bool    `json:"successYn,omitempty"`
}

// Tokens returns the prompt and completion counters, treating missing values as zero.
func (r ChatResponse) Tokens() (prompt, completion int) {
	if r.PromptToken != nil {
		prompt = *r.PromptToken
	}
	if r.CompletionToken != nil {
		completion = *r.CompletionToken
	}
	return prompt, completion
}

// ModelEntry is one vendor-reported model. Only the identifier fields are read;
// everything else the vendor sends is discarded.
type ModelEntry map[string]any

// ID returns modelId, falling back to id, then to fallback.
func (m ModelEntry) ID(fallback string) string {
	for _, key := range []string{"modelId", "id"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}
