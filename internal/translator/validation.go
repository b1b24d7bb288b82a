package translator

import (
	"fmt"
	"strings"
)

var allowedRoles = map[string]struct{}{
	RoleSystem:    {},
	RoleUser:      {},
	RoleAssistant: {},
	RoleFunction:  {},
}

// ValidationError reports malformed caller input. It is raised before any
// network call is attempted.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "Validation errors: " + strings.Join(e.Problems, ", ")
}

// ModelNotFoundError reports a model id outside the accepted naming convention.
type ModelNotFoundError struct {
	Model string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("Model '%s' not found", e.Model)
}

// Validate checks a request and returns every problem found. It has no side
// effects, so validating the same request twice yields the same list.
//
// temperature and top_p are checked against the OpenAI ranges only; values the
// vendor cannot accept are clamped by ParamsToConfig rather than rejected here.
func Validate(req ChatCompletionRequest) []string {
	var problems []string

	if len(req.Messages) == 0 {
		problems = append(problems, "messages field is required")
	}
	if req.Model == "" {
		problems = append(problems, "model field is required")
	}

	for i, msg := range req.Messages {
		if msg.Role == "" {
			problems = append(problems, fmt.Sprintf("message[%d].role is required", i))
		} else if _, ok := allowedRoles[msg.Role]; !ok {
			problems = append(problems, fmt.Sprintf("message[%d].role must be one of: system, user, assistant, function", i))
		}
		if msg.Content == "" && msg.Role != RoleFunction {
			problems = append(problems, fmt.Sprintf("message[%d].content is required for role %s", i, msg.Role))
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		problems = append(problems, "temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		problems = append(problems, "top_p must be between 0 and 1")
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		problems = append(problems, "max_tokens must be greater than 0")
	}
	if req.N != nil && *req.N != 1 {
		problems = append(problems, "n parameter must be 1")
	}
	if req.FrequencyPenalty != nil && outOfPenaltyRange(*req.FrequencyPenalty) {
		problems = append(problems, "frequency_penalty must be between -2 and 2")
	}
	if req.PresencePenalty != nil && outOfPenaltyRange(*req.PresencePenalty) {
		problems = append(problems, "presence_penalty must be between -2 and 2")
	}

	return problems
}

func outOfPenaltyRange(v float64) bool {
	return v < -2 || v > 2
}
