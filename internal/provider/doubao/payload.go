package doubao

import "genai-gateway/internal/models"

type chatPayload struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	Temperature         float64       `json:"temperature"`
	ReasoningEffort     string        `json:"reasoning_effort"`
	Stream              bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// buildPayload flattens every turn into a single user message. Role boundaries and
// non-text parts do not survive the translation.
func buildPayload(model string, req *models.GenerateContentRequest, stream bool) chatPayload {
	payload := chatPayload{
		Model:               model,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		Temperature:         DefaultTemperature,
		ReasoningEffort:     ReasoningEffort,
		Stream:              stream,
	}

	var contents []models.Content
	if req != nil {
		contents = req.Contents
		if req.Config.MaxOutputTokens != nil {
			payload.MaxCompletionTokens = *req.Config.MaxOutputTokens
		}
		if req.Config.Temperature != nil {
			payload.Temperature = *req.Config.Temperature
		}
	}

	payload.Messages = []chatMessage{{
		Role:    "user",
		Content: models.FlattenText(contents),
	}}
	return payload
}

// chatResponse covers both the blocking response body and a single streamed event.
// Every field is optional on the wire.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *messageBody `json:"message,omitempty"`
	Delta        *messageBody `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason,omitempty"`
}

type messageBody struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

type usageBlock struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// text returns the first choice's message content, or the placeholder when the
// backend sent nothing usable.
func (r chatResponse) text() string {
	if len(r.Choices) > 0 && r.Choices[0].Message != nil {
		if content := valueOrZero(r.Choices[0].Message.Content); content != "" {
			return content
		}
	}
	return models.EmptyResponseText
}

// deltaText returns the first choice's delta content and whether the backend marked
// it as the final delta.
func (r chatResponse) deltaText() (string, bool) {
	if len(r.Choices) == 0 {
		return "", false
	}
	choice := r.Choices[0]
	stop := valueOrZero(choice.FinishReason) == "stop"
	if choice.Delta == nil {
		return "", stop
	}
	return valueOrZero(choice.Delta.Content), stop
}

func (u *usageBlock) toUsage(policy models.TotalTokenPolicy) models.UsageMetadata {
	if u == nil {
		return policy.Usage(nil, nil, nil)
	}
	return policy.Usage(u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}

func valueOrZero[T any](ptr *T) T {
	var zero T
	if ptr == nil {
		return zero
	}
	return *ptr
}
