package models

import "strings"

// Roles used in the normalized schema.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// EmptyResponseText replaces an empty or missing backend reply so callers never see a
// blank candidate that could be mistaken for a stream still in progress.
const EmptyResponseText = "豆包模型响应为空"

// Part is a single fragment of a turn. Only text parts are carried.
type Part struct {
	Text string
}

// Content is one conversational turn.
type Content struct {
	Role  string
	Parts []Part
}

// GenerationConfig holds optional sampling parameters. Nil means the backend default applies.
type GenerationConfig struct {
	MaxOutputTokens *int
	Temperature     *float64
}

// GenerateContentRequest is the canonical representation of a generation call.
type GenerateContentRequest struct {
	Model    string
	Contents []Content
	Config   GenerationConfig
}

// Getters are nil-safe so decorators and adapters can accept a nil request.

func (r *GenerateContentRequest) GetModel() string {
	if r == nil {
		return ""
	}
	return r.Model
}

func (r *GenerateContentRequest) GetContents() []Content {
	if r == nil {
		return nil
	}
	return r.Contents
}

func (r *GenerateContentRequest) GetConfig() GenerationConfig {
	if r == nil {
		return GenerationConfig{}
	}
	return r.Config
}

// FinishReason marks the terminal state of a candidate.
type FinishReason string

const (
	FinishReasonUnspecified FinishReason = ""
	FinishReasonStop        FinishReason = "STOP"
)

// Candidate is one generated alternative. Responses carry exactly one.
type Candidate struct {
	Content      Content
	FinishReason FinishReason
	Index        int
}

// UsageMetadata records token accounting information.
type UsageMetadata struct {
	PromptTokenCount     int
	CandidatesTokenCount int
	TotalTokenCount      int
}

// GenerateContentResponse is a complete response or, when streaming, one incremental chunk.
type GenerateContentResponse struct {
	ResponseID   string
	ModelVersion string
	Candidates   []Candidate
	Usage        UsageMetadata
}

// Text returns the concatenated text of the first candidate.
func (r *GenerateContentResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// FinishReason returns the finish reason of the first candidate.
func (r *GenerateContentResponse) FinishReason() FinishReason {
	if r == nil || len(r.Candidates) == 0 {
		return FinishReasonUnspecified
	}
	return r.Candidates[0].FinishReason
}

// NewTextResponse builds a single-candidate model response.
func NewTextResponse(id, model, text string, finish FinishReason, usage UsageMetadata) *GenerateContentResponse {
	return &GenerateContentResponse{
		ResponseID:   id,
		ModelVersion: model,
		Candidates: []Candidate{{
			Content: Content{
				Role:  RoleModel,
				Parts: []Part{{Text: text}},
			},
			FinishReason: finish,
			Index:        0,
		}},
		Usage: usage,
	}
}

// CountTokensRequest asks for the token count of a prompt.
type CountTokensRequest struct {
	Model    string
	Contents []Content
}

func (r *CountTokensRequest) GetModel() string {
	if r == nil {
		return ""
	}
	return r.Model
}

func (r *CountTokensRequest) GetContents() []Content {
	if r == nil {
		return nil
	}
	return r.Contents
}

// CountTokensResponse carries the estimated or reported token count.
type CountTokensResponse struct {
	TotalTokens int
}

// EmbedContentRequest asks for embeddings of the given contents.
type EmbedContentRequest struct {
	Model    string
	Contents []Content
}

func (r *EmbedContentRequest) GetModel() string {
	if r == nil {
		return ""
	}
	return r.Model
}

func (r *EmbedContentRequest) GetContents() []Content {
	if r == nil {
		return nil
	}
	return r.Contents
}

// Embedding is a single embedding vector.
type Embedding struct {
	Values []float32
}

// EmbedContentResponse carries one embedding per input content.
type EmbedContentResponse struct {
	Embeddings []Embedding
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
	AuthType string
}

// FlattenText joins every non-empty text part across all turns with a single space and
// trims the result. Role boundaries are discarded.
func FlattenText(contents []Content) string {
	var b strings.Builder
	for _, content := range contents {
		for _, part := range content.Parts {
			if part.Text == "" {
				continue
			}
			b.WriteString(part.Text)
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}
