package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

var (
	errEmptyContents   = errors.New("at least one content is required")
	errEmptyParts      = errors.New("content must have at least one part")
	errInvalidRole     = errors.New("invalid role")
	errNoText          = errors.New("contents carry no text")
	errInvalidMaxToken = errors.New("maxOutputTokens must be positive")
	errInvalidTemp     = errors.New("temperature must be between 0 and 2")
	errMissingContent  = errors.New("content is required")
)

var allowedRoles = map[string]struct{}{
	"":               {},
	models.RoleUser:  {},
	models.RoleModel: {},
}

// Part is a single text fragment on the wire. Non-text fields are ignored.
type Part struct {
	Text string `json:"text"`
}

// Content is one conversational turn on the wire.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// UnmarshalJSON enforces role and part validation.
func (c *Content) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role  string `json:"role"`
		Parts []Part `json:"parts"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}

	c.Role = strings.TrimSpace(raw.Role)
	c.Parts = raw.Parts
	return c.validate()
}

func (c *Content) validate() error {
	if _, ok := allowedRoles[c.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, c.Role)
	}
	if len(c.Parts) == 0 {
		return errEmptyParts
	}
	return nil
}

// GenerationConfig carries the sampling parameters the gateway honours.
type GenerationConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

func (g *GenerationConfig) validate() error {
	if g == nil {
		return nil
	}
	if g.MaxOutputTokens != nil && *g.MaxOutputTokens <= 0 {
		return errInvalidMaxToken
	}
	if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
		return errInvalidTemp
	}
	return nil
}

// GenerateContentRequest models the generateContent and streamGenerateContent body.
type GenerateContentRequest struct {
	Contents         []Content
	GenerationConfig *GenerationConfig
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *GenerateContentRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Contents         []Content         `json:"contents"`
		GenerationConfig *GenerationConfig `json:"generationConfig"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode generate request: %w", err)
	}

	r.Contents = raw.Contents
	r.GenerationConfig = raw.GenerationConfig
	return r.validate()
}

func (r *GenerateContentRequest) validate() error {
	if err := validateContents(r.Contents); err != nil {
		return err
	}
	if err := r.GenerationConfig.validate(); err != nil {
		return fmt.Errorf("generationConfig: %w", err)
	}
	return nil
}

// ToUnified converts the wire request into the normalized form for model.
func (r GenerateContentRequest) ToUnified(model string) models.GenerateContentRequest {
	req := models.GenerateContentRequest{
		Model:    model,
		Contents: toModelContents(r.Contents),
	}
	if r.GenerationConfig != nil {
		req.Config = models.GenerationConfig{
			MaxOutputTokens: r.GenerationConfig.MaxOutputTokens,
			Temperature:     r.GenerationConfig.Temperature,
		}
	}
	return req
}

// CountTokensRequest models the countTokens body. Contents may be given directly or
// wrapped in a generateContentRequest.
type CountTokensRequest struct {
	Contents []Content
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *CountTokensRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Contents               []Content `json:"contents"`
		GenerateContentRequest *struct {
			Contents []Content `json:"contents"`
		} `json:"generateContentRequest"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode count tokens request: %w", err)
	}

	r.Contents = raw.Contents
	if len(r.Contents) == 0 && raw.GenerateContentRequest != nil {
		r.Contents = raw.GenerateContentRequest.Contents
	}
	return validateContents(r.Contents)
}

// ToUnified converts the wire request into the normalized form for model.
func (r CountTokensRequest) ToUnified(model string) models.CountTokensRequest {
	return models.CountTokensRequest{Model: model, Contents: toModelContents(r.Contents)}
}

// EmbedContentRequest models the embedContent body, which carries a single content.
type EmbedContentRequest struct {
	Content Content
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *EmbedContentRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Content *Content `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode embed request: %w", err)
	}
	if raw.Content == nil {
		return errMissingContent
	}

	r.Content = *raw.Content
	return validateContents([]Content{r.Content})
}

// ToUnified converts the wire request into the normalized form for model.
func (r EmbedContentRequest) ToUnified(model string) models.EmbedContentRequest {
	return models.EmbedContentRequest{Model: model, Contents: toModelContents([]Content{r.Content})}
}

func validateContents(contents []Content) error {
	if len(contents) == 0 {
		return errEmptyContents
	}
	for i := range contents {
		if err := contents[i].validate(); err != nil {
			return fmt.Errorf("contents[%d]: %w", i, err)
		}
	}
	if models.FlattenText(toModelContents(contents)) == "" {
		return errNoText
	}
	return nil
}

func toModelContents(contents []Content) []models.Content {
	out := make([]models.Content, 0, len(contents))
	for _, c := range contents {
		role := c.Role
		if role == "" {
			role = models.RoleUser
		}
		parts := make([]models.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			parts = append(parts, models.Part{Text: p.Text})
		}
		out = append(out, models.Content{Role: role, Parts: parts})
	}
	return out
}

// GenerateContentResponse is the wire shape of a response or a stream chunk.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	ResponseID    string         `json:"responseId,omitempty"`
}

// Candidate is a single generated alternative on the wire.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

// UsageMetadata mirrors the Gemini usage block.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// FromUnifiedResponse constructs the wire response from the normalized data.
func FromUnifiedResponse(resp *models.GenerateContentResponse) GenerateContentResponse {
	candidates := make([]Candidate, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		parts := make([]Part, 0, len(c.Content.Parts))
		for _, p := range c.Content.Parts {
			parts = append(parts, Part{Text: p.Text})
		}
		candidates = append(candidates, Candidate{
			Content:      Content{Role: c.Content.Role, Parts: parts},
			FinishReason: string(c.FinishReason),
			Index:        c.Index,
		})
	}

	return GenerateContentResponse{
		Candidates: candidates,
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokenCount,
			CandidatesTokenCount: resp.Usage.CandidatesTokenCount,
			TotalTokenCount:      resp.Usage.TotalTokenCount,
		},
		ModelVersion: resp.ModelVersion,
		ResponseID:   resp.ResponseID,
	}
}

// CountTokensResponse is the wire shape of a countTokens reply.
type CountTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

func FromUnifiedCountTokens(resp *models.CountTokensResponse) CountTokensResponse {
	return CountTokensResponse{TotalTokens: resp.TotalTokens}
}

// EmbedContentResponse is the wire shape of an embedContent reply.
type EmbedContentResponse struct {
	Embedding ContentEmbedding `json:"embedding"`
}

// ContentEmbedding holds one embedding vector.
type ContentEmbedding struct {
	Values []float32 `json:"values"`
}

// FromUnifiedEmbedding returns the first embedding; embedContent carries one content.
func FromUnifiedEmbedding(resp *models.EmbedContentResponse) EmbedContentResponse {
	out := EmbedContentResponse{Embedding: ContentEmbedding{Values: []float32{}}}
	if len(resp.Embeddings) > 0 && resp.Embeddings[0].Values != nil {
		out.Embedding.Values = resp.Embeddings[0].Values
	}
	return out
}

// ListModelsResponse is the wire shape of GET /v1beta/models.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one routable model.
type ModelInfo struct {
	Name                       string   `json:"name"`
	BaseModelID                string   `json:"baseModelId"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

// FromUnifiedModels lists models in registry order.
func FromUnifiedModels(list []models.Model) ListModelsResponse {
	out := ListModelsResponse{Models: make([]ModelInfo, 0, len(list))}
	for _, m := range list {
		methods := []string{"generateContent", "streamGenerateContent", "countTokens"}
		if m.AuthType == provider.AuthTypeGemini || m.AuthType == provider.AuthTypeVertexAI {
			methods = append(methods, "embedContent")
		}
		out.Models = append(out.Models, ModelInfo{
			Name:                       "models/" + m.ID,
			BaseModelID:                m.ID,
			DisplayName:                fmt.Sprintf("%s (%s)", m.ID, m.Provider),
			SupportedGenerationMethods: methods,
		})
	}
	return out
}

// ErrorResponse is the Google API error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the HTTP code, a message and the canonical status name.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// NewErrorResponse builds the error envelope for an HTTP status code.
func NewErrorResponse(code int, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message, Status: canonicalStatus(code)}}
}

func canonicalStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusRequestEntityTooLarge:
		return "INVALID_ARGUMENT"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusNotImplemented:
		return "UNIMPLEMENTED"
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
