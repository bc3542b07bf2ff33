// Package gemini serves the content generator contract from the Gemini API or Vertex AI
// through the google.golang.org/genai client.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"genai-gateway/internal/config"
	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

const (
	DefaultModel          = "gemini-2.5-pro"
	DefaultEmbeddingModel = "gemini-embedding-001"
)

// modelsAPI is the subset of *genai.Models the generator depends on.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
	CountTokens(ctx context.Context, model string, contents []*genai.Content, config *genai.CountTokensConfig) (*genai.CountTokensResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Generator implements provider.ContentGenerator on top of genai.
type Generator struct {
	name   string
	model  string
	models modelsAPI
	policy models.TotalTokenPolicy
}

// New builds a genai client for the gemini-api-key or vertex-ai auth types.
func New(ctx context.Context, name string, cfg config.ProviderConfig, client *http.Client) (*Generator, error) {
	cc := &genai.ClientConfig{HTTPClient: client}

	switch cfg.AuthType {
	case provider.AuthTypeGemini:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, &provider.ConfigurationError{
				AuthType: cfg.AuthType,
				Message:  "api key is not set, provide api_key or GEMINI_API_KEY",
			}
		}
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case provider.AuthTypeVertexAI:
		cc.Backend = genai.BackendVertexAI
		switch {
		case strings.TrimSpace(cfg.APIKey) != "":
			cc.APIKey = cfg.APIKey
		case cfg.Project != "" && cfg.Location != "":
			cc.Project = cfg.Project
			cc.Location = cfg.Location
		default:
			return nil, &provider.ConfigurationError{
				AuthType: cfg.AuthType,
				Message:  "provide GOOGLE_API_KEY, or GOOGLE_CLOUD_PROJECT and GOOGLE_CLOUD_LOCATION",
			}
		}
	default:
		return nil, &provider.ConfigurationError{
			AuthType: cfg.AuthType,
			Message:  "gemini generator cannot serve this auth type",
		}
	}

	policy, err := models.ParseTotalTokenPolicy(cfg.TotalTokens)
	if err != nil {
		return nil, &provider.ConfigurationError{AuthType: cfg.AuthType, Message: err.Error()}
	}

	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if len(cfg.Headers) > 0 {
		cc.HTTPOptions.Headers = make(http.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			cc.HTTPOptions.Headers.Set(k, v)
		}
	}

	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return newGenerator(name, model, gc.Models, policy), nil
}

func newGenerator(name, model string, api modelsAPI, policy models.TotalTokenPolicy) *Generator {
	return &Generator{name: name, model: model, models: api, policy: policy}
}

// GenerateContent forwards a blocking call.
func (g *Generator) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	model := g.modelFor(req.GetModel(), g.model)

	resp, err := g.models.GenerateContent(ctx, model, toContents(req.GetContents()), toConfig(req.GetConfig()))
	if err != nil {
		return nil, g.mapError(err)
	}

	out := g.toResponse(resp, model)
	if out.Text() == "" {
		out.Candidates[0].Content.Parts = []models.Part{{Text: models.EmptyResponseText}}
	}
	out.Candidates[0].FinishReason = models.FinishReasonStop
	return out, nil
}

// GenerateContentStream forwards a streaming call. genai already produces a pull
// sequence, so chunks are converted one at a time as the caller ranges.
func (g *Generator) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	model := g.modelFor(req.GetModel(), g.model)

	return func(yield func(*models.GenerateContentResponse, error) bool) {
		id := uuid.NewString()
		emitted := 0

		for resp, err := range g.models.GenerateContentStream(ctx, model, toContents(req.GetContents()), toConfig(req.GetConfig())) {
			if err != nil {
				yield(nil, g.mapError(err))
				return
			}

			chunk := g.toResponse(resp, model)
			if chunk.Text() == "" && chunk.FinishReason() == models.FinishReasonUnspecified {
				continue
			}
			if chunk.ResponseID == "" {
				chunk.ResponseID = id
			}
			emitted++
			if !yield(chunk, nil) {
				return
			}
		}

		if emitted == 0 {
			yield(models.NewTextResponse(id, model, models.EmptyResponseText, models.FinishReasonStop, models.UsageMetadata{}), nil)
		}
	}
}

// CountTokens asks the backend for the exact count.
func (g *Generator) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	resp, err := g.models.CountTokens(ctx, g.modelFor(req.GetModel(), g.model), toContents(req.GetContents()), nil)
	if err != nil {
		return nil, g.mapError(err)
	}
	return &models.CountTokensResponse{TotalTokens: int(resp.TotalTokens)}, nil
}

// EmbedContent returns one embedding per content.
func (g *Generator) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	resp, err := g.models.EmbedContent(ctx, g.modelFor(req.GetModel(), DefaultEmbeddingModel), toContents(req.GetContents()), nil)
	if err != nil {
		return nil, g.mapError(err)
	}

	out := &models.EmbedContentResponse{Embeddings: make([]models.Embedding, 0, len(resp.Embeddings))}
	for _, e := range resp.Embeddings {
		if e == nil {
			continue
		}
		out.Embeddings = append(out.Embeddings, models.Embedding{Values: append([]float32(nil), e.Values...)})
	}
	return out, nil
}

func (g *Generator) modelFor(requested, fallback string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return fallback
}

func (g *Generator) toResponse(resp *genai.GenerateContentResponse, model string) *models.GenerateContentResponse {
	var (
		text   strings.Builder
		finish = models.FinishReasonUnspecified
		usage  models.UsageMetadata
		id     string
	)

	if resp != nil {
		id = resp.ResponseID
		if resp.ModelVersion != "" {
			model = resp.ModelVersion
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			cand := resp.Candidates[0]
			if cand.Content != nil {
				for _, part := range cand.Content.Parts {
					if part != nil {
						text.WriteString(part.Text)
					}
				}
			}
			if cand.FinishReason != "" && cand.FinishReason != genai.FinishReasonUnspecified {
				finish = models.FinishReasonStop
			}
		}
		if um := resp.UsageMetadata; um != nil {
			prompt := int(um.PromptTokenCount)
			candidates := int(um.CandidatesTokenCount)
			var reported *int
			if um.TotalTokenCount > 0 {
				total := int(um.TotalTokenCount)
				reported = &total
			}
			usage = g.policy.Usage(&prompt, &candidates, reported)
		}
	}

	return models.NewTextResponse(id, model, text.String(), finish, usage)
}

func (g *Generator) mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &provider.BackendError{
			Provider:   g.name,
			StatusCode: apiErr.Code,
			Body:       apiErr.Message,
		}
	}
	return &provider.TransportError{Provider: g.name, Err: err}
}

func toContents(contents []models.Content) []*genai.Content {
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		parts := make([]*genai.Part, 0, len(c.Parts))
		for _, p := range c.Parts {
			if p.Text == "" {
				continue
			}
			parts = append(parts, &genai.Part{Text: p.Text})
		}
		if len(parts) == 0 {
			continue
		}
		role := c.Role
		if role == "" {
			role = models.RoleUser
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func toConfig(cfg models.GenerationConfig) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{}
	if cfg.MaxOutputTokens != nil {
		out.MaxOutputTokens = int32(*cfg.MaxOutputTokens)
	}
	if cfg.Temperature != nil {
		t := float32(*cfg.Temperature)
		out.Temperature = &t
	}
	return out
}
