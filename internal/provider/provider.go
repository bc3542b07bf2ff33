package provider

import (
	"context"
	"iter"

	"genai-gateway/internal/models"
)

// Auth type tags selecting which generator to construct.
const (
	AuthTypeDoubao        = "doubao-api-key"
	AuthTypeGemini        = "gemini-api-key"
	AuthTypeVertexAI      = "vertex-ai"
	AuthTypeGollm         = "gollm"
	AuthTypeOAuthPersonal = "oauth-personal"
	AuthTypeCloudShell    = "cloud-shell"
)

// ContentGenerator is the capability contract every backend implements.
//
// GenerateContentStream returns immediately; network I/O happens only while the
// sequence is ranged over. A failure before the first chunk is yielded as the only
// element. Breaking out of the range aborts the underlying request.
//
// Implementations enforce no timeouts of their own. Callers bound every call through ctx.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error]
	CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error)
	EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error)
}

// Provider is a named generator serving a fixed set of models.
type Provider interface {
	ContentGenerator
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
}

type namedProvider struct {
	ContentGenerator
	name   string
	models []models.Model
}

// NewNamed attaches a name and model list to a generator so it can be registered.
func NewNamed(name string, modelsList []models.Model, gen ContentGenerator) Provider {
	return &namedProvider{
		ContentGenerator: gen,
		name:             name,
		models:           append([]models.Model(nil), modelsList...),
	}
}

func (p *namedProvider) Name() string {
	return p.name
}

func (p *namedProvider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

// SingleError returns a sequence that yields err once. Generators use it to fail a
// stream before any chunk is produced.
func SingleError(err error) iter.Seq2[*models.GenerateContentResponse, error] {
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		yield(nil, err)
	}
}
