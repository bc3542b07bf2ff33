// Package doubao implements the content generator for Volcengine Ark (Doubao) models,
// which speak an OpenAI-style chat-completions protocol.
package doubao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"genai-gateway/internal/config"
	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
	"genai-gateway/internal/tokens"
)

// Backend defaults applied when a request leaves a parameter unset.
const (
	DefaultModel               = "doubao-seed-1-6-251015"
	DefaultMaxCompletionTokens = 4096
	DefaultTemperature         = 0.7
	ReasoningEffort            = "medium"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeSSE    = "text/event-stream"
	userAgent         = "genai-gateway/0.1"
	maxErrorBodyBytes = 64 * 1024
)

// Generator implements provider.ContentGenerator for the Doubao chat-completions API.
// It holds only immutable configuration and is safe for concurrent use.
type Generator struct {
	name    string
	apiKey  string
	model   string
	headers map[string]string
	client  *http.Client
	chatURL string
	policy  models.TotalTokenPolicy
	logger  *slog.Logger
}

// Option customises a Generator.
type Option func(*Generator)

// WithLogger sets the logger used for recovered protocol errors.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a Doubao generator. A missing API key or base URL is a
// *provider.ConfigurationError.
func New(name string, cfg config.ProviderConfig, client *http.Client, opts ...Option) (*Generator, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &provider.ConfigurationError{
			AuthType: provider.AuthTypeDoubao,
			Message:  "api key is not set, provide api_key or DOUBAO_API_KEY",
		}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, &provider.ConfigurationError{
			AuthType: provider.AuthTypeDoubao,
			Message:  "base url is not set",
		}
	}

	policy, err := models.ParseTotalTokenPolicy(cfg.TotalTokens)
	if err != nil {
		return nil, &provider.ConfigurationError{AuthType: provider.AuthTypeDoubao, Message: err.Error()}
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	g := &Generator{
		name:    name,
		apiKey:  cfg.APIKey,
		model:   model,
		headers: cfg.Headers,
		client:  client,
		chatURL: baseURL + "/chat/completions",
		policy:  policy,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Model returns the model used when a request does not name one.
func (g *Generator) Model() string {
	return g.model
}

// GenerateContent issues one blocking chat-completions call.
func (g *Generator) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	model := g.modelFor(req)

	httpResp, err := g.post(ctx, buildPayload(model, req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var body chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return nil, &provider.ProtocolError{Provider: g.name, Err: fmt.Errorf("decode chat response: %w", err)}
	}

	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}
	if body.Model != "" {
		model = body.Model
	}
	return models.NewTextResponse(id, model, body.text(), models.FinishReasonStop, body.Usage.toUsage(g.policy)), nil
}

// CountTokens estimates the prompt size locally. It performs no I/O.
func (g *Generator) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	var contents []models.Content
	if req != nil {
		contents = req.Contents
	}
	return &models.CountTokensResponse{TotalTokens: tokens.EstimateContents(contents)}, nil
}

// EmbedContent is not offered by this backend.
func (g *Generator) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	return nil, &provider.UnsupportedCapabilityError{Provider: g.name, Capability: "embedContent"}
}

func (g *Generator) modelFor(req *models.GenerateContentRequest) string {
	if req != nil && strings.TrimSpace(req.Model) != "" {
		return req.Model
	}
	return g.model
}

// post sends the payload and returns the response when the status is 2xx. The caller
// owns the returned body.
func (g *Generator) post(ctx context.Context, payload chatPayload) (*http.Response, error) {
	httpReq, err := g.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &provider.TransportError{Provider: g.name, Err: err}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		return nil, g.backendError(httpResp)
	}
	return httpResp, nil
}

func (g *Generator) newRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	if payload.Stream {
		req.Header.Set("Accept", contentTypeSSE)
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	for k, v := range g.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (g *Generator) backendError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		g.logger.Warn("failed to read error body", "provider", g.name, "status", resp.StatusCode, "err", err)
	}
	return &provider.BackendError{
		Provider:   g.name,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
