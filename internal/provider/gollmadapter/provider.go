// Package gollmadapter serves the content generator contract from any chat backend
// github.com/teilomillet/gollm knows how to reach (openai, anthropic, groq, ollama, ...).
package gollmadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"

	"genai-gateway/internal/config"
	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
	"genai-gateway/internal/tokens"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.7
)

// completer is the part of gollm.LLM the generator needs, with prompt construction
// already applied.
type completer interface {
	generate(ctx context.Context, prompt string) (string, error)
	streaming() bool
	stream(ctx context.Context, prompt string) (tokenStream, error)
}

type tokenStream interface {
	// next returns io.EOF when the backend has finished.
	next(ctx context.Context) (string, error)
	Close() error
}

// Generator implements provider.ContentGenerator on top of a gollm.LLM.
type Generator struct {
	name  string
	model string
	llm   completer
}

// New builds a gollm client for cfg.Backend. The backend, its model, and an API key
// (except for local ollama) are required.
func New(name string, cfg config.ProviderConfig) (*Generator, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		return nil, &provider.ConfigurationError{AuthType: provider.AuthTypeGollm, Message: "backend is not set"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, &provider.ConfigurationError{AuthType: provider.AuthTypeGollm, Message: "model is not set"}
	}
	if strings.TrimSpace(cfg.APIKey) == "" && backend != "ollama" {
		return nil, &provider.ConfigurationError{
			AuthType: provider.AuthTypeGollm,
			Message:  fmt.Sprintf("api key is not set, provide api_key or %s_API_KEY", strings.ToUpper(backend)),
		}
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(backend),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(defaultMaxTokens),
		gollm.SetTemperature(defaultTemperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm client for %s: %w", backend, err)
	}
	return newGenerator(name, cfg.Model, &gollmCompleter{llm: llm}), nil
}

func newGenerator(name, model string, llm completer) *Generator {
	return &Generator{name: name, model: model, llm: llm}
}

// GenerateContent sends the flattened conversation as a single prompt.
func (g *Generator) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	prompt := models.FlattenText(req.GetContents())

	text, err := g.llm.generate(ctx, prompt)
	if err != nil {
		return nil, &provider.TransportError{Provider: g.name, Err: err}
	}
	if text == "" {
		text = models.EmptyResponseText
	}
	return models.NewTextResponse(uuid.NewString(), g.modelFor(req), text, models.FinishReasonStop, usageFor(prompt, text)), nil
}

// GenerateContentStream yields one chunk per token. The newest token is held back
// until the next one arrives so the last chunk can carry STOP and usage.
func (g *Generator) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		prompt := models.FlattenText(req.GetContents())
		id := uuid.NewString()
		model := g.modelFor(req)

		if !g.llm.streaming() {
			resp, err := g.GenerateContent(ctx, req)
			if err != nil {
				yield(nil, err)
				return
			}
			resp.ResponseID = id
			yield(resp, nil)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := g.llm.stream(ctx, prompt)
		if err != nil {
			yield(nil, &provider.TransportError{Provider: g.name, Err: err})
			return
		}
		defer stream.Close()

		var (
			pending string
			full    strings.Builder
		)
		for {
			tok, err := stream.next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(nil, &provider.TransportError{Provider: g.name, Err: err})
				return
			}
			if tok == "" {
				continue
			}
			if pending != "" {
				if !yield(models.NewTextResponse(id, model, pending, models.FinishReasonUnspecified, models.UsageMetadata{}), nil) {
					return
				}
			}
			pending = tok
			full.WriteString(tok)
		}

		if pending == "" {
			pending = models.EmptyResponseText
		}
		yield(models.NewTextResponse(id, model, pending, models.FinishReasonStop, usageFor(prompt, full.String())), nil)
	}
}

// CountTokens estimates locally; gollm has no token counting endpoint.
func (g *Generator) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	return &models.CountTokensResponse{TotalTokens: tokens.EstimateContents(req.GetContents())}, nil
}

func (g *Generator) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	return nil, &provider.UnsupportedCapabilityError{Provider: g.name, Capability: "embedContent"}
}

func (g *Generator) modelFor(req *models.GenerateContentRequest) string {
	if strings.TrimSpace(req.GetModel()) != "" {
		return req.GetModel()
	}
	return g.model
}

// usageFor estimates both sides; gollm does not surface backend usage.
func usageFor(prompt, completion string) models.UsageMetadata {
	p := tokens.Estimate(prompt)
	c := 0
	if completion != "" {
		c = tokens.Estimate(completion)
	}
	return models.TotalTokensSum.Usage(&p, &c, nil)
}

type gollmCompleter struct {
	llm gollm.LLM
}

func (c *gollmCompleter) generate(ctx context.Context, prompt string) (string, error) {
	return c.llm.Generate(ctx, gollm.NewPrompt(prompt))
}

func (c *gollmCompleter) streaming() bool {
	return c.llm.SupportsStreaming()
}

func (c *gollmCompleter) stream(ctx context.Context, prompt string) (tokenStream, error) {
	s, err := c.llm.Stream(ctx, gollm.NewPrompt(prompt))
	if err != nil {
		return nil, err
	}
	return &funcStream{
		nextFn: func(ctx context.Context) (string, error) {
			tok, err := s.Next(ctx)
			if err != nil || tok == nil {
				return "", err
			}
			return tok.Text, nil
		},
		closeFn: s.Close,
	}, nil
}

type funcStream struct {
	nextFn  func(ctx context.Context) (string, error)
	closeFn func() error
}

func (s *funcStream) next(ctx context.Context) (string, error) {
	return s.nextFn(ctx)
}

func (s *funcStream) Close() error {
	return s.closeFn()
}
