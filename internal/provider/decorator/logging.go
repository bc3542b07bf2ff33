// Package decorator wraps content generators with logging, recording and replay.
package decorator

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

// Logging emits one structured record per call, tagged with a call ID.
type Logging struct {
	name   string
	next   provider.ContentGenerator
	logger *slog.Logger
}

// NewLogging wraps next. A nil logger uses slog.Default().
func NewLogging(name string, next provider.ContentGenerator, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{name: name, next: next, logger: logger}
}

func (l *Logging) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	log := l.callLogger(MethodGenerateContent, req.GetModel())
	start := time.Now()
	log.Debug("call started")

	resp, err := l.next.GenerateContent(ctx, req)
	if err != nil {
		log.Error("call failed", "latency", time.Since(start), "err", err)
		return nil, err
	}

	log.Info("call finished",
		"latency", time.Since(start),
		"finish_reason", string(resp.FinishReason()),
		"prompt_tokens", resp.Usage.PromptTokenCount,
		"candidates_tokens", resp.Usage.CandidatesTokenCount,
		"total_tokens", resp.Usage.TotalTokenCount,
	)
	return resp, nil
}

func (l *Logging) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		log := l.callLogger(MethodStreamGenerateContent, req.GetModel())
		start := time.Now()
		log.Debug("stream started")

		var (
			chunks int
			last   *models.GenerateContentResponse
		)
		for chunk, err := range l.next.GenerateContentStream(ctx, req) {
			if err != nil {
				log.Error("stream failed", "latency", time.Since(start), "chunks", chunks, "err", err)
				yield(nil, err)
				return
			}
			chunks++
			last = chunk
			if !yield(chunk, nil) {
				log.Info("stream abandoned by consumer", "latency", time.Since(start), "chunks", chunks)
				return
			}
		}

		attrs := []any{"latency", time.Since(start), "chunks", chunks}
		if last != nil {
			attrs = append(attrs,
				"finish_reason", string(last.FinishReason()),
				"total_tokens", last.Usage.TotalTokenCount,
			)
		}
		log.Info("stream finished", attrs...)
	}
}

func (l *Logging) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	log := l.callLogger(MethodCountTokens, req.GetModel())
	start := time.Now()

	resp, err := l.next.CountTokens(ctx, req)
	if err != nil {
		log.Error("call failed", "latency", time.Since(start), "err", err)
		return nil, err
	}
	log.Debug("call finished", "latency", time.Since(start), "total_tokens", resp.TotalTokens)
	return resp, nil
}

func (l *Logging) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	log := l.callLogger(MethodEmbedContent, req.GetModel())
	start := time.Now()

	resp, err := l.next.EmbedContent(ctx, req)
	if err != nil {
		log.Error("call failed", "latency", time.Since(start), "err", err)
		return nil, err
	}
	log.Info("call finished", "latency", time.Since(start), "embeddings", len(resp.Embeddings))
	return resp, nil
}

func (l *Logging) callLogger(method, model string) *slog.Logger {
	return l.logger.With(
		"provider", l.name,
		"method", method,
		"model", model,
		"call_id", uuid.NewString(),
	)
}
