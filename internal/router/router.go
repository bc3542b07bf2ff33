package router

import (
	"context"
	"fmt"
	"iter"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

// Router dispatches normalized requests to the provider serving the requested model.
type Router struct {
	registry *provider.Registry
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry) *Router {
	return &Router{
		registry: registry,
	}
}

// GenerateContent routes a blocking generation request.
func (r *Router) GenerateContent(ctx context.Context, req models.GenerateContentRequest) (*models.GenerateContentResponse, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID

	resp, err := providerImpl.GenerateContent(ctx, &sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s generateContent: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// GenerateContentStream routes a streaming request. An unknown model is yielded as the
// only element, like any other handshake failure.
func (r *Router) GenerateContentStream(ctx context.Context, req models.GenerateContentRequest) (iter.Seq2[*models.GenerateContentResponse, error], models.Model) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return provider.SingleError(err), models.Model{}
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID

	seq := providerImpl.GenerateContentStream(ctx, &sanitisedReq)
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		for chunk, err := range seq {
			if err != nil {
				yield(nil, fmt.Errorf("provider %s streamGenerateContent: %w", providerImpl.Name(), err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}, modelInfo
}

// CountTokens routes a token counting request.
func (r *Router) CountTokens(ctx context.Context, req models.CountTokensRequest) (*models.CountTokensResponse, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID

	resp, err := providerImpl.CountTokens(ctx, &sanitisedReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s countTokens: %w", providerImpl.Name(), err)
	}
	return resp, nil
}

// EmbedContent routes an embedding request.
func (r *Router) EmbedContent(ctx context.Context, req models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID

	resp, err := providerImpl.EmbedContent(ctx, &sanitisedReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s embedContent: %w", providerImpl.Name(), err)
	}
	return resp, nil
}

// Models lists every routable model.
func (r *Router) Models() []models.Model {
	return r.registry.Models()
}
