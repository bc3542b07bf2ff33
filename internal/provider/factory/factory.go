package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"genai-gateway/internal/config"
	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
	"genai-gateway/internal/provider/decorator"
	"genai-gateway/internal/provider/doubao"
	"genai-gateway/internal/provider/gemini"
	"genai-gateway/internal/provider/gollmadapter"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Option customises generator construction.
type Option func(*options)

type options struct {
	logger *slog.Logger
	client *http.Client
}

// WithLogger sets the logger handed to generators and decorators.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient replaces the tuned default client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

func resolve(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.client == nil {
		o.client = newHTTPClient()
	}
	return o
}

// New constructs the generator selected by cfg.AuthType. Missing credentials and
// unsupported auth types are reported as *provider.ConfigurationError.
func New(ctx context.Context, cfg config.ProviderConfig, opts ...Option) (provider.ContentGenerator, error) {
	o := resolve(opts)
	name := cfg.Name
	if name == "" {
		name = cfg.AuthType
	}

	switch cfg.AuthType {
	case provider.AuthTypeDoubao:
		gen, err := doubao.New(name, cfg, o.client, doubao.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		return gen, nil
	case provider.AuthTypeGemini, provider.AuthTypeVertexAI:
		gen, err := gemini.New(ctx, name, cfg, o.client)
		if err != nil {
			return nil, err
		}
		return gen, nil
	case provider.AuthTypeGollm:
		gen, err := gollmadapter.New(name, cfg)
		if err != nil {
			return nil, err
		}
		return gen, nil
	case provider.AuthTypeOAuthPersonal, provider.AuthTypeCloudShell:
		return nil, &provider.ConfigurationError{
			AuthType: cfg.AuthType,
			Message:  "interactive login flows are not supported, use an api key auth type",
		}
	default:
		return nil, &provider.ConfigurationError{
			AuthType: cfg.AuthType,
			Message:  fmt.Sprintf("unsupported auth type %q", cfg.AuthType),
		}
	}
}

// ConfiguredModels lists the models a provider entry serves. Without an explicit list,
// the configured or default model of its auth type is used.
func ConfiguredModels(cfg config.ProviderConfig) []models.Model {
	var ids []string
	for _, m := range cfg.Models {
		ids = append(ids, m.ID)
	}

	if len(ids) == 0 {
		switch cfg.AuthType {
		case provider.AuthTypeDoubao:
			ids = append(ids, firstNonEmpty(cfg.Model, doubao.DefaultModel))
		case provider.AuthTypeGemini, provider.AuthTypeVertexAI:
			ids = append(ids, firstNonEmpty(cfg.Model, gemini.DefaultModel))
			if cfg.Model != gemini.DefaultEmbeddingModel {
				ids = append(ids, gemini.DefaultEmbeddingModel)
			}
		default:
			if cfg.Model != "" {
				ids = append(ids, cfg.Model)
			}
		}
	}

	out := make([]models.Model, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Model{ID: id, Provider: cfg.Name, AuthType: cfg.AuthType})
	}
	return out
}

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
// Replay substitutes the backend, logging wraps it and recording is outermost.
func RegisterConfiguredProviders(ctx context.Context, cfg config.Config, registry *provider.Registry, opts ...Option) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	o := resolve(opts)

	var (
		replay   *decorator.Replay
		recorder *decorator.Recorder
	)
	switch cfg.Recording.Mode {
	case config.RecordingReplay:
		r, err := decorator.LoadReplay(cfg.Recording.Path)
		if err != nil {
			return fmt.Errorf("load replay: %w", err)
		}
		replay = r
	case config.RecordingRecord:
		recorder = decorator.NewRecorder(cfg.Recording.Path)
	}

	for _, pc := range cfg.Providers {
		var gen provider.ContentGenerator
		if replay != nil {
			gen = replay.Generator(pc.Name)
		} else {
			g, err := New(ctx, pc, WithLogger(o.logger), WithHTTPClient(o.client))
			if err != nil {
				return fmt.Errorf("initialise %s provider: %w", pc.Name, err)
			}
			gen = g
		}

		gen = decorator.NewLogging(pc.Name, gen, o.logger)
		if recorder != nil {
			gen = decorator.NewRecording(pc.Name, gen, recorder, o.logger)
		}

		modelsList := ConfiguredModels(pc)
		if len(modelsList) == 0 {
			return fmt.Errorf("provider %s: no models configured", pc.Name)
		}
		if err := registry.RegisterProvider(ctx, provider.NewNamed(pc.Name, modelsList, gen), pc.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", pc.Name, err)
		}
		o.logger.Info("provider registered", "provider", pc.Name, "auth_type", pc.AuthType, "models", len(modelsList))
	}

	return nil
}

// newHTTPClient has no overall timeout so long streams are not cut; callers bound
// each call through its context.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
