package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"genai-gateway/internal/provider"
)

// DefaultDoubaoBaseURL is used when neither the config file nor DOUBAO_BASE_URL sets one.
const DefaultDoubaoBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

const envPrefix = "GATEWAY"

// Recording modes.
const (
	RecordingOff    = "off"
	RecordingRecord = "record"
	RecordingReplay = "replay"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	AuthType  string           `mapstructure:"auth_type"`
	Providers []ProviderConfig `mapstructure:"providers" validate:"required,min=1,dive"`
	Recording RecordingConfig  `mapstructure:"recording"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gte=1,lte=65535"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// ProviderConfig captures authentication and routing info for one backend.
type ProviderConfig struct {
	Name        string            `mapstructure:"name"         validate:"required"`
	AuthType    string            `mapstructure:"auth_type"    validate:"required"`
	APIKey      string            `mapstructure:"api_key"`
	BaseURL     string            `mapstructure:"base_url"     validate:"omitempty,url"`
	Model       string            `mapstructure:"model"`
	Backend     string            `mapstructure:"backend"`
	Project     string            `mapstructure:"project"`
	Location    string            `mapstructure:"location"`
	Models      []ModelConfig     `mapstructure:"models"       validate:"dive"`
	Headers     Headers           `mapstructure:"headers"`
	Aliases     map[string]string `mapstructure:"aliases"`
	TotalTokens string            `mapstructure:"total_tokens" validate:"omitempty,oneof=backend sum"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID string `mapstructure:"id" validate:"required"`
}

// RecordingConfig enables the recording or replay decorators.
type RecordingConfig struct {
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=off record replay"`
	Path string `mapstructure:"path"`
}

// Enabled reports whether recording or replay is active.
func (r RecordingConfig) Enabled() bool {
	return r.Mode != "" && r.Mode != RecordingOff
}

var defaultProviderNames = map[string]string{
	provider.AuthTypeDoubao:   "doubao",
	provider.AuthTypeGemini:   "gemini",
	provider.AuthTypeVertexAI: "vertex",
	provider.AuthTypeGollm:    "gollm",
}

// Load reads an optional YAML configuration file, overlays environment variables and
// validates the result. With an empty path the configuration comes from the environment
// alone and a single provider is derived from GATEWAY_AUTH_TYPE.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("auth_type", provider.AuthTypeDoubao)
	v.SetDefault("recording.mode", RecordingOff)
	v.SetDefault("recording.path", "")

	if err := bindCredentialEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{
			Name:     defaultProviderName(cfg.AuthType),
			AuthType: cfg.AuthType,
			Model:    v.GetString("model"),
		}}
	}
	for i := range cfg.Providers {
		applyCredentialEnv(v, &cfg.Providers[i])
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var credentialEnv = map[string]string{
	"credentials.doubao_api_key":          "DOUBAO_API_KEY",
	"credentials.doubao_base_url":         "DOUBAO_BASE_URL",
	"credentials.gemini_api_key":          "GEMINI_API_KEY",
	"credentials.google_api_key":          "GOOGLE_API_KEY",
	"credentials.google_cloud_project":    "GOOGLE_CLOUD_PROJECT",
	"credentials.google_cloud_project_id": "GOOGLE_CLOUD_PROJECT_ID",
	"credentials.google_cloud_location":   "GOOGLE_CLOUD_LOCATION",
}

func bindCredentialEnv(v *viper.Viper) error {
	for key, env := range credentialEnv {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}

// applyCredentialEnv fills credentials a provider entry leaves empty from the
// well-known environment variables of its auth type.
func applyCredentialEnv(v *viper.Viper, p *ProviderConfig) {
	switch p.AuthType {
	case provider.AuthTypeDoubao:
		p.APIKey = firstNonEmpty(p.APIKey, v.GetString("credentials.doubao_api_key"))
		p.BaseURL = firstNonEmpty(p.BaseURL, v.GetString("credentials.doubao_base_url"), DefaultDoubaoBaseURL)
	case provider.AuthTypeGemini:
		p.APIKey = firstNonEmpty(p.APIKey, v.GetString("credentials.gemini_api_key"))
	case provider.AuthTypeVertexAI:
		p.APIKey = firstNonEmpty(p.APIKey, v.GetString("credentials.google_api_key"))
		p.Project = firstNonEmpty(p.Project,
			v.GetString("credentials.google_cloud_project"),
			v.GetString("credentials.google_cloud_project_id"))
		p.Location = firstNonEmpty(p.Location, v.GetString("credentials.google_cloud_location"))
	case provider.AuthTypeGollm:
		backend := strings.ToLower(strings.TrimSpace(p.Backend))
		if backend == "" || p.APIKey != "" {
			return
		}
		key := "credentials." + backend + "_api_key"
		if err := v.BindEnv(key, strings.ToUpper(backend)+"_API_KEY"); err == nil {
			p.APIKey = v.GetString(key)
		}
	}
}

// Validate performs strict sanity checks on the configuration. Credential presence is
// checked later, when the provider is constructed.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config field %s fails %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("provider %s: name is configured more than once", p.Name)
		}
		seen[p.Name] = struct{}{}

		for headerKey := range p.Headers {
			if !isHTTPHeaderName(headerKey) {
				return fmt.Errorf("provider %s: header %q is not a valid HTTP header name", p.Name, headerKey)
			}
		}
		for alias, target := range p.Aliases {
			if strings.TrimSpace(alias) == "" {
				return fmt.Errorf("provider %s: alias name must not be empty", p.Name)
			}
			if strings.TrimSpace(target) == "" {
				return fmt.Errorf("provider %s: alias %q target must not be empty", p.Name, alias)
			}
		}
	}

	if c.Recording.Enabled() && strings.TrimSpace(c.Recording.Path) == "" {
		return fmt.Errorf("recording.path must be set when recording.mode is %q", c.Recording.Mode)
	}
	return nil
}

func defaultProviderName(authType string) string {
	if name, ok := defaultProviderNames[authType]; ok {
		return name
	}
	return authType
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isHTTPHeaderName(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
