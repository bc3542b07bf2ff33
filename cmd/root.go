package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"genai-gateway/internal/config"
)

const usage = `genai-gateway serves Gemini-style content generation on top of Doubao, Gemini, Vertex AI and gollm backends.

Usage:
  genai-gateway <command> [flags]

Commands:
  serve      Start the HTTP server
  generate   Send one prompt and print the reply
  help       Show this help message

Flags:
  -h, --help  Show this help message

Without --config, settings come from GATEWAY_* and the backend credential
environment variables (DOUBAO_API_KEY, GEMINI_API_KEY, GOOGLE_API_KEY, ...).`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "generate":
		return generate(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}

// newLogger builds the process logger from configuration and installs it as the default.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
