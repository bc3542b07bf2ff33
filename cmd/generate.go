package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"genai-gateway/internal/config"
	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
	providerfactory "genai-gateway/internal/provider/factory"
	"genai-gateway/internal/router"
)

const generateUsage = `Usage:
  genai-gateway generate [--config <path>] [--model <id>] [--stream] [--max-tokens <n>] [--temperature <t>] <prompt...>

Flags:
  --config       string   Path to YAML configuration file (optional)
  --model        string   Model ID or alias (defaults to the first registered model)
  --stream                Print chunks as they arrive
  --max-tokens   int      Maximum output tokens
  --temperature  float    Sampling temperature

The prompt is read from stdin when no arguments are given.`

func generate(ctx context.Context, args []string) error {
	return runGenerate(ctx, args, os.Stdin, os.Stdout)
}

func runGenerate(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, generateUsage)
	}

	var (
		cfgPath     string
		model       string
		stream      bool
		maxTokens   *int
		temperature *float64
	)
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&model, "model", "", "model ID or alias")
	fs.BoolVar(&stream, "stream", false, "stream the reply")
	fs.Func("max-tokens", "maximum output tokens", func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("max-tokens must be a positive integer")
		}
		maxTokens = &n
		return nil
	})
	fs.Func("temperature", "sampling temperature", func(v string) error {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("temperature must be a number")
		}
		temperature = &t
		return nil
	})

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse generate flags: %w", err)
	}

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return errors.New("generate requires a prompt")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(ctx, cfg, registry, providerfactory.WithLogger(logger)); err != nil {
		return err
	}
	rt := router.New(registry)

	if model == "" {
		available := rt.Models()
		if len(available) == 0 {
			return errors.New("no models are registered")
		}
		model = available[0].ID
	}

	req := models.GenerateContentRequest{
		Model:    model,
		Contents: []models.Content{{Role: models.RoleUser, Parts: []models.Part{{Text: prompt}}}},
		Config:   models.GenerationConfig{MaxOutputTokens: maxTokens, Temperature: temperature},
	}

	if !stream {
		resp, _, err := rt.GenerateContent(ctx, req)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, resp.Text())
		return err
	}

	seq, _ := rt.GenerateContentStream(ctx, req)
	for chunk, err := range seq {
		if err != nil {
			return err
		}
		if _, err := io.WriteString(stdout, chunk.Text()); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(stdout)
	return err
}
