package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"genai-gateway/internal/config"
	"genai-gateway/internal/provider"
	"genai-gateway/internal/router"
	"genai-gateway/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Gemini REST methods addressed as /v1beta/models/{model}:{method}.
const (
	methodGenerateContent       = "generateContent"
	methodStreamGenerateContent = "streamGenerateContent"
	methodCountTokens           = "countTokens"
	methodEmbedContent          = "embedContent"
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = geminiErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// No WriteTimeout: a streamed generation may run longer than any fixed deadline.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1beta/models", s.handleListModels)
	s.app.POST("/v1beta/models/:action", s.handleModelAction)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.FromUnifiedModels(s.router.Models()))
}

// handleModelAction dispatches "{model}:{method}" path segments.
func (s *Server) handleModelAction(c echo.Context) error {
	model, method, err := parseAction(c.Param("action"))
	if err != nil {
		return err
	}

	switch method {
	case methodGenerateContent:
		return s.handleGenerateContent(c, model)
	case methodStreamGenerateContent:
		return s.handleStreamGenerateContent(c, model)
	case methodCountTokens:
		return s.handleCountTokens(c, model)
	case methodEmbedContent:
		return s.handleEmbedContent(c, model)
	default:
		return requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("unknown method %q", method),
		}
	}
}

func (s *Server) handleGenerateContent(c echo.Context, model string) error {
	var req translator.GenerateContentRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, _, err := s.router.GenerateContent(c.Request().Context(), req.ToUnified(model))
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
		}
	}

	return c.JSON(http.StatusOK, translator.FromUnifiedResponse(resp))
}

// handleStreamGenerateContent writes one SSE data frame per chunk. A failure before the
// first chunk is an ordinary JSON error; after it, an error frame ends the stream.
func (s *Server) handleStreamGenerateContent(c echo.Context, model string) error {
	var req translator.GenerateContentRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
		}
	}

	seq, _ := s.router.GenerateContentStream(c.Request().Context(), req.ToUnified(model))

	started := false
	for chunk, err := range seq {
		if err != nil {
			if !started {
				return toHTTPError(err)
			}
			status, message := httpStatus(err)
			if werr := writeSSEEvent(writer, "error", translator.NewErrorResponse(status, message)); werr != nil {
				slog.Error("failed to write SSE error event", "err", werr)
			}
			flusher.Flush()
			slog.Warn("stream aborted", "model", model, "err", err)
			return nil
		}

		if !started {
			header := c.Response().Header()
			header.Set("Content-Type", "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
			c.Response().WriteHeader(http.StatusOK)
			started = true
		}

		if err := writeSSEEvent(writer, "", translator.FromUnifiedResponse(chunk)); err != nil {
			slog.Warn("client went away during stream", "model", model, "err", err)
			return nil
		}
		flusher.Flush()
	}

	return nil
}

func (s *Server) handleCountTokens(c echo.Context, model string) error {
	var req translator.CountTokensRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.router.CountTokens(c.Request().Context(), req.ToUnified(model))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromUnifiedCountTokens(resp))
}

func (s *Server) handleEmbedContent(c echo.Context, model string) error {
	var req translator.EmbedContentRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.router.EmbedContent(c.Request().Context(), req.ToUnified(model))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromUnifiedEmbedding(resp))
}

func parseAction(raw string) (model, method string, err error) {
	action, uerr := url.PathUnescape(raw)
	if uerr != nil {
		action = raw
	}
	i := strings.LastIndex(action, ":")
	if i <= 0 || i == len(action)-1 {
		return "", "", requestError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("expected {model}:{method}, got %q", action),
		}
	}
	return action[:i], action[i+1:], nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
			}
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes),
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message string) error {
	return c.JSON(status, translator.NewErrorResponse(status, message))
}

func geminiErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message))
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	status, message := httpStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("provider call failed", "status", status, "err", err)
	}
	return requestError{Status: status, Message: message}
}

// httpStatus maps a routing or provider error to a status code and a client-safe message.
func httpStatus(err error) (int, string) {
	var (
		cfgErr       *provider.ConfigurationError
		backendErr   *provider.BackendError
		transportErr *provider.TransportError
		protocolErr  *provider.ProtocolError
	)

	switch {
	case errors.Is(err, provider.ErrUnknownModel):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, provider.ErrUnsupportedOperation):
		return http.StatusNotImplemented, err.Error()
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "provider is misconfigured"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream provider timed out"
	case errors.As(err, &backendErr):
		return http.StatusBadGateway, fmt.Sprintf("upstream provider %s returned status %d", backendErr.Provider, backendErr.StatusCode)
	case errors.As(err, &transportErr):
		return http.StatusBadGateway, fmt.Sprintf("upstream provider %s is unreachable", transportErr.Provider)
	case errors.As(err, &protocolErr):
		return http.StatusBadGateway, fmt.Sprintf("upstream provider %s returned a malformed response", protocolErr.Provider)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeSSEEvent writes one frame; an empty event name writes a bare data frame.
func writeSSEEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("genai-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1beta/models")
	fmt.Println("  POST /v1beta/models/{model}:generateContent")
	fmt.Println("  POST /v1beta/models/{model}:streamGenerateContent")
	fmt.Println("  POST /v1beta/models/{model}:countTokens")
	fmt.Println("  POST /v1beta/models/{model}:embedContent")
	fmt.Printf("Example:\n  curl http://%s:%d/v1beta/models/doubao-seed-1-6-251015:generateContent -H 'Content-Type: application/json' -d '{\"contents\":[{\"role\":\"user\",\"parts\":[{\"text\":\"hello\"}]}]}'\n\n", host, port)
}
