package decorator

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

// Method names stored in recordings.
const (
	MethodGenerateContent       = "generateContent"
	MethodStreamGenerateContent = "streamGenerateContent"
	MethodCountTokens           = "countTokens"
	MethodEmbedContent          = "embedContent"
)

// Record is one recorded call. Exactly one of Response, Chunks, Count or Embedding is
// set on success; Error holds the failure text otherwise. A stream that failed part way
// keeps the chunks it produced alongside Error.
type Record struct {
	Provider   string                            `yaml:"provider"`
	Method     string                            `yaml:"method"`
	Model      string                            `yaml:"model,omitempty"`
	Prompt     string                            `yaml:"prompt,omitempty"`
	RecordedAt time.Time                         `yaml:"recorded_at"`
	Response   *models.GenerateContentResponse   `yaml:"response,omitempty"`
	Chunks     []*models.GenerateContentResponse `yaml:"chunks,omitempty"`
	Count      *models.CountTokensResponse       `yaml:"count,omitempty"`
	Embedding  *models.EmbedContentResponse      `yaml:"embedding,omitempty"`
	Error      string                            `yaml:"error,omitempty"`
}

// Recorder appends records to a multi-document YAML file. It is safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewRecorder(path string) *Recorder {
	return &Recorder{path: path, now: time.Now}
}

// Append writes rec as a new YAML document at the end of the file.
func (r *Recorder) Append(rec Record) error {
	rec.RecordedAt = r.now().UTC()

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open recording %q: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write recording %q: %w", r.path, err)
	}
	return nil
}

// Recording forwards every call and appends its outcome to a Recorder. A failed write
// is logged; it never changes the result returned to the caller.
type Recording struct {
	name     string
	next     provider.ContentGenerator
	recorder *Recorder
	logger   *slog.Logger
}

func NewRecording(name string, next provider.ContentGenerator, recorder *Recorder, logger *slog.Logger) *Recording {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recording{name: name, next: next, recorder: recorder, logger: logger}
}

func (r *Recording) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	resp, err := r.next.GenerateContent(ctx, req)

	rec := r.newRecord(MethodGenerateContent, req.GetModel(), req.GetContents())
	rec.Response = resp
	r.append(rec, err)
	return resp, err
}

func (r *Recording) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		rec := r.newRecord(MethodStreamGenerateContent, req.GetModel(), req.GetContents())

		for chunk, err := range r.next.GenerateContentStream(ctx, req) {
			if err != nil {
				r.append(rec, err)
				yield(nil, err)
				return
			}
			rec.Chunks = append(rec.Chunks, chunk)
			if !yield(chunk, nil) {
				// a partial stream cannot be replayed faithfully
				return
			}
		}
		r.append(rec, nil)
	}
}

func (r *Recording) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	resp, err := r.next.CountTokens(ctx, req)

	rec := r.newRecord(MethodCountTokens, req.GetModel(), req.GetContents())
	rec.Count = resp
	r.append(rec, err)
	return resp, err
}

func (r *Recording) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	resp, err := r.next.EmbedContent(ctx, req)

	rec := r.newRecord(MethodEmbedContent, req.GetModel(), req.GetContents())
	rec.Embedding = resp
	r.append(rec, err)
	return resp, err
}

func (r *Recording) newRecord(method, model string, contents []models.Content) Record {
	return Record{
		Provider: r.name,
		Method:   method,
		Model:    model,
		Prompt:   models.FlattenText(contents),
	}
}

func (r *Recording) append(rec Record, callErr error) {
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := r.recorder.Append(rec); err != nil {
		r.logger.Warn("failed to record call", "provider", r.name, "method", rec.Method, "err", err)
	}
}
