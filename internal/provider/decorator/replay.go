package decorator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

// ErrReplayExhausted is returned when a recording holds no further call for a method.
var ErrReplayExhausted = errors.New("replay recording exhausted")

// ErrRecordedFailure wraps the text of an error captured during recording.
var ErrRecordedFailure = errors.New("recorded failure")

// Replay serves recorded calls back in order, per provider and method, without
// contacting any backend.
type Replay struct {
	mu     sync.Mutex
	queues map[string][]Record
}

// LoadReplay reads every record from a file written by Recorder.
func LoadReplay(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	dec := yaml.NewDecoder(f)
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode recording %q: %w", path, err)
		}
		records = append(records, rec)
	}
	return NewReplay(records), nil
}

func NewReplay(records []Record) *Replay {
	r := &Replay{queues: make(map[string][]Record)}
	for _, rec := range records {
		key := queueKey(rec.Provider, rec.Method)
		r.queues[key] = append(r.queues[key], rec)
	}
	return r
}

// Generator returns a content generator replaying the calls recorded for providerName.
func (r *Replay) Generator(providerName string) provider.ContentGenerator {
	return &replayGenerator{replay: r, name: providerName}
}

func (r *Replay) next(providerName, method string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := queueKey(providerName, method)
	queue := r.queues[key]
	if len(queue) == 0 {
		return Record{}, fmt.Errorf("%w: provider %s method %s", ErrReplayExhausted, providerName, method)
	}
	r.queues[key] = queue[1:]
	return queue[0], nil
}

func queueKey(providerName, method string) string {
	return providerName + "/" + method
}

type replayGenerator struct {
	replay *Replay
	name   string
}

func (g *replayGenerator) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	rec, err := g.take(MethodGenerateContent)
	if err != nil {
		return nil, err
	}
	if rec.Response == nil {
		return nil, fmt.Errorf("%w: provider %s: record has no response", ErrReplayExhausted, g.name)
	}
	return rec.Response, nil
}

func (g *replayGenerator) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		rec, err := g.replay.next(g.name, MethodStreamGenerateContent)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, chunk := range rec.Chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if rec.Error != "" {
			yield(nil, fmt.Errorf("%w: %s", ErrRecordedFailure, rec.Error))
		}
	}
}

func (g *replayGenerator) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	rec, err := g.take(MethodCountTokens)
	if err != nil {
		return nil, err
	}
	if rec.Count == nil {
		return nil, fmt.Errorf("%w: provider %s: record has no token count", ErrReplayExhausted, g.name)
	}
	return rec.Count, nil
}

func (g *replayGenerator) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	rec, err := g.take(MethodEmbedContent)
	if err != nil {
		return nil, err
	}
	if rec.Embedding == nil {
		return nil, fmt.Errorf("%w: provider %s: record has no embedding", ErrReplayExhausted, g.name)
	}
	return rec.Embedding, nil
}

// take pops the next record and turns a recorded error back into an error.
func (g *replayGenerator) take(method string) (Record, error) {
	rec, err := g.replay.next(g.name, method)
	if err != nil {
		return Record{}, err
	}
	if rec.Error != "" {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordedFailure, rec.Error)
	}
	return rec, nil
}
