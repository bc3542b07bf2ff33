package decorator

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

type scriptedGenerator struct {
	response  *models.GenerateContentResponse
	chunks    []*models.GenerateContentResponse
	streamErr error
	tokens    int
	err       error
	calls     int
}

func (s *scriptedGenerator) GenerateContent(ctx context.Context, req *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

func (s *scriptedGenerator) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	return func(yield func(*models.GenerateContentResponse, error) bool) {
		s.calls++
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.streamErr != nil {
			yield(nil, s.streamErr)
		}
	}
}

func (s *scriptedGenerator) CountTokens(ctx context.Context, req *models.CountTokensRequest) (*models.CountTokensResponse, error) {
	s.calls++
	return &models.CountTokensResponse{TotalTokens: s.tokens}, nil
}

func (s *scriptedGenerator) EmbedContent(ctx context.Context, req *models.EmbedContentRequest) (*models.EmbedContentResponse, error) {
	s.calls++
	return nil, &provider.UnsupportedCapabilityError{Provider: "scripted", Capability: "embedContent"}
}

func userRequest(text string) *models.GenerateContentRequest {
	return &models.GenerateContentRequest{
		Model:    "doubao-seed-1-6-251015",
		Contents: []models.Content{{Role: models.RoleUser, Parts: []models.Part{{Text: text}}}},
	}
}

func collect(seq iter.Seq2[*models.GenerateContentResponse, error]) ([]*models.GenerateContentResponse, error) {
	var out []*models.GenerateContentResponse
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func usage(p, c int) models.UsageMetadata {
	return models.UsageMetadata{PromptTokenCount: p, CandidatesTokenCount: c, TotalTokenCount: p + c}
}

func TestLoggingPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	next := &scriptedGenerator{
		response: models.NewTextResponse("r1", "m", "hi", models.FinishReasonStop, usage(1, 2)),
		chunks: []*models.GenerateContentResponse{
			models.NewTextResponse("r2", "m", "a", models.FinishReasonUnspecified, models.UsageMetadata{}),
			models.NewTextResponse("r2", "m", "b", models.FinishReasonStop, usage(1, 2)),
		},
	}
	l := NewLogging("doubao", next, logger)

	resp, err := l.GenerateContent(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Same(t, next.response, resp)

	chunks, err := collect(l.GenerateContentStream(context.Background(), userRequest("hello")))
	require.NoError(t, err)
	assert.Equal(t, next.chunks, chunks)

	_, err = l.EmbedContent(context.Background(), &models.EmbedContentRequest{})
	require.ErrorIs(t, err, provider.ErrUnsupportedOperation)

	out := buf.String()
	assert.Contains(t, out, `"provider":"doubao"`)
	assert.Contains(t, out, `"call_id"`)
	assert.Contains(t, out, `"msg":"stream finished"`)
	assert.Contains(t, out, `"chunks":2`)
	assert.Contains(t, out, `"msg":"call failed"`)
}

func TestLoggingStreamStopsWithConsumer(t *testing.T) {
	next := &scriptedGenerator{chunks: []*models.GenerateContentResponse{
		models.NewTextResponse("r", "m", "a", models.FinishReasonUnspecified, models.UsageMetadata{}),
		models.NewTextResponse("r", "m", "b", models.FinishReasonStop, models.UsageMetadata{}),
	}}
	l := NewLogging("doubao", next, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	seen := 0
	for _, err := range l.GenerateContentStream(context.Background(), userRequest("x")) {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestRecordThenReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.yaml")
	recorder := NewRecorder(path)
	backendErr := &provider.BackendError{Provider: "doubao", StatusCode: 500, Body: "boom"}

	next := &scriptedGenerator{
		response: models.NewTextResponse("r1", "m", "你好", models.FinishReasonStop, usage(10, 20)),
		chunks: []*models.GenerateContentResponse{
			models.NewTextResponse("r2", "m", "你", models.FinishReasonUnspecified, models.UsageMetadata{}),
			models.NewTextResponse("r2", "m", "好", models.FinishReasonStop, usage(10, 4)),
		},
		tokens: 6,
	}
	rec := NewRecording("doubao", next, recorder, nil)

	resp, err := rec.GenerateContent(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	chunks, err := collect(rec.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	count, err := rec.CountTokens(context.Background(), &models.CountTokensRequest{Contents: userRequest("你好世界").Contents})
	require.NoError(t, err)
	_, embedErr := rec.EmbedContent(context.Background(), &models.EmbedContentRequest{})
	require.Error(t, embedErr)

	next.err = backendErr
	_, err = rec.GenerateContent(context.Background(), userRequest("again"))
	require.ErrorAs(t, err, &backendErr)

	replay, err := LoadReplay(path)
	require.NoError(t, err)
	gen := replay.Generator("doubao")

	gotResp, err := gen.GenerateContent(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)

	gotChunks, err := collect(gen.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	assert.Equal(t, chunks, gotChunks)

	gotCount, err := gen.CountTokens(context.Background(), &models.CountTokensRequest{})
	require.NoError(t, err)
	assert.Equal(t, count, gotCount)

	_, err = gen.EmbedContent(context.Background(), &models.EmbedContentRequest{})
	require.ErrorIs(t, err, ErrRecordedFailure)

	_, err = gen.GenerateContent(context.Background(), userRequest("again"))
	require.ErrorIs(t, err, ErrRecordedFailure)
	assert.Contains(t, err.Error(), "status 500")

	_, err = gen.GenerateContent(context.Background(), userRequest("more"))
	require.ErrorIs(t, err, ErrReplayExhausted)
}

func TestReplayIsPerProvider(t *testing.T) {
	replay := NewReplay([]Record{
		{Provider: "a", Method: MethodCountTokens, Count: &models.CountTokensResponse{TotalTokens: 1}},
		{Provider: "b", Method: MethodCountTokens, Count: &models.CountTokensResponse{TotalTokens: 2}},
	})

	got, err := replay.Generator("b").CountTokens(context.Background(), &models.CountTokensRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalTokens)

	_, err = replay.Generator("b").CountTokens(context.Background(), &models.CountTokensRequest{})
	require.ErrorIs(t, err, ErrReplayExhausted)
}

func TestReplayStreamWithRecordedFailure(t *testing.T) {
	replay := NewReplay([]Record{{
		Provider: "doubao",
		Method:   MethodStreamGenerateContent,
		Chunks:   []*models.GenerateContentResponse{models.NewTextResponse("r", "m", "part", models.FinishReasonUnspecified, models.UsageMetadata{})},
		Error:    "doubao: transport failure: connection reset",
	}})

	chunks, err := collect(replay.Generator("doubao").GenerateContentStream(context.Background(), userRequest("x")))
	require.Len(t, chunks, 1)
	require.ErrorIs(t, err, ErrRecordedFailure)
}

func TestRecordingWriteFailureDoesNotFailCall(t *testing.T) {
	recorder := NewRecorder(filepath.Join(t.TempDir(), "missing", "calls.yaml"))
	next := &scriptedGenerator{tokens: 3}
	rec := NewRecording("doubao", next, recorder, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	got, err := rec.CountTokens(context.Background(), &models.CountTokensRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalTokens)
}

func TestLoadReplayMissingFile(t *testing.T) {
	_, err := LoadReplay(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecoratorsAcceptNilRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.yaml")
	next := &scriptedGenerator{
		response: models.NewTextResponse("r1", "m", "hi", models.FinishReasonStop, usage(1, 1)),
		chunks:   []*models.GenerateContentResponse{models.NewTextResponse("r2", "m", "a", models.FinishReasonStop, usage(1, 1))},
		tokens:   1,
	}
	recording := NewRecording("doubao", next, NewRecorder(path), nil)
	gen := NewLogging("doubao", recording, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	require.NotPanics(t, func() {
		_, err := gen.GenerateContent(context.Background(), nil)
		require.NoError(t, err)
		_, err = collect(gen.GenerateContentStream(context.Background(), nil))
		require.NoError(t, err)
		_, err = gen.CountTokens(context.Background(), nil)
		require.NoError(t, err)
		_, err = gen.EmbedContent(context.Background(), nil)
		require.ErrorIs(t, err, provider.ErrUnsupportedOperation)
	})
	assert.Equal(t, 4, next.calls)

	replay, err := LoadReplay(path)
	require.NoError(t, err)
	got, err := replay.Generator("doubao").CountTokens(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalTokens)
}
