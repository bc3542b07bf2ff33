package doubao

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genai-gateway/internal/config"
	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func sseResponse(req *http.Request, body io.ReadCloser) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       body,
		Request:    req,
	}
}

func TestStreamYieldsOneChunkPerDelta(t *testing.T) {
	var gotPayload map[string]any
	var gotAccept string
	g := newServerGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		sseHandler(
			`data: {"choices":[{"delta":{"content":"你"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"好"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"！"}}]}`,
			``,
			`data: [DONE]`,
		)(w, r)
	})

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)

	assert.Equal(t, true, gotPayload["stream"])
	assert.Equal(t, contentTypeSSE, gotAccept)

	require.Len(t, chunks, 3)
	for i, want := range []string{"你", "好", "！"} {
		require.Len(t, chunks[i].Candidates, 1)
		assert.Equal(t, want, chunks[i].Text())
		assert.Equal(t, models.RoleModel, chunks[i].Candidates[0].Content.Role)
		assert.Equal(t, 0, chunks[i].Candidates[0].Index)
		assert.Equal(t, models.FinishReasonUnspecified, chunks[i].Candidates[0].FinishReason)
	}
	assert.Equal(t, chunks[0].ResponseID, chunks[2].ResponseID)
}

func TestStreamFinishReasonAndUsage(t *testing.T) {
	g := newServerGenerator(t, sseHandler(
		`data: {"choices":[{"delta":{"content":"你"}}]}`,
		`data: {"choices":[{"delta":{"content":"好"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`,
		`data: [DONE]`,
	))

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, models.FinishReasonUnspecified, chunks[0].FinishReason())
	assert.Equal(t, models.UsageMetadata{}, chunks[0].Usage)

	assert.Equal(t, models.FinishReasonStop, chunks[1].FinishReason())
	assert.Equal(t, models.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 4, TotalTokenCount: 14}, chunks[1].Usage)
}

func TestStreamTotalTokenPolicySum(t *testing.T) {
	g := newServerGenerator(t, sseHandler(
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":99}}`,
		`data: [DONE]`,
	), func(c *config.ProviderConfig) { c.TotalTokens = "sum" })

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 14, chunks[0].Usage.TotalTokenCount)
}

func TestStreamConcatenationMatchesBlockingCall(t *testing.T) {
	stream := newServerGenerator(t, sseHandler(
		`data: {"choices":[{"delta":{"content":"你"}}]}`,
		`data: {"choices":[{"delta":{"content":"好"}}]}`,
		`data: {"choices":[{"delta":{"content":"！"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	))
	blocking := newServerGenerator(t, jsonHandler(http.StatusOK, `{"choices":[{"message":{"content":"你好！"}}]}`))

	chunks, err := collect(stream.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	resp, err := blocking.GenerateContent(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	assert.Equal(t, resp.Text(), concatText(chunks))
}

func TestStreamDoneOnlyYieldsPlaceholder(t *testing.T) {
	g := newServerGenerator(t, sseHandler(`data: [DONE]`))

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.EmptyResponseText, chunks[0].Text())
	assert.Equal(t, models.FinishReasonStop, chunks[0].FinishReason())
	assert.Equal(t, models.UsageMetadata{}, chunks[0].Usage)
}

func TestStreamClosedWithoutDataYieldsPlaceholder(t *testing.T) {
	g := newServerGenerator(t, sseHandler(`: keep-alive`, `data: {"choices":[{"delta":{}}]}`))

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, models.EmptyResponseText, chunks[0].Text())
}

func TestStreamHandshakeFailure(t *testing.T) {
	g := newServerGenerator(t, jsonHandler(http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`))

	var yielded int
	var gotErr error
	for chunk, err := range g.GenerateContentStream(context.Background(), userRequest("hi")) {
		if err != nil {
			gotErr = err
			break
		}
		assert.NotNil(t, chunk)
		yielded++
	}

	assert.Equal(t, 0, yielded)
	var backendErr *provider.BackendError
	require.ErrorAs(t, gotErr, &backendErr)
	assert.Equal(t, http.StatusTooManyRequests, backendErr.StatusCode)
	assert.Contains(t, backendErr.Body, "rate limited")
}

func TestStreamIsLazy(t *testing.T) {
	calls := 0
	g := newTransportGenerator(t, func(req *http.Request) (*http.Response, error) {
		calls++
		return sseResponse(req, io.NopCloser(strings.NewReader("data: [DONE]\n"))), nil
	})

	seq := g.GenerateContentStream(context.Background(), userRequest("hi"))
	assert.Equal(t, 0, calls)

	_, err := collect(seq)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// segmentReader hands out one segment per Read and counts the calls.
type segmentReader struct {
	segments []string
	reads    int
}

func (r *segmentReader) Read(p []byte) (int, error) {
	if len(r.segments) == 0 {
		return 0, io.EOF
	}
	r.reads++
	n := copy(p, r.segments[0])
	r.segments[0] = r.segments[0][n:]
	if r.segments[0] == "" {
		r.segments = r.segments[1:]
	}
	return n, nil
}

func (r *segmentReader) Close() error { return nil }

func TestStreamDoesNotReadAheadOfConsumer(t *testing.T) {
	body := &segmentReader{segments: []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"two\"}}]}\n\n",
		"data: [DONE]\n",
	}}
	g := newTransportGenerator(t, func(req *http.Request) (*http.Response, error) {
		return sseResponse(req, body), nil
	})

	var readsAtFirstChunk int
	for chunk, err := range g.GenerateContentStream(context.Background(), userRequest("hi")) {
		require.NoError(t, err)
		assert.Equal(t, "one", chunk.Text())
		readsAtFirstChunk = body.reads
		break
	}

	assert.Equal(t, 1, readsAtFirstChunk)
	assert.Equal(t, 1, body.reads)
	assert.Len(t, body.segments, 2)
}

func TestStreamSkipsMalformedAndForeignLines(t *testing.T) {
	g := newServerGenerator(t, sseHandler(
		`: comment`,
		`event: message`,
		`id: 7`,
		`data: {not json`,
		`   data: {"choices":[{"delta":{"content":"ok"}}]}   `,
		`data:{"choices":[{"delta":{"content":"!"}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"after done"}}]}`,
	))

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "ok!", concatText(chunks))
}

func TestStreamMidStreamDropFailsSequence(t *testing.T) {
	resetErr := errors.New("connection reset by peer")
	g := newTransportGenerator(t, func(req *http.Request) (*http.Response, error) {
		body := io.MultiReader(
			strings.NewReader("data: {\"choices\":[{\"delta\":{\"content\":\"part\"}}]}\n"),
			iotest.ErrReader(resetErr),
		)
		return sseResponse(req, io.NopCloser(body)), nil
	})

	chunks, err := collect(g.GenerateContentStream(context.Background(), userRequest("hi")))
	require.Len(t, chunks, 1)
	assert.Equal(t, "part", chunks[0].Text())

	var transportErr *provider.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.ErrorIs(t, err, resetErr)
}

func TestStreamEarlyBreakClosesBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"one"}}]}`,
		`data: {"choices":[{"delta":{"content":"two"}}]}`,
		`data: [DONE]`,
	}, "\n") + "\n")}

	var reqCtx context.Context
	g := newTransportGenerator(t, func(req *http.Request) (*http.Response, error) {
		reqCtx = req.Context()
		return sseResponse(req, body), nil
	})

	for chunk, err := range g.GenerateContentStream(context.Background(), userRequest("hi")) {
		require.NoError(t, err)
		assert.Equal(t, "one", chunk.Text())
		break
	}

	assert.True(t, body.closed)
	require.NotNil(t, reqCtx)
	assert.ErrorIs(t, reqCtx.Err(), context.Canceled)
}

func TestSSEDecoderHandlesSplitReads(t *testing.T) {
	raw := strings.Join([]string{
		`: ping`,
		`data: {"choices":[{"delta":{"content":"你好"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"世界"}}]}`,
		`data: [DONE]`,
	}, "\n") + "\n"

	d := newSSEDecoder(iotest.OneByteReader(strings.NewReader(raw)))

	first, err := d.next()
	require.NoError(t, err)
	assert.Equal(t, `{"choices":[{"delta":{"content":"你好"}}]}`, first)

	second, err := d.next()
	require.NoError(t, err)
	assert.Equal(t, `{"choices":[{"delta":{"content":"世界"}}]}`, second)

	_, err = d.next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = d.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEDecoderProcessesTrailingFragment(t *testing.T) {
	d := newSSEDecoder(strings.NewReader("data: first\r\ndata: last"))

	got, err := d.next()
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = d.next()
	require.NoError(t, err)
	assert.Equal(t, "last", got)

	_, err = d.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDataPayload(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{line: "", ok: false},
		{line: ": comment", ok: false},
		{line: "event: delta", ok: false},
		{line: "data: {}", want: "{}", ok: true},
		{line: "data:{}", want: "{}", ok: true},
		{line: "data: [DONE]", want: "[DONE]", ok: true},
	}
	for _, tc := range tests {
		got, ok := dataPayload(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.want, got, tc.line)
	}
}
