package doubao

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"genai-gateway/internal/models"
	"genai-gateway/internal/provider"
)

const (
	readChunkSize  = 4 * 1024
	doneSentinel   = "[DONE]"
	maxLoggedBytes = 256
)

// GenerateContentStream returns a lazily pulled sequence of chunks. The HTTP request
// is sent when iteration starts; stopping early cancels it and closes the body.
func (g *Generator) GenerateContentStream(ctx context.Context, req *models.GenerateContentRequest) iter.Seq2[*models.GenerateContentResponse, error] {
	model := g.modelFor(req)

	return func(yield func(*models.GenerateContentResponse, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		httpResp, err := g.post(ctx, buildPayload(model, req, true))
		if err != nil {
			yield(nil, err)
			return
		}
		defer httpResp.Body.Close()

		s := &chunkStream{
			provider: g.name,
			model:    model,
			id:       uuid.NewString(),
			policy:   g.policy,
			logger:   g.logger,
			decoder:  newSSEDecoder(httpResp.Body),
		}
		s.run(yield)
	}
}

type streamState int

const (
	stateAwaitingData streamState = iota
	stateAccumulating
	stateDone
	stateAborted
)

// chunkStream turns decoded SSE payloads into response chunks. One is allocated per call.
type chunkStream struct {
	provider string
	model    string
	id       string
	policy   models.TotalTokenPolicy
	logger   *slog.Logger
	decoder  *sseDecoder

	state   streamState
	usage   models.UsageMetadata
	emitted int
}

func (s *chunkStream) run(yield func(*models.GenerateContentResponse, error) bool) {
	for s.state == stateAwaitingData || s.state == stateAccumulating {
		payload, err := s.decoder.next()
		if errors.Is(err, io.EOF) {
			s.state = stateDone
			break
		}
		if err != nil {
			s.state = stateAborted
			yield(nil, &provider.TransportError{Provider: s.provider, Err: err})
			return
		}

		chunk, ok := s.handle(payload)
		if !ok {
			continue
		}
		s.state = stateAccumulating
		if !yield(chunk, nil) {
			s.state = stateAborted
			return
		}
	}

	if s.emitted == 0 {
		yield(models.NewTextResponse(s.id, s.model, models.EmptyResponseText, models.FinishReasonStop, models.UsageMetadata{}), nil)
	}
}

// handle decodes one data payload. Malformed payloads are logged and dropped; events
// without delta text produce no chunk and leave usage untouched.
func (s *chunkStream) handle(payload string) (*models.GenerateContentResponse, bool) {
	var event chatResponse
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		perr := &provider.ProtocolError{Provider: s.provider, Payload: payload, Err: err}
		s.logger.Warn("skipping malformed stream event",
			"provider", s.provider,
			"err", perr,
			"payload", truncate(payload, maxLoggedBytes),
		)
		return nil, false
	}

	text, stop := event.deltaText()
	if text == "" {
		return nil, false
	}

	if event.Usage != nil {
		s.usage = event.Usage.toUsage(s.policy)
	}

	finish := models.FinishReasonUnspecified
	if stop {
		finish = models.FinishReasonStop
	}
	s.emitted++
	return models.NewTextResponse(s.id, s.model, text, finish, s.usage), true
}

// sseDecoder splits a byte stream into SSE data payloads. Bytes are only read from
// the underlying reader when the buffered lines are exhausted.
type sseDecoder struct {
	r       io.Reader
	scratch []byte
	buf     []byte
	lines   []string
	eof     bool
	done    bool
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{
		r:       r,
		scratch: make([]byte, readChunkSize),
	}
}

// next returns the next data payload. It returns io.EOF after the [DONE] sentinel or
// when the connection closes, and any other read error unchanged.
func (d *sseDecoder) next() (string, error) {
	for {
		for len(d.lines) > 0 {
			line := strings.TrimSpace(d.lines[0])
			d.lines = d.lines[1:]

			data, ok := dataPayload(line)
			if !ok {
				continue
			}
			if data == doneSentinel {
				d.done = true
				d.lines = nil
				return "", io.EOF
			}
			return data, nil
		}

		if d.done || d.eof {
			return "", io.EOF
		}
		if err := d.fill(); err != nil {
			return "", err
		}
	}
}

func (d *sseDecoder) fill() error {
	n, err := d.r.Read(d.scratch)
	if n > 0 {
		d.buf = append(d.buf, d.scratch[:n]...)
		d.splitLines()
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		d.eof = true
		if len(d.buf) > 0 {
			d.lines = append(d.lines, string(d.buf))
			d.buf = nil
		}
		return nil
	}
	return err
}

// splitLines moves every complete line out of buf, keeping the trailing fragment.
func (d *sseDecoder) splitLines() {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		d.lines = append(d.lines, string(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// dataPayload extracts the payload of a trimmed "data:" line. Blank lines, comments
// and other SSE fields are not data.
func dataPayload(line string) (string, bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	rest, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
