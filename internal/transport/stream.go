package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/haasonsaas/copilot-runtime/internal/copilot"
	"github.com/haasonsaas/copilot-runtime/pkg/models"
)

// Stream formats.
const (
	FormatSSE    = "sse"
	FormatNDJSON = "ndjson"
)

const ndjsonContentType = "application/x-ndjson"

// Chunk is one unit of the outbound stream. Every event becomes one chunk;
// the stream ends with exactly one chunk carrying Terminal.
type Chunk struct {
	Seq      int64               `json:"seq"`
	Event    *models.StreamEvent `json:"event,omitempty"`
	Terminal *Terminal           `json:"terminal,omitempty"`
}

// Terminal reports how the turn ended.
type Terminal struct {
	Status   models.TerminalStatus `json:"status"`
	ThreadID string                `json:"threadId,omitempty"`
	RunID    string                `json:"runId,omitempty"`
	Error    *models.ErrorPayload  `json:"error,omitempty"`
	Messages []models.Message      `json:"messages,omitempty"`
}

func newTerminal(resp *copilot.Response) *Terminal {
	if resp == nil {
		return &Terminal{Status: models.StatusUnknownError}
	}
	return &Terminal{
		Status:   resp.Status,
		ThreadID: resp.ThreadID,
		RunID:    resp.RunID,
		Error:    resp.Error,
		Messages: resp.Messages,
	}
}

// negotiateFormat picks NDJSON when the client asks for it and SSE
// otherwise.
func negotiateFormat(r *http.Request) string {
	if strings.Contains(r.Header.Get("Accept"), ndjsonContentType) {
		return FormatNDJSON
	}
	return FormatSSE
}

// streamWriter is the copilot.EventSink behind POST /copilot/stream. Each
// chunk is flushed before Emit returns, so a slow client slows the run.
type streamWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	format  string
	seq     int64
	done    bool
}

func newStreamWriter(w http.ResponseWriter, format string) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported by response writer")
	}
	h := w.Header()
	switch format {
	case FormatNDJSON:
		h.Set("Content-Type", ndjsonContentType)
	default:
		h.Set("Content-Type", "text/event-stream")
		h.Set("Connection", "keep-alive")
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &streamWriter{w: w, flusher: flusher, format: format}, nil
}

// Emit implements copilot.EventSink.
func (s *streamWriter) Emit(ctx context.Context, ev models.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.New("stream already terminated")
	}
	s.seq++
	return s.writeLocked(string(ev.Type), Chunk{Seq: s.seq, Event: &ev})
}

// finish writes the terminal chunk. Later calls are no-ops.
func (s *streamWriter) finish(resp *copilot.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	s.seq++
	return s.writeLocked("terminal", Chunk{Seq: s.seq, Terminal: newTerminal(resp)})
}

func (s *streamWriter) writeLocked(name string, chunk Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	switch s.format {
	case FormatNDJSON:
		data = append(data, '\n')
		_, err = s.w.Write(data)
	default:
		_, err = fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", chunk.Seq, name, data)
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, status, err := s.decodeRequest(w, r)
	if err != nil {
		writeError(w, status, "invalid_request", err.Error())
		return
	}
	if !s.admit(w, r, req.PublicAPIKey) {
		return
	}

	writer, err := newStreamWriter(w, negotiateFormat(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	// The request context is cancelled when the client goes away, which
	// interrupts the run.
	ctx, cancel := s.requestContext(r.Context())
	defer cancel()

	resp, runErr := s.runner.Run(ctx, req, writer)
	if runErr != nil {
		s.logger.DebugContext(ctx, "stream ended with error", "error", runErr)
	}
	if err := writer.finish(resp); err != nil {
		s.logger.DebugContext(ctx, "could not write terminal chunk", "error", err)
	}
}

// decodeRequest reads the runtime request from the body and the API key
// from the header. The returned status applies when err is non-nil.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*models.RuntimeRequest, int, error) {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	defer body.Close()

	var req models.RuntimeRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("decode request: %w", err)
	}
	req.PublicAPIKey = strings.TrimSpace(r.Header.Get(PublicAPIKeyHeader))
	return &req, http.StatusOK, nil
}
