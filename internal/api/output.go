package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// Output encodings selectable with ?encoding=.
const (
	encodingText   = "text"
	encodingBase64 = "base64"
)

// outputEncoding returns the requested output encoding, defaulting to text.
func outputEncoding(r *http.Request) string {
	if r.URL.Query().Get("encoding") == encodingBase64 {
		return encodingBase64
	}
	return encodingText
}

func encodeOutput(data []byte, encoding string) string {
	if encoding == encodingBase64 {
		return base64.StdEncoding.EncodeToString(data)
	}
	return string(data)
}

// sseOutput writes output chunks as SSE events tagged with their seq, so a
// client can resume with Last-Event-ID. It never writes a seq twice.
type sseOutput struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	encoding string
	// next is the lowest seq the client has not seen.
	next int
}

func (o *sseOutput) flush() {
	if o.flusher != nil {
		o.flusher.Flush()
	}
}

func (o *sseOutput) chunk(seq int, data []byte) error {
	if seq < o.next {
		return nil
	}
	if _, err := fmt.Fprintf(o.w, "id: %d\n", seq); err != nil {
		return err
	}
	if err := writeSSEData(o.w, encodeOutput(data, o.encoding)); err != nil {
		return err
	}
	o.next = seq + 1
	o.flush()
	return nil
}

// resumeSeq returns the first seq to send, from the Last-Event-ID header.
func resumeSeq(r *http.Request) int {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		return 0
	}
	last, err := strconv.Atoi(v)
	if err != nil || last < 0 {
		return 0
	}
	return last + 1
}

// handleStreamOutput streams a run's output as SSE: the persisted history
// first, then live chunks, then a done event once the run has finished.
// Chunks a slow client missed on the live feed are re-read from history.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	out := &sseOutput{w: w, encoding: outputEncoding(r), next: resumeSeq(r)}
	out.flusher, _ = w.(http.Flusher)

	backfill := func() error {
		chunks, err := s.store.GetOutputChunksFrom(r.Context(), id, out.next)
		if err != nil {
			s.logger.Error("get output chunks for stream", "run_id", id, "error", err)
			return err
		}
		for _, c := range chunks {
			if err := out.chunk(c.Seq, c.Data); err != nil {
				return err
			}
		}
		return nil
	}
	done := func() {
		_ = writeSSEEvent(w, "done", "stream complete")
		out.flush()
	}

	// A finished run has no live feed; its history is complete.
	if model.IsTerminal(run.Status) {
		w.WriteHeader(http.StatusOK)
		if backfill() == nil {
			done()
		}
		return
	}

	// Subscribe before reading history: every chunk published before Next is
	// already persisted, and everything after it arrives live.
	sub := s.engine.Broker().Subscribe(id)
	defer sub.Close()

	sseClients.Inc()
	defer sseClients.Dec()

	// Live streams outlast the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	out.flush()

	if sub.Next > out.next {
		if err := backfill(); err != nil {
			return
		}
	}

	for {
		select {
		case c, ok := <-sub.C:
			if !ok {
				// Chunks skipped at the tail are in the history by now.
				if backfill() == nil {
					done()
				}
				return
			}
			if c.Seq > out.next {
				if err := backfill(); err != nil {
					return
				}
			}
			if err := out.chunk(c.Seq, c.Data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// outputHistoryChunk is a single output chunk in the history response.
type outputHistoryChunk struct {
	Seq       int    `json:"seq"`
	Data      string `json:"data"`
	CreatedAt string `json:"created_at"`
}

// outputHistoryResponse is the JSON response for GET /v1/runs/:id/output/history.
type outputHistoryResponse struct {
	RunID    string               `json:"run_id"`
	Encoding string               `json:"encoding"`
	Chunks   []outputHistoryChunk `json:"chunks"`
}

func (s *Server) handleGetOutputHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	encoding := outputEncoding(r)

	// Verify run exists.
	_, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for output history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	stored, err := s.store.GetOutputChunks(r.Context(), id)
	if err != nil {
		s.logger.Error("get output chunks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output chunks")
		return
	}

	chunks := make([]outputHistoryChunk, len(stored))
	for i, c := range stored {
		chunks[i] = outputHistoryChunk{
			Seq:       c.Seq,
			Data:      encodeOutput(c.Data, encoding),
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, outputHistoryResponse{
		RunID:    id,
		Encoding: encoding,
		Chunks:   chunks,
	})
}

// writeSSEData writes output as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix; clients rejoin the
// segments with newlines.
func writeSSEData(w http.ResponseWriter, data string) error {
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
