package e2e

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/interp"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// stackServer is a full-stack in-process server backed by the interpreter.
type stackServer struct {
	ts    *httptest.Server
	eng   *engine.Engine
	store *store.SQLiteStore
}

func newStackServer(t *testing.T, chunkSize int) *stackServer {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	reg.Register(model.ModeBatch, interp.NewBatchBackend(logger))
	reg.Register(model.ModeStream, interp.NewStreamBackend(logger, chunkSize))

	eng := engine.NewEngine(s, reg, logger)
	srv := api.NewServer(":0", s, reg, eng, api.RunDefaults{
		MaxIterations: math.MaxUint64,
		TimeoutS:      10,
		Optimize:      true,
	}, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		eng.Wait()
	})

	return &stackServer{ts: ts, eng: eng, store: s}
}

func (p *stackServer) url() string { return p.ts.URL }

func (p *stackServer) postAsync(t *testing.T, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(p.url()+"/v1/runs/async", "application/json",
		strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, b)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return result
}

func (p *stackServer) postInput(t *testing.T, id, path, body string) {
	t.Helper()
	resp, err := http.Post(p.url()+"/v1/runs/"+id+path, "application/octet-stream",
		strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST %s: status = %d, want 202", path, resp.StatusCode)
	}
}

func (p *stackServer) pollStatus(t *testing.T, id, expected string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(p.url() + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		var run map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			resp.Body.Close()
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if run["status"] == expected {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %q within %v", id, expected, timeout)
	return nil
}

// sseEvent represents a parsed SSE event with optional named type.
type sseEvent struct {
	Type string
	Data string
}

// readSSEEvents reads all SSE events from the response body, parsing named
// events (event: <type>) and data lines.
func readSSEEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	scanner := bufio.NewScanner(r)
	var events []sseEvent
	var currentType string
	var currentData []string
	for scanner.Scan() {
		line := scanner.Text()
		if et, ok := strings.CutPrefix(line, "event: "); ok {
			currentType = et
		} else if data, ok := strings.CutPrefix(line, "data: "); ok {
			currentData = append(currentData, data)
		} else if line == "" && len(currentData) > 0 {
			events = append(events, sseEvent{Type: currentType, Data: strings.Join(currentData, "\n")})
			currentType = ""
			currentData = nil
		}
	}
	if len(currentData) > 0 {
		events = append(events, sseEvent{Type: currentType, Data: strings.Join(currentData, "\n")})
	}
	return events
}

func TestStreamIncrementalDelivery(t *testing.T) {
	p := newStackServer(t, 0)

	run := p.postAsync(t, `{"source":",[.,]","interactive":true}`)
	id := run["id"].(string)

	resp, err := http.Get(p.url() + "/v1/runs/" + id + "/output")
	if err != nil {
		t.Fatalf("GET output: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		for _, ev := range readSSEEvents(t, resp.Body) {
			events <- ev
		}
	}()

	p.postInput(t, id, "/input", "one\n")
	p.postInput(t, id, "/input", "two\n")
	p.postInput(t, id, "/input/close", "")

	var got strings.Builder
	var sawDone bool
	for ev := range events {
		if ev.Type == "done" {
			sawDone = true
			continue
		}
		got.WriteString(ev.Data)
	}

	if !sawDone {
		t.Error("missing done event")
	}
	if want := "one\ntwo\n"; got.String() != want {
		t.Errorf("streamed output = %q, want %q", got.String(), want)
	}

	final := p.pollStatus(t, id, model.StatusFailed, 5*time.Second)
	if final["fault"] != "io_closed" {
		t.Errorf("fault = %v, want io_closed", final["fault"])
	}
}

func TestStreamTerminalRunReplaysHistory(t *testing.T) {
	p := newStackServer(t, 0)

	run := p.postAsync(t, `{"source":"+.","mode":"batch"}`)
	id := run["id"].(string)
	p.pollStatus(t, id, model.StatusCompleted, 5*time.Second)

	resp, err := http.Get(p.url() + "/v1/runs/" + id + "/output")
	if err != nil {
		t.Fatalf("GET output: %v", err)
	}
	defer resp.Body.Close()

	events := readSSEEvents(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("events = %v, want the output then done", events)
	}
	if events[0].Type != "" || events[0].Data != "\x01" {
		t.Errorf("first event = %+v, want data %q", events[0], "\x01")
	}
	if events[1].Type != "done" {
		t.Errorf("last event = %+v, want done", events[1])
	}
}

func TestStreamHistoryMatchesChunks(t *testing.T) {
	// Tiny chunks force one history entry per byte.
	p := newStackServer(t, 1)

	run := p.postAsync(t, `{"source":",[.,]","mode":"stream","input":"abcd"}`)
	id := run["id"].(string)
	p.pollStatus(t, id, model.StatusFailed, 5*time.Second)

	resp, err := http.Get(p.url() + "/v1/runs/" + id + "/output/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var hist struct {
		Chunks []struct {
			Seq  int    `json:"seq"`
			Data string `json:"data"`
		} `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var joined strings.Builder
	for i, c := range hist.Chunks {
		if c.Seq != i {
			t.Errorf("chunk %d has seq %d", i, c.Seq)
		}
		joined.WriteString(c.Data)
	}
	if joined.String() != "abcd" {
		t.Errorf("history = %q, want %q", joined.String(), "abcd")
	}
	if len(hist.Chunks) != 4 {
		t.Errorf("chunks = %d, want 4", len(hist.Chunks))
	}
}

func TestStreamKillEndsSubscribers(t *testing.T) {
	p := newStackServer(t, 0)

	run := p.postAsync(t, `{"source":"+[]","mode":"stream"}`)
	id := run["id"].(string)

	resp, err := http.Get(p.url() + "/v1/runs/" + id + "/output")
	if err != nil {
		t.Fatalf("GET output: %v", err)
	}
	defer resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, p.url()+"/v1/runs/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", delResp.StatusCode)
	}

	events := readSSEEvents(t, resp.Body)
	if len(events) != 1 || events[0].Type != "done" {
		t.Errorf("events = %v, want a single done event", events)
	}
	p.pollStatus(t, id, model.StatusKilled, 5*time.Second)
}
