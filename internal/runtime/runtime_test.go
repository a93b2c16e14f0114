package runtime

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.STT.Mode = "mock"
	cfg.Store.Path = filepath.Join(dir, "conversations.db")
	cfg.Archive.Directory = filepath.Join(dir, "public")
	cfg.Bus.Enabled = false
	return cfg
}

func newTestRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	r := New(cfg, newLogger())
	if err := r.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(r.routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.close(ctx)
		srv.Close()
	})
	return r, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthAndReadiness(t *testing.T) {
	r, srv := newTestRuntime(t, testConfig(t))

	if code, body := get(t, srv.URL+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected health %d %q", code, body)
	}
	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", code)
	}
	r.ready.Store(true)
	if code, body := get(t, srv.URL+"/readyz"); code != http.StatusOK || body != "ready" {
		t.Fatalf("unexpected readiness %d %q", code, body)
	}
}

func TestStreamingSessionPersistsConversation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.BatchChunks = 2
	r, srv := newTestRuntime(t, cfg)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Stream.Path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := ws.WriteJSON(map[string]string{"type": "start", "sessionId": "rt-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	var started protocol.Started
	if err := ws.ReadJSON(&started); err != nil || started.SessionID != "rt-1" {
		t.Fatalf("unexpected ack %+v %v", started, err)
	}

	chunk := base64.StdEncoding.EncodeToString(make([]byte, 10))
	for i := 0; i < 3; i++ {
		if err := ws.WriteJSON(map[string]string{"type": "audio", "audio": chunk}); err != nil {
			t.Fatalf("audio: %v", err)
		}
	}
	var partial protocol.TranscriptUpdate
	if err := ws.ReadJSON(&partial); err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if partial.Type != protocol.TypeTranscript || partial.Text != "[transcript bytes=20] " {
		t.Fatalf("unexpected transcript %+v", partial)
	}

	if err := ws.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	var complete protocol.Complete
	if err := ws.ReadJSON(&complete); err != nil {
		t.Fatalf("read complete: %v", err)
	}
	want := "[transcript bytes=20] [transcript bytes=10] "
	if complete.Type != protocol.TypeComplete || complete.Transcript != want {
		t.Fatalf("unexpected complete %+v", complete)
	}

	conv, err := r.store.GetConversation(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if conv.Transcript != want {
		t.Fatalf("unexpected stored transcript %q", conv.Transcript)
	}

	code, body := get(t, srv.URL+"/api/conversations/rt-1")
	if code != http.StatusOK || !strings.Contains(body, `"id":"rt-1"`) {
		t.Fatalf("archive api did not serve conversation: %d %s", code, body)
	}
}

func TestSetupRejectsUnknownRecognizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.STT.Mode = "carrier-pigeon"
	r := New(cfg, newLogger())
	defer r.close(context.Background())
	if err := r.setup(context.Background()); err == nil {
		t.Fatalf("expected setup to fail for unknown stt mode")
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	cfg := testConfig(t)
	shutdown, handler, err := setupTelemetry(cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected metrics handler")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected runtime collectors in metrics output")
	}
}
