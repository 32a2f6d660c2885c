package route

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"robotrelay/internal/config"
	"robotrelay/internal/logger"
	"robotrelay/internal/metrics"
	"robotrelay/internal/protocol"
	"robotrelay/internal/relay"
)

type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func setupRouter(t *testing.T) (http.Handler, *relay.Hub) {
	t.Helper()
	cfg := config.Default()
	log := logger.Discard()
	m := metrics.New()
	hub := relay.NewHub(cfg.Relay, log, m, nil)
	return SetupRoutes(hub, cfg, log, m, nil), hub
}

func do(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// ========================================
// Operator API
// ========================================

func TestRoutes_UnknownClient(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/client/ghost/status", "", http.StatusNotFound},
		{http.MethodGet, "/client/ghost/latest_frame", "", http.StatusNotFound},
		{http.MethodGet, "/client/ghost/latest_detection", "", http.StatusNotFound},
		{http.MethodGet, "/client/ghost/detections", "", http.StatusNotFound},
		{http.MethodPost, "/client/ghost/command", `{"command_type":"control","data":{"action":"sit"}}`, http.StatusNotFound},
		{http.MethodPost, "/client/ghost/command", `{"data":{}}`, http.StatusBadRequest},
		{http.MethodPost, "/client/ghost/command?wait=soon", `{"command_type":"control"}`, http.StatusBadRequest},
		{http.MethodGet, "/logs/trace", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(router, tt.method, tt.path, []byte(tt.body))
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRoutes_ClientLifecycle(t *testing.T) {
	router, hub := setupRouter(t)

	transport := &captureTransport{}
	if _, err := hub.Connect("robot-1", transport); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	frame := []byte(`{"type":"camera_frame","data":{"frame":"/9j/2Q==","frame_id":"f-1"}}`)
	if err := hub.IngestTelemetry("robot-1", frame); err != nil {
		t.Fatalf("IngestTelemetry failed: %v", err)
	}

	rec := do(router, http.MethodGet, "/clients", nil)
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || list.Count != 1 {
		t.Errorf("Expected one client, got %s", rec.Body.String())
	}

	rec = do(router, http.MethodGet, "/client/robot-1/latest_frame", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{0xFF, 0xD8, 0xFF, 0xD9}) {
		t.Errorf("Unexpected frame bytes %x", rec.Body.Bytes())
	}
	if rec.Header().Get("X-Frame-Timestamp") == "" {
		t.Error("Missing X-Frame-Timestamp header")
	}

	rec = do(router, http.MethodGet, "/client/robot-1/latest_detection", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("No detection yet, expected 404, got %d", rec.Code)
	}

	rec = do(router, http.MethodPost, "/client/robot-1/command", []byte(`{"command_type":"control","data":{"action":"sit"}}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var delivered *protocol.Command
	for _, raw := range transport.Sent() {
		var cmd protocol.Command
		if json.Unmarshal(raw, &cmd) == nil && cmd.Type == protocol.TypeCommand {
			delivered = &cmd
		}
	}
	if delivered == nil {
		t.Fatal("Command was not sent to the client")
	}
	if delivered.CommandType != "control" || string(delivered.Data) != `{"action":"sit"}` {
		t.Errorf("Unexpected command %+v", delivered)
	}
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	router, _ := setupRouter(t)

	rec := do(router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", rec.Code)
	}

	rec = do(router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", rec.Code)
	}
}
