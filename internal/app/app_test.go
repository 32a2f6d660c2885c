package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"robotrelay/internal/actuator"
	"robotrelay/internal/agent"
	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
	"robotrelay/internal/protocol"
	"robotrelay/internal/service/camera"
)

type stubCamera struct {
	frame camera.Frame
}

func (c *stubCamera) Latest() (camera.Frame, uint64, error) {
	return c.frame, 1, nil
}

type recordingExecutor struct {
	mu      sync.Mutex
	actions []actuator.Action
}

func (e *recordingExecutor) Execute(_ context.Context, a actuator.Action) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, a)
	return nil
}

func (e *recordingExecutor) Actions() []actuator.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]actuator.Action(nil), e.actions...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// ========================================
// End-to-end: robot agent <-> relay
// ========================================

func TestRelay_EndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Tick = time.Hour // ticks are driven by the test

	person := detection.DetectorFunc(func(ctx context.Context, image []byte) (*detection.Result, error) {
		return &detection.Result{
			Success: true,
			Detections: []detection.Detection{{
				ClassName:  "person",
				Confidence: 0.9,
				BBox:       detection.NewBBox(100, 100, 300, 300),
			}},
			ImageSize: detection.ImageSize{Width: 640, Height: 480},
		}, nil
	})

	relayApp, err := assemble(cfg, logger.Discard(), person)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	defer relayApp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayApp.Start(ctx)

	server := httptest.NewServer(relayApp.Handler())
	defer server.Close()

	agentCfg := config.Default()
	agentCfg.Agent.ServerURL = "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	agentCfg.Agent.ReconnectInterval = 50 * time.Millisecond
	agentCfg.Agent.CameraFPS = 50

	executor := &recordingExecutor{}
	robot := agent.New(agentCfg, agent.Options{
		ClientID: "robot-1",
		Camera:   &stubCamera{frame: camera.Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, CapturedAt: time.Now()}},
		Executor: executor,
	}, logger.Discard())

	agentDone := make(chan struct{})
	go func() {
		robot.Run(ctx)
		close(agentDone)
	}()

	hub := relayApp.Hub()
	waitFor(t, "first frame", func() bool {
		_, err := hub.QueryLatestFrame("robot-1")
		return err == nil
	})

	status, err := hub.SessionStatus("robot-1")
	if err != nil {
		t.Fatalf("SessionStatus failed: %v", err)
	}
	if !status.Capabilities.Camera {
		t.Error("Expected camera capability from the handshake")
	}
	if status.Mode.String() != "manual" {
		t.Errorf("Expected manual mode, got %s", status.Mode)
	}

	if started := relayApp.scheduler.Tick(ctx); started != 1 {
		t.Fatalf("Expected 1 detection started, got %d", started)
	}
	relayApp.scheduler.Wait()

	result, err := hub.QueryLatestDetection("robot-1")
	if err != nil {
		t.Fatalf("QueryLatestDetection failed: %v", err)
	}
	if len(result.Detections) != 1 || result.Detections[0].BBox.Area() != 40000 {
		t.Errorf("Expected one person with area 40000, got %+v", result.Detections)
	}

	body := bytes.NewBufferString(`{"command_type":"control","data":{"action":"forward"}}`)
	resp, err := http.Post(server.URL+"/client/robot-1/command?wait=3s", "application/json", body)
	if err != nil {
		t.Fatalf("POST command failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var reply protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("Decode response failed: %v", err)
	}
	if !reply.OK() || reply.CommandType != "control" || reply.CommandID == "" {
		t.Errorf("Unexpected response: %+v", reply)
	}

	actions := executor.Actions()
	if len(actions) != 1 || actions[0].Kind != actuator.Motion || actions[0].Name != "forward" {
		t.Errorf("Expected one forward motion, got %v", actions)
	}

	cancel()
	select {
	case <-agentDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Agent did not stop")
	}
}

func TestRelay_UnknownClientQueries(t *testing.T) {
	cfg := config.Default()
	relayApp, err := assemble(cfg, logger.Discard(), nil)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	defer relayApp.Close()

	server := httptest.NewServer(relayApp.Handler())
	defer server.Close()

	for _, path := range []string{"/client/ghost/status", "/client/ghost/latest_frame", "/client/ghost/latest_detection"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestOpenJournal_UnknownDriver(t *testing.T) {
	if _, err := openJournal(config.JournalConfig{Driver: "oracle"}, logger.Discard()); err == nil {
		t.Error("Expected error for unknown driver")
	}
	repo, err := openJournal(config.JournalConfig{}, logger.Discard())
	if err != nil || repo != nil {
		t.Errorf("Empty driver should disable the journal, got %v, %v", repo, err)
	}
}

func TestOpenSink(t *testing.T) {
	sink, err := openSink(config.StorageConfig{Sink: "disk", ImageDirectory: t.TempDir()}, logger.Discard())
	if err != nil || sink == nil {
		t.Fatalf("Expected disk sink, got %v, %v", sink, err)
	}
	if sink, err := openSink(config.StorageConfig{Sink: "none"}, logger.Discard()); err != nil || sink != nil {
		t.Errorf("Expected no sink, got %v, %v", sink, err)
	}
	if _, err := openSink(config.StorageConfig{Sink: "ftp"}, logger.Discard()); err == nil {
		t.Error("Expected error for unknown sink")
	}
}
