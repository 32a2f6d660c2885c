package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"robotrelay/internal/actuator"
	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
	"robotrelay/internal/protocol"
	"robotrelay/internal/pursuit"
)

type fakeExecutor struct {
	mu      sync.Mutex
	actions []actuator.Action
}

func (f *fakeExecutor) Execute(_ context.Context, a actuator.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeExecutor) Actions() []actuator.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]actuator.Action(nil), f.actions...)
}

func newTestAgent(t *testing.T, caps protocol.Capabilities) (*Agent, *fakeExecutor) {
	t.Helper()
	executor := &fakeExecutor{}
	a := New(config.Default(), Options{
		ClientID:     "robot-1",
		Executor:     executor,
		Capabilities: caps,
	}, logger.Discard())
	a.worker.Start()
	t.Cleanup(a.worker.Stop)
	return a, executor
}

func command(t *testing.T, commandType string, data any) protocol.Command {
	t.Helper()
	cmd, err := protocol.NewCommand(commandType, data)
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	return cmd
}

// ========================================
// Command execution
// ========================================

func TestExecute_ManualControl(t *testing.T) {
	a, executor := newTestAgent(t, protocol.Capabilities{})

	msg, err := a.execute(context.Background(), command(t, "control", map[string]any{"action": "forward"}))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if msg != "Command 'forward' executed" {
		t.Errorf("Unexpected message %q", msg)
	}

	actions := executor.Actions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}
	got := actions[0]
	if got.Kind != actuator.Motion || got.Name != "forward" || got.Steps != 1 || got.Speed != 90 {
		t.Errorf("Unexpected action %v", got)
	}
}

func TestExecute_AutoModeGate(t *testing.T) {
	a, executor := newTestAgent(t, protocol.Capabilities{})
	a.controller.SetAutoMode(true)

	_, err := a.execute(context.Background(), command(t, "control", map[string]any{"action": "forward"}))
	if !errors.Is(err, pursuit.ErrAutoModeActive) {
		t.Errorf("Expected ErrAutoModeActive, got %v", err)
	}

	if _, err := a.execute(context.Background(), command(t, "control", map[string]any{"action": "bark"})); err != nil {
		t.Errorf("bark should bypass auto mode, got %v", err)
	}

	actions := executor.Actions()
	if len(actions) != 1 || actions[0].Kind != actuator.Sound || actions[0].Name != "bark" {
		t.Errorf("Expected a single bark, got %v", actions)
	}
}

func TestExecute_Errors(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})

	tests := []struct {
		name    string
		cmd     protocol.Command
		wantErr error
	}{
		{"rgb without capability", command(t, "rgb_control", map[string]any{"color": "red"}), actuator.ErrCapabilityMissing},
		{"head without capability", command(t, "head", map[string]any{"yaw": 10}), actuator.ErrCapabilityMissing},
		{"unknown command", command(t, "self_destruct", nil), actuator.ErrUnknownAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.execute(context.Background(), tt.cmd)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := a.execute(context.Background(), command(t, "control", map[string]any{})); err == nil {
		t.Error("Expected error for control without action")
	}
}

func TestExecute_SetMode(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})

	if _, err := a.execute(context.Background(), command(t, "set_mode", map[string]any{"mode": "auto"})); err != nil {
		t.Fatalf("set_mode failed: %v", err)
	}
	if !a.controller.AutoMode() {
		t.Error("Expected auto mode")
	}

	if _, err := a.execute(context.Background(), command(t, "set_mode", map[string]any{"enabled": false})); err != nil {
		t.Fatalf("set_mode failed: %v", err)
	}
	if a.controller.AutoMode() {
		t.Error("Expected manual mode")
	}

	if _, err := a.execute(context.Background(), command(t, "set_mode", map[string]any{"mode": "turbo"})); err == nil {
		t.Error("Expected error for invalid mode")
	}

	if _, err := a.execute(context.Background(), command(t, "toggle_mode", nil)); err != nil {
		t.Fatalf("toggle_mode failed: %v", err)
	}
	if !a.controller.AutoMode() {
		t.Error("toggle_mode should switch to auto")
	}
}

func TestExecute_AggressiveMode(t *testing.T) {
	a, executor := newTestAgent(t, protocol.Capabilities{RGB: true})

	if _, err := a.execute(context.Background(), command(t, "aggressive_mode", nil)); err != nil {
		t.Fatalf("aggressive_mode failed: %v", err)
	}

	actions := executor.Actions()
	if len(actions) != 3 {
		t.Fatalf("Expected 3 actions, got %v", actions)
	}
	if actions[0].Name != "growl" || actions[1].Kind != actuator.Light || actions[2].Name != "bark" || actions[2].Repeat != 2 {
		t.Errorf("Unexpected sequence %v", actions)
	}
}

// ========================================
// Responses and results
// ========================================

func TestHandleCommand_SendsOneReply(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})
	out := make(chan []byte, 4)
	a.attach(out, nil)

	cmd := command(t, "control", map[string]any{"action": "sit"})
	a.handleCommand(context.Background(), cmd)

	select {
	case raw := <-out:
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if resp.Type != protocol.TypeCommandResponse || resp.CommandID != cmd.CommandID || !resp.OK() {
			t.Errorf("Unexpected response %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("No response emitted")
	}

	select {
	case raw := <-out:
		t.Errorf("Unexpected extra message %s", raw)
	default:
	}
}

func TestEmit_Disconnected(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})
	if a.emit(protocol.NewControl(protocol.TypePong, "robot-1", "")) {
		t.Error("emit should fail without a connection")
	}

	out := make(chan []byte, 1)
	a.attach(out, nil)
	a.detach(make(chan []byte))
	if !a.emit(protocol.NewControl(protocol.TypePong, "robot-1", "")) {
		t.Error("detach of another channel must keep the current one")
	}
}

func TestOfferResult_KeepsNewest(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})

	first := &detection.Result{Success: true, Timestamp: time.Unix(1, 0)}
	second := &detection.Result{Success: true, Timestamp: time.Unix(2, 0)}
	a.offerResult(first)
	a.offerResult(second)

	select {
	case got := <-a.results:
		if got != second {
			t.Errorf("Expected newest result, got %v", got.Timestamp)
		}
	default:
		t.Fatal("No result queued")
	}
}

func TestNew_CapabilitiesFollowDevices(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{Camera: true, DistanceSensor: true, RGB: true})
	if a.caps.Camera || a.caps.DistanceSensor {
		t.Error("Camera and distance capabilities must follow attached devices")
	}
	if !a.caps.RGB {
		t.Error("RGB capability should be kept")
	}
	if a.sampler != nil {
		t.Error("No sampler expected without a distance sensor")
	}
}

func TestEndpoint(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})
	a.config.ServerURL = "ws://relay:8080/ws/"
	a.clientID = "robot 1"
	if got := a.endpoint(); got != "ws://relay:8080/ws/robot%201" {
		t.Errorf("endpoint() = %q", got)
	}
}

// ========================================
// Command ordering
// ========================================

func dispatchCommand(t *testing.T, a *Agent, commands chan<- protocol.Command, commandType string, data any) protocol.Command {
	t.Helper()
	cmd := command(t, commandType, data)
	raw, err := protocol.Encode(cmd)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	a.dispatch(context.Background(), raw, commands)
	return cmd
}

// readReplies collects n command responses from out, skipping status updates.
func readReplies(t *testing.T, out <-chan []byte, n int) []protocol.Response {
	t.Helper()
	var replies []protocol.Response
	timeout := time.After(3 * time.Second)
	for len(replies) < n {
		select {
		case raw := <-out:
			var resp protocol.Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if resp.Type == protocol.TypeCommandResponse {
				replies = append(replies, resp)
			}
		case <-timeout:
			t.Fatalf("Got %d of %d replies", len(replies), n)
		}
	}
	return replies
}

func startCommandLoop(t *testing.T, a *Agent) (chan protocol.Command, chan []byte) {
	t.Helper()
	out := make(chan []byte, 64)
	a.attach(out, nil)
	commands := make(chan protocol.Command, commandQueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.commandLoop(ctx, commands)
	return commands, out
}

func TestDispatch_CommandsRunInArrivalOrder(t *testing.T) {
	a, executor := newTestAgent(t, protocol.Capabilities{})
	commands, out := startCommandLoop(t, a)

	moves := []string{"forward", "turn_left", "turn_right", "backward", "sit"}
	var sent []protocol.Command
	for _, move := range moves {
		sent = append(sent, dispatchCommand(t, a, commands, "control", map[string]any{"action": move}))
	}

	replies := readReplies(t, out, len(moves))
	for i, resp := range replies {
		if resp.CommandID != sent[i].CommandID || !resp.OK() {
			t.Errorf("reply %d = %+v, want success for %s", i, resp, sent[i].CommandID)
		}
	}

	actions := executor.Actions()
	if len(actions) != len(moves) {
		t.Fatalf("Expected %d actions, got %v", len(moves), actions)
	}
	for i, move := range moves {
		if actions[i].Name != move {
			t.Errorf("action %d = %s, want %s", i, actions[i].Name, move)
		}
	}
}

func TestDispatch_SetModeGatesFollowingMove(t *testing.T) {
	a, executor := newTestAgent(t, protocol.Capabilities{})
	commands, out := startCommandLoop(t, a)

	dispatchCommand(t, a, commands, "set_mode", map[string]any{"mode": "auto"})
	dispatchCommand(t, a, commands, "control", map[string]any{"action": "forward"})

	replies := readReplies(t, out, 2)
	if !replies[0].OK() {
		t.Errorf("set_mode should succeed, got %+v", replies[0])
	}
	if replies[1].OK() || replies[1].Message != pursuit.ErrAutoModeActive.Error() {
		t.Errorf("forward in auto mode should be refused, got %+v", replies[1])
	}
	if actions := executor.Actions(); len(actions) != 0 {
		t.Errorf("No action expected in auto mode, got %v", actions)
	}
}

func TestDispatch_QueueFullRefusesCommand(t *testing.T) {
	a, executor := newTestAgent(t, protocol.Capabilities{})
	out := make(chan []byte, 4)
	a.attach(out, nil)
	commands := make(chan protocol.Command, 1)

	dispatchCommand(t, a, commands, "control", map[string]any{"action": "sit"})
	refused := dispatchCommand(t, a, commands, "control", map[string]any{"action": "stand"})

	replies := readReplies(t, out, 1)
	if replies[0].CommandID != refused.CommandID || replies[0].OK() {
		t.Errorf("Expected error reply for the refused command, got %+v", replies[0])
	}
	if len(commands) != 1 {
		t.Errorf("Expected the first command to stay queued, queue length %d", len(commands))
	}
	if actions := executor.Actions(); len(actions) != 0 {
		t.Errorf("Nothing should have run, got %v", actions)
	}
}

func TestCapabilitiesFromConfig(t *testing.T) {
	cfg := config.Default().Agent
	if caps := CapabilitiesFromConfig(cfg); caps.RGB || caps.IMU {
		t.Errorf("Default config should declare no rgb or imu, got %+v", caps)
	}
	cfg.HasRGB = true
	if caps := CapabilitiesFromConfig(cfg); !caps.RGB || caps.IMU {
		t.Errorf("Expected rgb only, got %+v", caps)
	}
}

// ========================================
// Connection liveness
// ========================================

// relayStub accepts agent connections, discards what they send and, when
// pingEvery is positive, pings them.
func relayStub(t *testing.T, pingEvery time.Duration) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if pingEvery <= 0 {
			<-done
			return
		}
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestConnect_SilentRelayTimesOut(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})
	a.config.ServerURL = "ws" + strings.TrimPrefix(relayStub(t, 0).URL, "http") + "/ws"
	a.readWait = 200 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- a.connect(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected a read timeout error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not notice the silent relay")
	}
}

func TestConnect_PingsKeepConnectionAlive(t *testing.T) {
	a, _ := newTestAgent(t, protocol.Capabilities{})
	a.config.ServerURL = "ws" + strings.TrimPrefix(relayStub(t, 50*time.Millisecond).URL, "http") + "/ws"
	a.readWait = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.connect(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("connect returned while the relay was pinging: %v", err)
	case <-time.After(700 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return after cancel")
	}
}
