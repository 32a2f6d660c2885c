// Package agent is the robot-side client: it streams camera frames and
// distance readings to the relay, executes operator commands and runs the
// pursuit controller on each detection cycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"robotrelay/internal/actuator"
	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
	"robotrelay/internal/protocol"
	"robotrelay/internal/pursuit"
	"robotrelay/internal/sensor"
	"robotrelay/internal/service/camera"
)

const (
	writeWait        = 10 * time.Second
	readWait         = 90 * time.Second
	commandTimeout   = 30 * time.Second
	sendQueueSize    = 64
	commandQueueSize = 16
)

// Detection sources for the control loop.
const (
	SourceRelay    = "relay"
	SourceDetector = "detector"
)

// FrameSource yields the latest captured frame and its sequence number.
type FrameSource interface {
	Latest() (camera.Frame, uint64, error)
}

// Options are the hardware bindings of an agent. A nil Camera or Distance
// means the robot lacks that device; Detector is only used with the
// "detector" detection source.
type Options struct {
	ClientID     string
	Camera       FrameSource
	Distance     sensor.Distance
	Executor     actuator.Executor
	Detector     detection.Detector
	Capabilities protocol.Capabilities
	Dialer       *websocket.Dialer
}

type Agent struct {
	config     config.AgentConfig
	clientID   string
	logger     *logger.Logger
	camera     FrameSource
	sampler    *sensor.Sampler
	detector   detection.Detector
	dialer     *websocket.Dialer
	worker     *actuator.Worker
	controller *pursuit.Controller
	caps       protocol.Capabilities
	results    chan *detection.Result
	readWait   time.Duration

	mu        sync.Mutex
	out       chan []byte
	localIP   string
	lastState pursuit.State
}

func New(cfg *config.Config, opts Options, log *logger.Logger) *Agent {
	caps := opts.Capabilities
	caps.Camera = opts.Camera != nil
	caps.DistanceSensor = opts.Distance != nil

	clientID := opts.ClientID
	if clientID == "" {
		clientID = cfg.Agent.ClientID
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	worker := actuator.NewWorker(opts.Executor, 8, log)
	controller := pursuit.New(pursuit.FromConfig(cfg), worker, caps, log)
	controller.SetAutoMode(cfg.Pursuit.AutoMode)

	a := &Agent{
		config:     cfg.Agent,
		clientID:   clientID,
		logger:     log,
		camera:     opts.Camera,
		detector:   opts.Detector,
		dialer:     dialer,
		worker:     worker,
		controller: controller,
		caps:       caps,
		results:    make(chan *detection.Result, 1),
		readWait:   readWait,
		lastState:  controller.State(),
	}
	if opts.Distance != nil {
		a.sampler = sensor.NewSampler(opts.Distance, cfg.Agent.SensorInterval, 2*max(cfg.Pursuit.DistanceSamples, 1), log)
	}
	return a
}

// CapabilitiesFromConfig returns the capability flags declared in cfg. Camera,
// distance sensor and head follow the attached devices and are set by New or
// the caller.
func CapabilitiesFromConfig(cfg config.AgentConfig) protocol.Capabilities {
	return protocol.Capabilities{IMU: cfg.HasIMU, RGB: cfg.HasRGB}
}

func (a *Agent) Controller() *pursuit.Controller {
	return a.controller
}

// Run keeps a relay connection open until ctx is cancelled, reconnecting
// after ReconnectInterval whenever it drops.
func (a *Agent) Run(ctx context.Context) error {
	a.worker.Start()
	defer a.worker.Stop()

	var wg sync.WaitGroup
	if a.sampler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sampler.Run(ctx, a.reportDistance)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.controlLoop(ctx)
	}()

	for {
		err := a.connect(ctx)
		if ctx.Err() != nil {
			break
		}
		a.logger.Warning("Relay connection lost: %v. Reconnecting in %v", err, a.config.ReconnectInterval)
		select {
		case <-ctx.Done():
		case <-time.After(a.config.ReconnectInterval):
		}
		if ctx.Err() != nil {
			break
		}
	}

	wg.Wait()
	return nil
}

func (a *Agent) endpoint() string {
	return strings.TrimRight(a.config.ServerURL, "/") + "/" + url.PathEscape(a.clientID)
}

// connect runs one connection until it fails or ctx ends.
func (a *Agent) connect(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.endpoint(), nil)
	if err != nil {
		return err
	}
	a.logger.Info("Connected to relay %s as %s", a.endpoint(), a.clientID)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, sendQueueSize)
	a.attach(out, conn.LocalAddr())
	defer a.detach(out)

	go a.writeLoop(sessionCtx, conn, out)

	commands := make(chan protocol.Command, commandQueueSize)
	go a.commandLoop(sessionCtx, commands)

	a.sendStatus()
	if a.camera != nil {
		go a.frameLoop(sessionCtx)
	}

	return a.readLoop(sessionCtx, conn, commands)
}

func (a *Agent) attach(out chan []byte, addr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out = out
	if tcp, ok := addr.(*net.TCPAddr); ok {
		a.localIP = tcp.IP.String()
	}
}

func (a *Agent) detach(out chan []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == out {
		a.out = nil
	}
}

// writeLoop is the only writer of conn. It closes conn on return, which
// also ends readLoop.
func (a *Agent) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case message := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				a.logger.Warning("Write to relay failed: %v", err)
				return
			}
		}
	}
}

// readLoop reads until the connection fails. The relay pings every 30s, so a
// connection silent for longer than readWait is treated as dead.
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn, commands chan<- protocol.Command) error {
	extend := func() { conn.SetReadDeadline(time.Now().Add(a.readWait)) }
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		a.dispatch(ctx, raw, commands)
	}
}

// commandLoop runs commands one at a time in arrival order.
func (a *Agent) commandLoop(ctx context.Context, commands <-chan protocol.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-commands:
			a.handleCommand(ctx, cmd)
		}
	}
}

// dispatch handles one message from the relay. Commands are queued for
// commandLoop; when the queue is full the command is refused.
func (a *Agent) dispatch(ctx context.Context, raw []byte, commands chan<- protocol.Command) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		a.logger.Warning("Dropping message from relay: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeCommand:
		cmd, err := msg.Command()
		if err != nil {
			a.logger.Warning("Dropping command: %v", err)
			return
		}
		select {
		case commands <- cmd:
		default:
			a.logger.Warning("Command queue full, refusing %s (%s)", cmd.CommandType, cmd.CommandID)
			a.emit(protocol.Reply(cmd, fmt.Errorf("%w: command queue full", actuator.ErrActuatorBusy), ""))
		}

	case protocol.TypeDetectionResult:
		if a.config.DetectionSource != SourceRelay {
			return
		}
		result, err := msg.Detection()
		if err != nil {
			a.logger.Warning("Dropping detection result: %v", err)
			return
		}
		a.offerResult(result)

	case protocol.TypeConnectionEstablished:
		a.logger.Info("Relay accepted connection for %s", a.clientID)

	case protocol.TypePing:
		a.emit(protocol.NewControl(protocol.TypePong, a.clientID, ""))

	case protocol.TypePong:

	default:
		a.logger.Debug("Ignoring %s message from relay", msg.Type)
	}
}

// emit queues an outbound message on the current connection. Messages are
// dropped while disconnected or when the queue is full.
func (a *Agent) emit(v any) bool {
	payload, err := protocol.Encode(v)
	if err != nil {
		a.logger.Error("Failed to encode outbound message: %v", err)
		return false
	}
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- payload:
		return true
	default:
		a.logger.Debug("Send queue full, dropping message")
		return false
	}
}

// frameLoop sends each new camera frame once, at most CameraFPS per second.
func (a *Agent) frameLoop(ctx context.Context) {
	fps := a.config.CameraFPS
	if fps <= 0 {
		fps = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var sent uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, seq, err := a.camera.Latest()
			if err != nil || seq == sent {
				continue
			}
			if a.emit(protocol.NewFrameMessage(frame.Data, frame.CapturedAt)) {
				sent = seq
			}
		}
	}
}

func (a *Agent) reportDistance(d float64) {
	a.emit(protocol.NewTelemetry(protocol.TypeSensorData, map[string]any{"distance": d}, time.Now()))
}

// sendStatus sends the capability handshake together with the current mode
// and pursuit state.
func (a *Agent) sendStatus() {
	fields := a.caps.Fields()

	a.mu.Lock()
	if a.localIP != "" {
		fields[protocol.FieldIPAddress] = a.localIP
	}
	a.mu.Unlock()

	snap := a.controller.Snapshot()
	fields[protocol.FieldMode] = "manual"
	if snap.AutoMode {
		fields[protocol.FieldMode] = "auto"
	}
	fields["pursuit_state"] = snap.State.String()
	if snap.LastDistance != nil {
		fields["distance"] = *snap.LastDistance
	}
	a.emit(protocol.NewTelemetry(protocol.TypeStatusUpdate, fields, time.Now()))
}
