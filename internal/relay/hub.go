// Package relay multiplexes robot client sessions: it ingests their telemetry,
// keeps the latest state per client and routes operator commands to them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/events"
	"robotrelay/internal/logger"
	"robotrelay/internal/metrics"
	"robotrelay/internal/protocol"
	"robotrelay/internal/session"
)

type Hub struct {
	store   *session.Store
	config  config.RelayConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	events  events.Publisher

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	now func() time.Time
}

// NewHub creates a hub. metrics may be nil and publisher defaults to events.Nop.
func NewHub(cfg config.RelayConfig, log *logger.Logger, m *metrics.Metrics, publisher events.Publisher) *Hub {
	if publisher == nil {
		publisher = events.Nop{}
	}
	h := &Hub{
		store:   session.NewStore(),
		config:  cfg,
		logger:  log,
		metrics: m,
		events:  publisher,
		pending: make(map[string]chan protocol.Response),
		now:     time.Now,
	}
	m.TrackSessions(h.store.Len)
	return h
}

func (h *Hub) Store() *session.Store {
	return h.store
}

// Connect registers clientID on transport t. An existing session with the same
// id is replaced and its transport closed, unless duplicates are rejected.
func (h *Hub) Connect(clientID string, t session.Transport) (*session.Entry, error) {
	entry, old, err := h.store.Add(clientID, t, h.now(), !h.config.RejectDuplicates)
	if err != nil {
		h.logger.Warning("Rejected connection for %s: %v", clientID, err)
		return nil, err
	}
	if old != nil {
		h.logger.Warning("Client %s reconnected, closing previous connection", clientID)
		old.Transport().Close()
	}

	h.send(entry, protocol.NewControl(protocol.TypeConnectionEstablished, clientID, "connected to relay"))
	h.events.Publish(context.Background(), events.New(events.KindSessionConnected, clientID, nil))
	h.logger.Info("Client %s connected. Total: %d", clientID, h.store.Len())
	return entry, nil
}

// Disconnect removes clientID and closes its transport. Unknown ids are ignored.
func (h *Hub) Disconnect(clientID string) {
	entry, ok := h.store.RemoveID(clientID)
	if !ok {
		return
	}
	entry.Transport().Close()
	h.disconnected(clientID)
}

// Release removes entry after its transport reported the connection closed.
// A newer session for the same id is left alone.
func (h *Hub) Release(entry *session.Entry) {
	if !h.store.Remove(entry.ID(), entry) {
		return
	}
	entry.Transport().Close()
	h.disconnected(entry.ID())
}

func (h *Hub) disconnected(clientID string) {
	h.events.Publish(context.Background(), events.New(events.KindSessionDisconnected, clientID, nil))
	h.logger.Info("Client %s disconnected. Total: %d", clientID, h.store.Len())
}

// IngestTelemetry applies one inbound message from clientID. Malformed and
// unknown messages are logged and dropped; the returned error is informational.
func (h *Hub) IngestTelemetry(clientID string, raw []byte) error {
	entry, err := h.store.Get(clientID)
	if err != nil {
		return err
	}
	return h.ingest(entry, raw)
}

// IngestFrom applies a message read on the connection that owns entry. Once the
// entry has been replaced or removed its messages no longer reach the store.
func (h *Hub) IngestFrom(entry *session.Entry, raw []byte) error {
	if entry.Removed() {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, entry.ID())
	}
	return h.ingest(entry, raw)
}

func (h *Hub) ingest(entry *session.Entry, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.MessageDropped(metrics.ReasonMalformed)
		h.logger.Warning("Dropping malformed message from %s: %v", entry.ID(), err)
		return err
	}

	switch msg.Type {
	case protocol.TypeCameraFrame:
		frame, err := msg.Frame()
		if err != nil {
			h.metrics.MessageDropped(metrics.ReasonInvalid)
			h.logger.Warning("Dropping camera frame from %s: %v", entry.ID(), err)
			return err
		}
		entry.SetFrame(session.Frame{Data: frame.Data, FrameID: frame.FrameID, Timestamp: h.now()})
		h.metrics.FrameReceived()

	case protocol.TypeSensorData, protocol.TypeStatusUpdate, protocol.TypeStatusResponse:
		entry.MergeFields(msg.Fields(), h.now())

	case protocol.TypeCommandResponse, protocol.TypeActionResponse,
		protocol.TypeRGBResponse, protocol.TypeSpeakResponse:
		resp, err := msg.Response()
		if err != nil {
			h.metrics.MessageDropped(metrics.ReasonInvalid)
			h.logger.Warning("Dropping response from %s: %v", entry.ID(), err)
			return err
		}
		entry.SetResponse(resp)
		entry.Touch(h.now())
		h.resolve(resp)
		h.events.Publish(context.Background(), events.New(events.KindCommandResponse, entry.ID(), resp))
		h.logger.Info("Response from %s for %s: %s %s", entry.ID(), resp.CommandType, resp.Status, resp.Message)

	case protocol.TypePing:
		entry.Touch(h.now())
		h.send(entry, protocol.NewControl(protocol.TypePong, entry.ID(), ""))

	case protocol.TypePong:
		entry.Touch(h.now())

	default:
		h.metrics.MessageDropped(metrics.ReasonUnknown)
		h.logger.Warning("Unknown message type %q from %s", msg.Type, entry.ID())
		return fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, msg.Type)
	}
	return nil
}

// SendCommand delivers cmd to clientID. It reports false when the session is
// absent or the write fails; a failed write marks the session degraded.
func (h *Hub) SendCommand(clientID string, cmd protocol.Command) bool {
	entry, err := h.store.Get(clientID)
	if err != nil {
		h.metrics.CommandSent(false)
		return false
	}
	ok := h.send(entry, cmd)
	h.metrics.CommandSent(ok)
	if ok {
		h.logger.Info("Command %s (%s) sent to %s", cmd.CommandType, cmd.CommandID, clientID)
	}
	return ok
}

// Request sends cmd and waits for the correlated response until ctx is done.
// There is no retry; callers re-issue on timeout.
func (h *Hub) Request(ctx context.Context, clientID string, cmd protocol.Command) (protocol.Response, error) {
	if cmd.CommandID == "" {
		return protocol.Response{}, errors.New("command has no id")
	}
	wait := make(chan protocol.Response, 1)
	h.pendingMu.Lock()
	h.pending[cmd.CommandID] = wait
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, cmd.CommandID)
		h.pendingMu.Unlock()
	}()

	if !h.SendCommand(clientID, cmd) {
		if _, err := h.store.Get(clientID); err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{}, fmt.Errorf("deliver command to %s failed", clientID)
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (h *Hub) resolve(resp protocol.Response) {
	if resp.CommandID == "" {
		return
	}
	h.pendingMu.Lock()
	wait, ok := h.pending[resp.CommandID]
	h.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case wait <- resp:
	default:
	}
}

// Broadcast sends message to every session and returns how many accepted it.
// A failure on one session does not stop delivery to the others.
func (h *Hub) Broadcast(message []byte) int {
	delivered := 0
	for _, entry := range h.store.Entries() {
		if h.sendRaw(entry, message) {
			delivered++
		}
	}
	return delivered
}

// PushDetection forwards a detection result to the client it belongs to.
func (h *Hub) PushDetection(entry *session.Entry, result *detection.Result) {
	if !h.config.PushDetections || entry.Removed() {
		return
	}
	h.send(entry, protocol.NewDetectionMessage(result))
}

func (h *Hub) QueryLatestFrame(clientID string) (session.Frame, error) {
	entry, err := h.store.Get(clientID)
	if err != nil {
		return session.Frame{}, err
	}
	frame, ok := entry.Frame()
	if !ok {
		return session.Frame{}, fmt.Errorf("%w for %s", session.ErrNoFrame, clientID)
	}
	return frame, nil
}

func (h *Hub) QueryLatestDetection(clientID string) (*detection.Result, error) {
	entry, err := h.store.Get(clientID)
	if err != nil {
		return nil, err
	}
	result, ok := entry.Detection()
	if !ok {
		return nil, fmt.Errorf("%w for %s", session.ErrNoDetection, clientID)
	}
	return result, nil
}

func (h *Hub) ListSessions() []session.Status {
	entries := h.store.Entries()
	statuses := make([]session.Status, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.Status())
	}
	return statuses
}

func (h *Hub) SessionStatus(clientID string) (session.Status, error) {
	entry, err := h.store.Get(clientID)
	if err != nil {
		return session.Status{}, err
	}
	return entry.Status(), nil
}

func (h *Hub) send(entry *session.Entry, v any) bool {
	payload, err := protocol.Encode(v)
	if err != nil {
		h.logger.Error("Failed to encode message for %s: %v", entry.ID(), err)
		return false
	}
	return h.sendRaw(entry, payload)
}

func (h *Hub) sendRaw(entry *session.Entry, payload []byte) bool {
	if err := entry.Transport().Send(payload); err != nil {
		entry.SetDegraded(true)
		h.logger.Error("Error sending message to %s: %v", entry.ID(), err)
		return false
	}
	entry.SetDegraded(false)
	return true
}
