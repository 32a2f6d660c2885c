// Package protocol defines the JSON envelope exchanged between the relay and robot clients.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"robotrelay/internal/detection"
)

const (
	TypeCameraFrame           = "camera_frame"
	TypeSensorData            = "sensor_data"
	TypeStatusUpdate          = "status_update"
	TypeCommand               = "command"
	TypeCommandResponse       = "command_response"
	TypeActionResponse        = "action_response"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeConnectionEstablished = "connection_established"
	TypeDetectionResult       = "detection_result"

	// Legacy kinds still sent by older clients.
	TypeStatusResponse = "status_response"
	TypeRGBResponse    = "rgb_response"
	TypeSpeakResponse  = "speak_response"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Message is a decoded inbound envelope. Payload is the "data" object when the
// sender nested its fields, otherwise the top level object itself.
type Message struct {
	Type    string
	Top     map[string]json.RawMessage
	Payload map[string]json.RawMessage
}

// Decode parses an envelope and checks that it carries a type.
func Decode(raw []byte) (*Message, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var kind string
	if err := json.Unmarshal(top["type"], &kind); err != nil || kind == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	msg := &Message{Type: kind, Top: top, Payload: top}
	if data, ok := top["data"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(data, &nested); err == nil && nested != nil {
			msg.Payload = nested
		}
	}
	return msg, nil
}

// Frame is a decoded camera_frame payload.
type Frame struct {
	Data      []byte
	FrameID   string
	Timestamp time.Time
}

// Frame extracts the image from a camera_frame message. It accepts base64 in
// data.frame and the legacy hex encoded frame_data field.
func (m *Message) Frame() (Frame, error) {
	var f Frame
	if raw, ok := m.Payload["frame"]; ok {
		if err := json.Unmarshal(raw, &f.Data); err != nil {
			return f, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
		}
	} else if raw, ok := m.lookup("frame_data"); ok {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return f, fmt.Errorf("%w: frame_data: %v", ErrMalformed, err)
		}
		data, err := hex.DecodeString(encoded)
		if err != nil {
			return f, fmt.Errorf("%w: frame_data: %v", ErrMalformed, err)
		}
		f.Data = data
	}
	if len(f.Data) == 0 {
		return f, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	if raw, ok := m.Payload["frame_id"]; ok {
		f.FrameID = scalarString(raw)
	}
	f.Timestamp = m.Timestamp()
	return f, nil
}

// Fields returns the scalar fields of a sensor_data or status_update payload.
// Nested objects are skipped and the legacy {sensor, value} form is stored
// under "sensors.<name>".
func (m *Message) Fields() map[string]any {
	fields := make(map[string]any, len(m.Payload))
	for key, raw := range m.Payload {
		switch key {
		case "type", "timestamp", "data":
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch v.(type) {
		case bool, float64, string, nil:
			fields[key] = v
		}
	}

	if name, ok := fields["sensor"].(string); ok {
		if value, ok := fields["value"]; ok {
			fields["sensors."+name] = value
			delete(fields, "sensor")
			delete(fields, "value")
		}
	}
	return fields
}

// Timestamp reads the sender's timestamp as unix seconds, falling back to now.
func (m *Message) Timestamp() time.Time {
	raw, ok := m.lookup("timestamp")
	if !ok {
		return time.Now()
	}
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil && seconds > 0 {
		return FromUnix(seconds)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t
		}
	}
	return time.Now()
}

// Response decodes a command_response or one of its legacy variants. A legacy
// boolean "success" is mapped to a status.
func (m *Message) Response() (Response, error) {
	r := Response{Type: TypeCommandResponse, Timestamp: Unix(m.Timestamp())}
	if raw, ok := m.lookup("command_id"); ok {
		r.CommandID = scalarString(raw)
	}
	if raw, ok := m.lookup("command_type"); ok {
		r.CommandType = scalarString(raw)
	} else {
		r.CommandType = legacyCommandType(m.Type)
	}
	if raw, ok := m.lookup("message"); ok {
		r.Message = scalarString(raw)
	}

	if raw, ok := m.lookup("status"); ok {
		r.Status = strings.ToLower(scalarString(raw))
	} else if raw, ok := m.lookup("success"); ok {
		var success bool
		if err := json.Unmarshal(raw, &success); err != nil {
			return r, fmt.Errorf("%w: success: %v", ErrMalformed, err)
		}
		r.Status = StatusError
		if success {
			r.Status = StatusSuccess
		}
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		return r, fmt.Errorf("%w: invalid status %q", ErrMalformed, r.Status)
	}
	return r, nil
}

// Command decodes an operator command addressed to a client.
func (m *Message) Command() (Command, error) {
	var c Command
	raw, err := json.Marshal(m.Top)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.CommandType == "" {
		return c, fmt.Errorf("%w: missing command_type", ErrMalformed)
	}
	return c, nil
}

// Detection decodes a detection_result push.
func (m *Message) Detection() (*detection.Result, error) {
	raw, ok := m.Top["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	var result detection.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &result, nil
}

func (m *Message) lookup(key string) (json.RawMessage, bool) {
	if raw, ok := m.Payload[key]; ok {
		return raw, true
	}
	raw, ok := m.Top[key]
	return raw, ok
}

func legacyCommandType(kind string) string {
	switch kind {
	case TypeActionResponse:
		return "robot_action"
	case TypeRGBResponse:
		return "rgb_control"
	case TypeSpeakResponse:
		return "speak"
	case TypeStatusResponse:
		return "status_request"
	}
	return ""
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// Command is an operator request routed to exactly one client.
type Command struct {
	Type        string          `json:"type"`
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   float64         `json:"timestamp"`
}

// NewCommand builds a command with a fresh correlation id.
func NewCommand(commandType string, data any) (Command, error) {
	c := Command{
		Type:        TypeCommand,
		CommandID:   uuid.NewString(),
		CommandType: commandType,
		Timestamp:   Unix(time.Now()),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return c, fmt.Errorf("encode command data: %w", err)
		}
		c.Data = raw
	}
	return c, nil
}

// Response answers one Command.
type Response struct {
	Type        string  `json:"type"`
	CommandID   string  `json:"command_id,omitempty"`
	CommandType string  `json:"command_type,omitempty"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Timestamp   float64 `json:"timestamp"`
}

// Reply builds the response to c.
func Reply(c Command, err error, message string) Response {
	r := Response{
		Type:        TypeCommandResponse,
		CommandID:   c.CommandID,
		CommandType: c.CommandType,
		Status:      StatusSuccess,
		Message:     message,
		Timestamp:   Unix(time.Now()),
	}
	if err != nil {
		r.Status = StatusError
		r.Message = err.Error()
	}
	return r
}

func (r Response) OK() bool { return r.Status == StatusSuccess }

type FrameData struct {
	Frame     []byte  `json:"frame"`
	FrameID   string  `json:"frame_id"`
	Timestamp float64 `json:"timestamp"`
}

type FrameMessage struct {
	Type string    `json:"type"`
	Data FrameData `json:"data"`
}

func NewFrameMessage(frame []byte, at time.Time) FrameMessage {
	return FrameMessage{
		Type: TypeCameraFrame,
		Data: FrameData{Frame: frame, FrameID: uuid.NewString(), Timestamp: Unix(at)},
	}
}

// TelemetryMessage carries sensor_data and status_update fields.
type TelemetryMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func NewTelemetry(kind string, fields map[string]any, at time.Time) TelemetryMessage {
	data := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		data[k] = v
	}
	data["timestamp"] = Unix(at)
	return TelemetryMessage{Type: kind, Data: data}
}

// Control covers ping, pong and connection_established.
type Control struct {
	Type      string  `json:"type"`
	ClientID  string  `json:"client_id,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

func NewControl(kind, clientID, message string) Control {
	return Control{Type: kind, ClientID: clientID, Message: message, Timestamp: Unix(time.Now())}
}

type DetectionMessage struct {
	Type string            `json:"type"`
	Data *detection.Result `json:"data"`
}

func NewDetectionMessage(r *detection.Result) DetectionMessage {
	return DetectionMessage{Type: TypeDetectionResult, Data: r}
}

// Encode marshals any outbound message.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unix converts t to fractional unix seconds as used on the wire.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnix converts fractional unix seconds to a time.
func FromUnix(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}
