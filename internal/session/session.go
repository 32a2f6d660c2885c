// Package session holds the per-client state owned by the relay hub.
//
// The store's map lock only guards membership. Each entry carries its own
// mutex so that a frame, a detection or a status merge is applied to one
// session atomically without blocking the others.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"robotrelay/internal/detection"
	"robotrelay/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDuplicateClient = errors.New("client already connected")
	ErrNoFrame         = errors.New("no frame available")
	ErrNoDetection     = errors.New("no detection available")
)

// Transport is the outbound side of a client connection.
type Transport interface {
	Send(message []byte) error
	Close() error
}

type Mode int

const (
	Manual Mode = iota
	Auto
)

func (m Mode) String() string {
	if m == Auto {
		return "auto"
	}
	return "manual"
}

// ParseMode accepts "auto"/"manual" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "automatic":
		return Auto, nil
	case "manual":
		return Manual, nil
	}
	return Manual, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type Frame struct {
	Data      []byte
	FrameID   string
	Timestamp time.Time
}

// Reading is one last-write-wins telemetry field.
type Reading struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status is a consistent copy of a session's fields.
type Status struct {
	ID                 string                `json:"client_id"`
	ConnectedAt        time.Time             `json:"connected_at"`
	LastSeen           time.Time             `json:"last_seen"`
	Mode               Mode                  `json:"mode"`
	Capabilities       protocol.Capabilities `json:"capabilities"`
	IPAddress          string                `json:"ip_address,omitempty"`
	Telemetry          map[string]Reading    `json:"telemetry"`
	HasFrame           bool                  `json:"has_frame"`
	FrameTimestamp     *time.Time            `json:"frame_timestamp,omitempty"`
	DetectionTimestamp *time.Time            `json:"detection_timestamp,omitempty"`
	Degraded           bool                  `json:"degraded"`
	LastResponse       *protocol.Response    `json:"last_response,omitempty"`
}

// Entry is one connected client. All accessors are safe for concurrent use.
type Entry struct {
	id          string
	connectedAt time.Time
	transport   Transport

	mu           sync.Mutex
	removed      bool
	lastSeen     time.Time
	mode         Mode
	capabilities protocol.Capabilities
	ipAddress    string
	telemetry    map[string]Reading
	frame        *Frame
	detection    *detection.Result
	degraded     bool
	lastResponse *protocol.Response

	detecting atomic.Bool
}

func newEntry(id string, t Transport, now time.Time) *Entry {
	return &Entry{
		id:          id,
		connectedAt: now,
		transport:   t,
		lastSeen:    now,
		mode:        Manual,
		telemetry:   make(map[string]Reading),
	}
}

func (e *Entry) ID() string             { return e.id }
func (e *Entry) ConnectedAt() time.Time { return e.connectedAt }
func (e *Entry) Transport() Transport   { return e.transport }

// SetFrame replaces the latest frame. Older unconsumed frames are dropped.
// The frame bytes must not be modified after the call.
func (e *Entry) SetFrame(f Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	e.frame = &f
	if f.Timestamp.After(e.lastSeen) {
		e.lastSeen = f.Timestamp
	}
}

// Frame returns the latest frame. The returned bytes are shared and read only.
func (e *Entry) Frame() (Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frame == nil {
		return Frame{}, false
	}
	return *e.frame, true
}

// SetDetection stores r unless the entry was already removed from the store,
// in which case it reports false and the result is discarded.
func (e *Entry) SetDetection(r *detection.Result) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	e.detection = r.Clone()
	return true
}

func (e *Entry) Detection() (*detection.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detection == nil {
		return nil, false
	}
	return e.detection.Clone(), true
}

// DetectionDue returns the latest frame when no detection has completed
// within interval of now.
func (e *Entry) DetectionDue(now time.Time, interval time.Duration) (Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.frame == nil {
		return Frame{}, false
	}
	if e.detection != nil && now.Sub(e.detection.Timestamp) < interval {
		return Frame{}, false
	}
	return *e.frame, true
}

// TryBeginDetection claims the entry's single detection slot.
func (e *Entry) TryBeginDetection() bool {
	return e.detecting.CompareAndSwap(false, true)
}

func (e *Entry) EndDetection() {
	e.detecting.Store(false)
}

func (e *Entry) Detecting() bool {
	return e.detecting.Load()
}

// MergeFields applies a status_update or sensor_data payload. Capability
// flags, the mode and the ip address update their dedicated fields; every
// field is also kept in the telemetry map, last write wins per key.
func (e *Entry) MergeFields(fields map[string]any, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return
	}
	e.capabilities.Merge(fields)
	if ip, ok := fields[protocol.FieldIPAddress].(string); ok {
		e.ipAddress = ip
	}
	if raw, ok := fields[protocol.FieldMode].(string); ok {
		if mode, err := ParseMode(raw); err == nil {
			e.mode = mode
		}
	}
	for key, value := range fields {
		e.telemetry[key] = Reading{Value: value, UpdatedAt: at}
	}
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
}

func (e *Entry) Capabilities() protocol.Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capabilities
}

func (e *Entry) SetMode(m Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

func (e *Entry) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Entry) Touch(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
}

// SetDegraded records whether the outbound path last failed.
func (e *Entry) SetDegraded(degraded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degraded = degraded
}

func (e *Entry) SetResponse(r protocol.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastResponse = &r
}

// Status returns a snapshot of every field taken under one lock.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		ID:           e.id,
		ConnectedAt:  e.connectedAt,
		LastSeen:     e.lastSeen,
		Mode:         e.mode,
		Capabilities: e.capabilities,
		IPAddress:    e.ipAddress,
		Telemetry:    make(map[string]Reading, len(e.telemetry)),
		HasFrame:     e.frame != nil,
		Degraded:     e.degraded,
	}
	for k, v := range e.telemetry {
		s.Telemetry[k] = v
	}
	if e.frame != nil {
		ts := e.frame.Timestamp
		s.FrameTimestamp = &ts
	}
	if e.detection != nil {
		ts := e.detection.Timestamp
		s.DetectionTimestamp = &ts
	}
	if e.lastResponse != nil {
		r := *e.lastResponse
		s.LastResponse = &r
	}
	return s
}

// release drops the buffers and marks the entry so late writers are ignored.
func (e *Entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	e.frame = nil
	e.detection = nil
	e.telemetry = map[string]Reading{}
}

// Removed reports whether the entry has left the store.
func (e *Entry) Removed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}
