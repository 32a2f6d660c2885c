package model

import "time"

// DetectionEvent is one journaled detection cycle for a client.
type DetectionEvent struct {
	ID            int64          `json:"id"`
	ClientID      string         `json:"client_id"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	InferenceTime float64        `json:"inference_time"`
	ImageWidth    int            `json:"image_width"`
	ImageHeight   int            `json:"image_height"`
	Timestamp     time.Time      `json:"timestamp"`
	Boxes         []DetectionBox `json:"detections"`
}

// DetectionBox is a single bounding box belonging to a DetectionEvent.
type DetectionBox struct {
	ID         int64   `json:"id"`
	EventID    int64   `json:"event_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}
