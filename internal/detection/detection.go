// Package detection holds the detection result model shared by the relay,
// the scheduler and the pursuit controller, plus the detector backends that
// do not depend on OpenCV.
package detection

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrDetectorUnavailable = errors.New("detector unavailable")

// Detector maps one encoded image to a detection result.
type Detector interface {
	Detect(ctx context.Context, image []byte) (*Result, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, image []byte) (*Result, error)

func (f DetectorFunc) Detect(ctx context.Context, image []byte) (*Result, error) {
	return f(ctx, image)
}

// BBox is an axis aligned box in image pixels. X1 <= X2 and Y1 <= Y2 always hold
// for boxes built with NewBBox.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// NewBBox orders the corners so the box invariant holds.
func NewBBox(x1, y1, x2, y2 float64) BBox {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func (b BBox) Width() float64   { return b.X2 - b.X1 }
func (b BBox) Height() float64  { return b.Y2 - b.Y1 }
func (b BBox) CenterX() float64 { return (b.X1 + b.X2) / 2 }
func (b BBox) CenterY() float64 { return (b.Y1 + b.Y2) / 2 }
func (b BBox) Area() float64    { return b.Width() * b.Height() }

// MarshalJSON adds the derived geometry for operator tooling.
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		X1      float64 `json:"x1"`
		Y1      float64 `json:"y1"`
		X2      float64 `json:"x2"`
		Y2      float64 `json:"y2"`
		Width   float64 `json:"width"`
		Height  float64 `json:"height"`
		CenterX float64 `json:"center_x"`
		CenterY float64 `json:"center_y"`
	}{b.X1, b.Y1, b.X2, b.Y2, b.Width(), b.Height(), b.CenterX(), b.CenterY()})
}

type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Result is the outcome of running detection on one frame.
type Result struct {
	Success       bool        `json:"success"`
	Detections    []Detection `json:"detections"`
	InferenceTime float64     `json:"inference_time"`
	ImageSize     ImageSize   `json:"image_size"`
	Timestamp     time.Time   `json:"timestamp"`
	Error         string      `json:"error,omitempty"`
}

// Failed records a detector error as an unsuccessful result.
func Failed(err error, at time.Time) *Result {
	return &Result{
		Success:    false,
		Detections: []Detection{},
		Timestamp:  at,
		Error:      err.Error(),
	}
}

// HasTargets reports whether r is a successful result with at least one detection.
func (r *Result) HasTargets() bool {
	return r != nil && r.Success && len(r.Detections) > 0
}

// Clone returns a deep copy so callers can hand results across goroutines.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Detections = append([]Detection(nil), r.Detections...)
	return &c
}
