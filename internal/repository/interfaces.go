package repository

import (
	"errors"
	"time"

	"robotrelay/internal/detection"
	"robotrelay/internal/model"
)

// ErrUnknownDriver is returned by Open for an unsupported journal driver.
var ErrUnknownDriver = errors.New("unknown journal driver")

// JournalRepository defines the detection journal operations.
type JournalRepository interface {
	// Create operations
	Record(clientID string, result *detection.Result) (int64, error)

	// Read operations
	Recent(clientID string, limit int) ([]model.DetectionEvent, error)
	Count(clientID string) (int, error)

	// Delete operations
	PruneBefore(cutoff time.Time) (int64, error)

	Close() error
}

// EventFromResult converts a detection result into its journal form.
func EventFromResult(clientID string, result *detection.Result) model.DetectionEvent {
	event := model.DetectionEvent{
		ClientID:      clientID,
		Success:       result.Success,
		Error:         result.Error,
		InferenceTime: result.InferenceTime,
		ImageWidth:    result.ImageSize.Width,
		ImageHeight:   result.ImageSize.Height,
		Timestamp:     result.Timestamp.UTC(),
	}
	for _, d := range result.Detections {
		event.Boxes = append(event.Boxes, model.DetectionBox{
			ClassName:  d.ClassName,
			Confidence: d.Confidence,
			X1:         d.BBox.X1,
			Y1:         d.BBox.Y1,
			X2:         d.BBox.X2,
			Y2:         d.BBox.Y2,
		})
	}
	return event
}
