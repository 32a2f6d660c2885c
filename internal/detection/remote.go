package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteConfig configures the HTTP detection service client.
type RemoteConfig struct {
	Endpoint  string
	Threshold float64
	Timeout   time.Duration
	Retries   int
	Classes   []string
}

// RemoteDetector posts frames to a detection service as multipart "image"
// with a "confidence" form field and reads back a JSON result.
type RemoteDetector struct {
	http   *resty.Client
	config RemoteConfig
	now    func() time.Time
}

type remoteResponse struct {
	Success       bool        `json:"success"`
	InferenceTime float64     `json:"inference_time"`
	Detections    []Detection `json:"detections"`
	ImageSize     ImageSize   `json:"image_size"`
	Error         string      `json:"error"`
}

func NewRemoteDetector(cfg RemoteConfig) *RemoteDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	r := resty.New()
	r.SetTimeout(cfg.Timeout)
	r.SetHeader("Accept", "application/json")

	return &RemoteDetector{http: r, config: cfg, now: time.Now}
}

// Detect tries the service once plus the configured number of retries, each
// attempt bounded by the configured timeout.
func (d *RemoteDetector) Detect(ctx context.Context, image []byte) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= d.config.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		result, err := d.attempt(ctx, image)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, fmt.Errorf("remote detection: %w", lastErr)
}

func (d *RemoteDetector) attempt(ctx context.Context, image []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	resp, err := d.http.R().
		SetContext(ctx).
		SetFileReader("image", "frame.jpg", bytes.NewReader(image)).
		SetFormData(map[string]string{
			"confidence": strconv.FormatFloat(d.config.Threshold, 'f', -1, 64),
		}).
		SetResult(&remoteResponse{}).
		SetError(&remoteResponse{}).
		Post(d.config.Endpoint)
	if err != nil {
		return nil, err
	}

	if resp.IsError() {
		if body, ok := resp.Error().(*remoteResponse); ok && body.Error != "" {
			return nil, fmt.Errorf("bad status %s: %s", resp.Status(), body.Error)
		}
		return nil, fmt.Errorf("bad status %s", resp.Status())
	}

	body, ok := resp.Result().(*remoteResponse)
	if !ok {
		return nil, errors.New("failed to parse detection response")
	}
	if !body.Success {
		return nil, fmt.Errorf("detection service error: %s", body.Error)
	}

	detections := make([]Detection, 0, len(body.Detections))
	for _, det := range Filter(body.Detections, d.config.Threshold, d.config.Classes) {
		det.BBox = NewBBox(det.BBox.X1, det.BBox.Y1, det.BBox.X2, det.BBox.Y2)
		detections = append(detections, det)
	}

	return &Result{
		Success:       true,
		Detections:    detections,
		InferenceTime: body.InferenceTime,
		ImageSize:     body.ImageSize,
		Timestamp:     d.now(),
	}, nil
}
