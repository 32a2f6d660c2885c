// Package ai runs the SSD MobileNet COCO model locally through OpenCV.
package ai

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
)

// DetectorService wraps one DNN network. The network is not safe for
// concurrent use, so calls are serialized; use a Pool for parallelism.
type DetectorService struct {
	net        gocv.Net
	ready      bool
	mu         sync.Mutex
	modelPath  string
	configPath string
	threshold  float64
	classes    []string
	logger     *logger.Logger
}

// NewDetectorService loads the network from modelPath and configPath.
func NewDetectorService(modelPath, configPath string, threshold float64, classes []string, logger *logger.Logger) (*DetectorService, error) {
	service := &DetectorService{
		modelPath:  modelPath,
		configPath: configPath,
		threshold:  threshold,
		classes:    classes,
		logger:     logger,
	}

	if err := service.initializeNet(); err != nil {
		return nil, err
	}
	return service, nil
}

// initializeNet loads the DNN network and sets backend/target preferences.
func (s *DetectorService) initializeNet() error {
	if _, err := os.Stat(s.modelPath); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", s.modelPath)
	}

	if _, err := os.Stat(s.configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", s.configPath)
	}

	net := gocv.ReadNet(s.modelPath, s.configPath)
	if net.Empty() {
		return fmt.Errorf("failed to load network")
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend or target")
	}

	s.net = net
	s.ready = true
	s.logger.Info("Detection network initialized successfully")
	return nil
}

// Detect decodes a JPEG frame and returns detections above the threshold.
func (s *DetectorService) Detect(ctx context.Context, imageBytes []byte) (*detection.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil, fmt.Errorf("%w: network not initialized", detection.ErrDetectorUnavailable)
	}

	mat, err := gocv.IMDecode(imageBytes, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}

	start := time.Now()

	// SSD COCO input: 300x300, mean 127.5, scale 1/127.5, BGR->RGB.
	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	cols, rows := float32(mat.Cols()), float32(mat.Rows())
	var found []detection.Detection

	// Each row: [batch_id, class_id, confidence, x1, y1, x2, y2] with normalized corners.
	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()
	for i := 0; i < reshaped.Rows(); i++ {
		confidence := float64(reshaped.GetFloatAt(i, 2))
		if confidence < s.threshold {
			continue
		}
		classID := int(reshaped.GetFloatAt(i, 1))
		found = append(found, detection.Detection{
			ClassID:    classID,
			ClassName:  ClassLabel(classID),
			Confidence: confidence,
			BBox: detection.NewBBox(
				float64(clamp01(reshaped.GetFloatAt(i, 3))*cols),
				float64(clamp01(reshaped.GetFloatAt(i, 4))*rows),
				float64(clamp01(reshaped.GetFloatAt(i, 5))*cols),
				float64(clamp01(reshaped.GetFloatAt(i, 6))*rows),
			),
		})
	}

	detections := detection.Filter(found, s.threshold, s.classes)
	if detections == nil {
		detections = []detection.Detection{}
	}
	s.logger.Debug("Local detection: %d objects in %v", len(detections), time.Since(start))

	return &detection.Result{
		Success:       true,
		Detections:    detections,
		InferenceTime: time.Since(start).Seconds(),
		ImageSize:     detection.ImageSize{Width: mat.Cols(), Height: mat.Rows()},
		Timestamp:     time.Now(),
	}, nil
}

// Close releases the network.
func (s *DetectorService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		s.ready = false
		return s.net.Close()
	}
	return nil
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

// Annotate draws the detections on a JPEG image and returns a re-encoded JPEG buffer.
func Annotate(img []byte, detections []detection.Detection) ([]byte, error) {
	red := color.RGBA{R: 255, G: 0, B: 0, A: 0}

	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()

	for _, d := range detections {
		rect := image.Rect(int(d.BBox.X1), int(d.BBox.Y1), int(d.BBox.X2), int(d.BBox.Y2))
		if err := gocv.Rectangle(&mat, rect, red, 2); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %w", err)
		}

		label := fmt.Sprintf("%s (%.2f)", d.ClassName, d.Confidence)
		pt := image.Pt(int(d.BBox.X1), int(d.BBox.Y1)-5)
		if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, 0.5, red, 1); err != nil {
			return nil, fmt.Errorf("failed to draw text: %w", err)
		}
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// ClassLabel maps COCO class ids to labels.
func ClassLabel(classID int) string {
	labels := map[int]string{
		1:  "person",
		2:  "bicycle",
		3:  "car",
		4:  "motorcycle",
		5:  "airplane",
		6:  "bus",
		8:  "truck",
		16: "bird",
		17: "cat",
		18: "dog",
	}

	if label, exists := labels[classID]; exists {
		return label
	}
	return fmt.Sprintf("unknown%d", classID)
}
