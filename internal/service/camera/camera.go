// Package camera captures JPEG frames from a local video device.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"robotrelay/internal/config"
	"robotrelay/internal/logger"
)

var ErrNoFrame = errors.New("no frame captured yet")

// Frame is an encoded JPEG with its capture time.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// Latest holds only the most recent frame; older frames are overwritten.
type Latest struct {
	mu    sync.Mutex
	frame *Frame
	seq   uint64
}

func (l *Latest) Set(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frame = &f
	l.seq++
}

// Get returns the latest frame and a sequence number that grows on every Set.
func (l *Latest) Get() (Frame, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frame == nil {
		return Frame{}, 0, ErrNoFrame
	}
	return *l.frame, l.seq, nil
}

// Service reads frames from a gocv VideoCapture device.
type Service struct {
	capture *gocv.VideoCapture
	quality int
	period  time.Duration
	latest  Latest
	logger  *logger.Logger
}

// Open opens the configured device and applies the frame size.
func Open(cfg config.AgentConfig, logger *logger.Logger) (*Service, error) {
	capture, err := gocv.OpenVideoCapture(cfg.CameraDevice)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", cfg.CameraDevice, err)
	}
	if cfg.FrameWidth > 0 && cfg.FrameHeight > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.FrameWidth))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.FrameHeight))
	}

	fps := cfg.CameraFPS
	if fps <= 0 {
		fps = 10
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 70
	}

	logger.Info("Camera %d opened at %d fps", cfg.CameraDevice, fps)
	return &Service{
		capture: capture,
		quality: quality,
		period:  time.Second / time.Duration(fps),
		logger:  logger,
	}, nil
}

// Run captures frames until ctx is done.
func (s *Service) Run(ctx context.Context) {
	img := gocv.NewMat()
	defer img.Close()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ok := s.capture.Read(&img); !ok || img.Empty() {
			s.logger.Warning("Camera read failed")
			continue
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, s.quality})
		if err != nil {
			s.logger.Error("JPEG encode failed: %v", err)
			continue
		}
		data := make([]byte, buf.Len())
		copy(data, buf.GetBytes())
		buf.Close()

		s.latest.Set(Frame{Data: data, CapturedAt: time.Now()})
	}
}

// Latest returns the most recent frame.
func (s *Service) Latest() (Frame, uint64, error) {
	return s.latest.Get()
}

func (s *Service) Close() error {
	return s.capture.Close()
}
