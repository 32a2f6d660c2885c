package ai

import (
	"context"
	"errors"
	"fmt"

	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
)

// Pool holds one network per worker so detections for different sessions can
// run in parallel.
type Pool struct {
	services []*DetectorService
	free     chan *DetectorService
}

// NewPool loads size networks. It fails if none could be loaded.
func NewPool(size int, modelPath, configPath string, threshold float64, classes []string, logger *logger.Logger) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{free: make(chan *DetectorService, size)}
	for i := 0; i < size; i++ {
		service, err := NewDetectorService(modelPath, configPath, threshold, classes, logger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("load detector %d: %w", i, err)
		}
		p.services = append(p.services, service)
		p.free <- service
	}
	logger.Info("Local detector pool ready with %d networks", size)
	return p, nil
}

func (p *Pool) Detect(ctx context.Context, image []byte) (*detection.Result, error) {
	select {
	case service := <-p.free:
		defer func() { p.free <- service }()
		return service.Detect(ctx, image)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Close() error {
	var errs []error
	for _, s := range p.services {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
