package ai

import (
	"errors"
	"fmt"
	"io"

	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
)

// NewBackend builds the detector selected by cfg.Backend. The returned closer
// releases local networks and is nil when there is nothing to release. The
// "none" backend yields a nil detector.
func NewBackend(cfg config.DetectionConfig, workers int, log *logger.Logger) (detection.Detector, io.Closer, error) {
	remote := func() *detection.RemoteDetector {
		return detection.NewRemoteDetector(detection.RemoteConfig{
			Endpoint:  cfg.Endpoint,
			Threshold: cfg.ConfidenceThreshold,
			Timeout:   cfg.Timeout,
			Retries:   cfg.Retries,
			Classes:   cfg.Classes,
		})
	}
	local := func() (*Pool, error) {
		return NewPool(workers, cfg.ModelPath, cfg.ModelConfigPath, cfg.ConfidenceThreshold, cfg.Classes, log)
	}

	switch cfg.Backend {
	case "none":
		return nil, nil, nil
	case "local":
		pool, err := local()
		if err != nil {
			return nil, nil, fmt.Errorf("local detector: %w", err)
		}
		return pool, pool, nil
	case "remote":
		if cfg.Endpoint == "" {
			return nil, nil, errors.New("remote detector requires detection.endpoint")
		}
		log.Info("Using remote detector at %s", cfg.Endpoint)
		return remote(), nil, nil
	case "remote+local":
		if cfg.Endpoint == "" {
			return nil, nil, errors.New("remote detector requires detection.endpoint")
		}
		pool, err := local()
		if err != nil {
			log.Warning("Local fallback unavailable, using remote detector only: %v", err)
			return remote(), nil, nil
		}
		return &detection.Fallback{
			Primary:   remote(),
			Secondary: pool,
			OnFallback: func(err error) {
				log.Warning("Remote detection failed, using local detector: %v", err)
			},
		}, pool, nil
	}
	return nil, nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
}
