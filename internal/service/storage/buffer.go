// Package storage archives detection snapshots outside the live session state.
package storage

import (
	"context"
	"sync"
	"time"

	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
)

// Snapshot is a frame that produced at least one detection.
type Snapshot struct {
	ClientID   string
	Timestamp  time.Time
	Image      []byte
	Detections []detection.Detection
}

// Sink persists flushed snapshots and reports where each one landed.
type Sink interface {
	Put(ctx context.Context, snap Snapshot) (string, error)
}

// Annotator draws detections onto a JPEG image.
type Annotator func(image []byte, detections []detection.Detection) ([]byte, error)

// BufferService buffers snapshots in memory and periodically flushes them to a sink.
type BufferService struct {
	sink          Sink
	annotate      Annotator
	limit         int
	flushInterval time.Duration
	images        []Snapshot
	bufferCount   map[string]int
	mu            sync.Mutex
	logger        *logger.Logger
}

// NewBufferService creates a BufferService. annotate may be nil.
func NewBufferService(cfg config.StorageConfig, sink Sink, annotate Annotator, logger *logger.Logger) *BufferService {
	limit := cfg.BufferLimit
	if limit <= 0 {
		limit = 10
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BufferService{
		sink:          sink,
		annotate:      annotate,
		limit:         limit,
		flushInterval: interval,
		images:        make([]Snapshot, 0),
		bufferCount:   make(map[string]int),
		logger:        logger,
	}
}

// Run flushes on every tick until ctx is cancelled, then flushes once more.
func (s *BufferService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.FlushImages(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.FlushImages(flushCtx)
			cancel()
			return
		}
	}
}

// AddImage buffers a snapshot unless the client's share of the buffer is full
// or there is nothing worth keeping. It reports whether the snapshot was kept.
func (s *BufferService) AddImage(clientID string, image []byte, result *detection.Result) bool {
	if result == nil || !result.HasTargets() || len(image) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bufferCount[clientID] >= s.limit {
		return false
	}

	s.images = append(s.images, Snapshot{
		ClientID:   clientID,
		Timestamp:  result.Timestamp,
		Image:      append([]byte(nil), image...),
		Detections: append([]detection.Detection(nil), result.Detections...),
	})
	s.bufferCount[clientID]++
	s.logger.Debug("Buffer size for client %s: %d/%d", clientID, s.bufferCount[clientID], s.limit)
	return true
}

// Pending returns the number of buffered snapshots.
func (s *BufferService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// FlushImages writes buffered snapshots to the sink and resets the per-client counters.
// It returns the number of snapshots stored.
func (s *BufferService) FlushImages(ctx context.Context) int {
	s.mu.Lock()
	images := s.images
	s.images = make([]Snapshot, 0, len(images))
	s.bufferCount = make(map[string]int)
	s.mu.Unlock()

	if len(images) == 0 {
		return 0
	}

	savedCount := 0
	for _, snap := range images {
		if s.annotate != nil {
			annotated, err := s.annotate(snap.Image, snap.Detections)
			if err != nil {
				s.logger.Warning("Annotating snapshot for %s failed: %v", snap.ClientID, err)
			} else {
				snap.Image = annotated
			}
		}

		location, err := s.sink.Put(ctx, snap)
		if err != nil {
			s.logger.Error("Error saving snapshot for %s: %v", snap.ClientID, err)
			continue
		}
		s.logger.Debug("Snapshot stored at %s", location)
		savedCount++
	}

	s.logger.Info("Flushed %d snapshots", savedCount)
	return savedCount
}
