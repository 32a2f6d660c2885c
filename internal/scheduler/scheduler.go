// Package scheduler runs detection on each session's freshest frame at a
// fixed cadence, independent of how fast frames arrive.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
	"robotrelay/internal/session"
)

// Outcome is a detection that was stored on a live session.
type Outcome struct {
	Entry   *session.Entry
	Frame   session.Frame
	Result  *detection.Result
	Elapsed time.Duration
}

type Scheduler struct {
	store    *session.Store
	detector detection.Detector
	config   config.SchedulerConfig
	logger   *logger.Logger

	onResult []func(Outcome)
	slots    chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func New(store *session.Store, detector detection.Detector, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		store:    store,
		detector: detector,
		config:   cfg,
		logger:   log,
		slots:    make(chan struct{}, workers),
		now:      time.Now,
	}
}

// OnResult registers fn to run after each stored result. Register before Run.
func (s *Scheduler) OnResult(fn func(Outcome)) {
	s.onResult = append(s.onResult, fn)
}

// Run ticks until ctx is cancelled. In-flight detections are not awaited; use Wait.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	s.logger.Info("Detection scheduler started: tick=%v interval=%v workers=%d",
		s.config.Tick, s.config.DetectionInterval, cap(s.slots))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Detection scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits one detection for every session that is due and has no
// detection in flight. It returns the number of detections started.
func (s *Scheduler) Tick(ctx context.Context) int {
	started := 0
	now := s.now()
	for _, entry := range s.store.Entries() {
		frame, due := entry.DetectionDue(now, s.config.DetectionInterval)
		if !due {
			continue
		}
		if !entry.TryBeginDetection() {
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			entry.EndDetection()
			s.logger.Debug("All detection workers busy, skipping %s this tick", entry.ID())
			continue
		}

		s.wg.Add(1)
		go s.detect(ctx, entry, frame)
		started++
	}
	return started
}

func (s *Scheduler) detect(ctx context.Context, entry *session.Entry, frame session.Frame) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer entry.EndDetection()

	start := s.now()
	result, err := s.detector.Detect(ctx, frame.Data)
	if err == nil && result == nil {
		err = errors.New("detector returned no result")
	}
	completed := s.now()
	if err != nil {
		s.logger.Warning("Detection failed for %s: %v", entry.ID(), err)
		result = detection.Failed(err, completed)
	}
	result.Timestamp = completed

	if !entry.SetDetection(result) {
		s.logger.Debug("Discarding detection for disconnected client %s", entry.ID())
		return
	}

	outcome := Outcome{Entry: entry, Frame: frame, Result: result, Elapsed: completed.Sub(start)}
	for _, fn := range s.onResult {
		fn(outcome)
	}
}

// Wait blocks until every started detection has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
