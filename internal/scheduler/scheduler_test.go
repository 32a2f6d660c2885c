package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
	"robotrelay/internal/session"
)

type nopTransport struct{}

func (nopTransport) Send([]byte) error { return nil }
func (nopTransport) Close() error      { return nil }

// slowDetector blocks until release is closed and tracks overlapping calls.
type slowDetector struct {
	release  chan struct{}
	active   atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	started  chan struct{}
	startOne sync.Once
}

func newSlowDetector() *slowDetector {
	return &slowDetector{release: make(chan struct{}), started: make(chan struct{})}
}

func (d *slowDetector) Detect(ctx context.Context, image []byte) (*detection.Result, error) {
	d.calls.Add(1)
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		max := d.maxSeen.Load()
		if n <= max || d.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	d.startOne.Do(func() { close(d.started) })
	<-d.release
	return &detection.Result{Success: true, Detections: []detection.Detection{{ClassName: "person"}}}, nil
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{Tick: 5 * time.Millisecond, DetectionInterval: 10 * time.Millisecond, MaxConcurrent: 4}
}

func addSession(t *testing.T, store *session.Store, id string) *session.Entry {
	t.Helper()
	entry, _, err := store.Add(id, nopTransport{}, time.Now(), true)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	entry.SetFrame(session.Frame{Data: []byte("jpeg"), Timestamp: time.Now()})
	return entry
}

func TestScheduler_AtMostOneInFlight(t *testing.T) {
	store := session.NewStore()
	addSession(t, store, "robot-1")
	det := newSlowDetector()
	s := New(store, det, testConfig(), logger.Discard())

	if started := s.Tick(context.Background()); started != 1 {
		t.Fatalf("first tick started %d detections, expected 1", started)
	}
	<-det.started

	// The detector is slower than the interval; further ticks must skip the session.
	for i := 0; i < 20; i++ {
		if started := s.Tick(context.Background()); started != 0 {
			t.Fatalf("tick %d started %d detections while one was in flight", i, started)
		}
		time.Sleep(2 * time.Millisecond)
	}

	close(det.release)
	s.Wait()

	if det.maxSeen.Load() != 1 || det.calls.Load() != 1 {
		t.Errorf("max concurrent = %d, calls = %d, expected 1 and 1", det.maxSeen.Load(), det.calls.Load())
	}
}

func TestScheduler_RespectsInterval(t *testing.T) {
	store := session.NewStore()
	entry := addSession(t, store, "robot-1")

	det := detection.DetectorFunc(func(ctx context.Context, image []byte) (*detection.Result, error) {
		return &detection.Result{Success: true}, nil
	})
	cfg := testConfig()
	cfg.DetectionInterval = time.Second
	s := New(store, det, cfg, logger.Discard())

	now := time.Now()
	s.now = func() time.Time { return now }

	s.Tick(context.Background())
	s.Wait()
	if _, ok := entry.Detection(); !ok {
		t.Fatal("expected a stored detection")
	}

	now = now.Add(500 * time.Millisecond)
	if started := s.Tick(context.Background()); started != 0 {
		t.Errorf("started %d detections before the interval elapsed", started)
	}

	now = now.Add(500 * time.Millisecond)
	if started := s.Tick(context.Background()); started != 1 {
		t.Errorf("started %d detections after the interval, expected 1", started)
	}
	s.Wait()
}

func TestScheduler_FailureRecorded(t *testing.T) {
	store := session.NewStore()
	entry := addSession(t, store, "robot-1")

	det := detection.DetectorFunc(func(ctx context.Context, image []byte) (*detection.Result, error) {
		return nil, errors.New("inference timeout")
	})
	s := New(store, det, testConfig(), logger.Discard())

	var outcomes []Outcome
	s.OnResult(func(o Outcome) { outcomes = append(outcomes, o) })

	s.Tick(context.Background())
	s.Wait()

	result, ok := entry.Detection()
	if !ok {
		t.Fatal("expected a failed result to be stored")
	}
	if result.Success || result.Error != "inference timeout" || result.Timestamp.IsZero() {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(outcomes) != 1 {
		t.Errorf("expected one outcome, got %d", len(outcomes))
	}
}

func TestScheduler_DiscardsAfterDisconnect(t *testing.T) {
	store := session.NewStore()
	entry := addSession(t, store, "robot-1")
	det := newSlowDetector()
	s := New(store, det, testConfig(), logger.Discard())

	called := false
	s.OnResult(func(Outcome) { called = true })

	s.Tick(context.Background())
	<-det.started
	store.Remove("robot-1", entry)
	close(det.release)
	s.Wait()

	if called {
		t.Error("result for a disconnected session must be discarded")
	}
	if _, ok := entry.Detection(); ok {
		t.Error("removed entry should hold no detection")
	}
}

func TestScheduler_GlobalCapSkips(t *testing.T) {
	store := session.NewStore()
	addSession(t, store, "robot-1")
	addSession(t, store, "robot-2")
	det := newSlowDetector()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := New(store, det, cfg, logger.Discard())

	if started := s.Tick(context.Background()); started != 1 {
		t.Errorf("started %d detections with one worker, expected 1", started)
	}
	close(det.release)
	s.Wait()

	if started := s.Tick(context.Background()); started != 1 {
		t.Errorf("skipped session should run on a later tick, started %d", started)
	}
	s.Wait()
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	store := session.NewStore()
	addSession(t, store, "robot-1")
	var calls atomic.Int32
	det := detection.DetectorFunc(func(ctx context.Context, image []byte) (*detection.Result, error) {
		calls.Add(1)
		return &detection.Result{Success: true}, nil
	})
	s := New(store, det, testConfig(), logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	s.Wait()

	if calls.Load() == 0 {
		t.Error("expected at least one detection while running")
	}
}
