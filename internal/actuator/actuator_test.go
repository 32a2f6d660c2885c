package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"robotrelay/internal/logger"
)

type blockingExecutor struct {
	mu       sync.Mutex
	actions  []Action
	release  chan struct{}
	started  chan struct{}
	startOne sync.Once
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{}), started: make(chan struct{})}
}

func (e *blockingExecutor) Execute(ctx context.Context, a Action) error {
	e.mu.Lock()
	e.actions = append(e.actions, a)
	e.mu.Unlock()
	e.startOne.Do(func() { close(e.started) })
	<-e.release
	return nil
}

func TestWorker_DropsMotionWhileBusy(t *testing.T) {
	exec := newBlockingExecutor()
	w := NewWorker(exec, 4, logger.Discard())
	w.Start()
	defer w.Stop()

	if err := w.Submit(Action{Kind: Motion, Name: "forward", Steps: 3}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	<-exec.started

	if err := w.Submit(Action{Kind: Motion, Name: "turn_left"}); !errors.Is(err, ErrActuatorBusy) {
		t.Errorf("expected ErrActuatorBusy for a motion while busy, got %v", err)
	}
	if err := w.Submit(Action{Kind: Sound, Name: "bark"}); err != nil {
		t.Errorf("sounds should still queue while busy: %v", err)
	}
	close(exec.release)
}

func TestWorker_QueueFull(t *testing.T) {
	exec := newBlockingExecutor()
	w := NewWorker(exec, 1, logger.Discard())
	w.Start()
	defer w.Stop()

	w.Submit(Action{Kind: Sound, Name: "bark"})
	<-exec.started
	if err := w.Submit(Action{Kind: Sound, Name: "bark"}); err != nil {
		t.Fatalf("second Submit should fill the queue: %v", err)
	}
	if err := w.Submit(Action{Kind: Sound, Name: "bark"}); !errors.Is(err, ErrActuatorBusy) {
		t.Errorf("expected ErrActuatorBusy with a full queue, got %v", err)
	}
	close(exec.release)
}

func TestWorker_DoReturnsExecutorError(t *testing.T) {
	exec := &LogExecutor{Logger: logger.Discard(), Unavailable: map[Kind]bool{Light: true}}
	w := NewWorker(exec, 4, logger.Discard())
	w.Start()
	defer w.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := w.Do(ctx, Action{Kind: Motion, Name: "forward", Steps: 1}); err != nil {
		t.Errorf("forward failed: %v", err)
	}
	if err := w.Do(ctx, Action{Kind: Light, Style: "boom", Color: "red"}); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("expected ErrCapabilityMissing, got %v", err)
	}
	if err := w.Do(ctx, Action{Kind: Motion, Name: "moonwalk"}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestWorker_DoHonorsContext(t *testing.T) {
	exec := newBlockingExecutor()
	w := NewWorker(exec, 4, logger.Discard())
	w.Start()
	defer w.Stop()
	defer close(exec.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Do(ctx, Action{Kind: Motion, Name: "sit"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	body := &LogExecutor{Logger: logger.Discard()}
	r := Router{Body: body}

	if err := r.Execute(context.Background(), Action{Kind: Sound, Name: "bark"}); err != nil {
		t.Errorf("body action failed: %v", err)
	}
	if err := r.Execute(context.Background(), Action{Kind: Head, Yaw: 10}); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("expected ErrCapabilityMissing without a head, got %v", err)
	}
}

func TestYawToRaw(t *testing.T) {
	tests := []struct {
		yaw      float64
		expected int
	}{
		{-60, 1024},
		{0, 2048},
		{60, 3072},
		{-90, 1024},
		{90, 3072},
		{30, 2560},
	}
	for _, tt := range tests {
		if got := YawToRaw(tt.yaw, 1024, 3072); got != tt.expected {
			t.Errorf("YawToRaw(%v) = %d, expected %d", tt.yaw, got, tt.expected)
		}
	}
}
