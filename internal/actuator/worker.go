package actuator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"robotrelay/internal/logger"
)

type job struct {
	action Action
	ctx    context.Context
	result chan error
}

// Worker serializes actions onto one goroutine through a bounded queue.
type Worker struct {
	executor Executor
	logger   *logger.Logger
	queue    chan job
	busy     atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

func NewWorker(executor Executor, queueSize int, log *logger.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 8
	}
	return &Worker{
		executor: executor,
		logger:   log,
		queue:    make(chan job, queueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case j := <-w.queue:
			w.busy.Store(true)
			err := w.executor.Execute(j.ctx, j.action)
			w.busy.Store(false)
			if err != nil {
				w.logger.Warning("Action %s failed: %v", j.action, err)
			}
			if j.result != nil {
				j.result <- err
			}
		}
	}
}

// Busy reports whether an action is executing or waiting.
func (w *Worker) Busy() bool {
	return w.busy.Load() || len(w.queue) > 0
}

// Submit queues a without waiting for it. Motions are refused while the
// worker is busy so that the robot never accumulates a backlog of moves.
func (w *Worker) Submit(a Action) error {
	if a.Kind == Motion && w.Busy() {
		return fmt.Errorf("%w: %s", ErrActuatorBusy, a)
	}
	select {
	case w.queue <- job{action: a, ctx: context.Background()}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrActuatorBusy, a)
	}
}

// Do queues a and waits for its result or for ctx to end.
func (w *Worker) Do(ctx context.Context, a Action) error {
	result := make(chan error, 1)
	select {
	case w.queue <- job{action: a, ctx: ctx, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return fmt.Errorf("%w: worker stopped", ErrActuatorBusy)
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the worker after the current action. Queued actions are dropped.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}
