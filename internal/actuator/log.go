package actuator

import (
	"context"
	"fmt"
	"time"

	"robotrelay/internal/logger"
)

// LogExecutor stands in for the robot body when no hardware driver is
// attached. It validates action names, logs them and sleeps for a nominal
// duration per step.
type LogExecutor struct {
	Logger      *logger.Logger
	StepTime    time.Duration
	Unavailable map[Kind]bool
}

func (e *LogExecutor) Execute(ctx context.Context, a Action) error {
	if e.Unavailable[a.Kind] {
		return fmt.Errorf("%w: %s", ErrCapabilityMissing, a.Kind)
	}
	switch a.Kind {
	case Motion:
		if !IsMotion(a.Name) {
			return fmt.Errorf("%w: %s", ErrUnknownAction, a.Name)
		}
	case Sound:
		if !IsSound(a.Name) {
			return fmt.Errorf("%w: %s", ErrUnknownAction, a.Name)
		}
	}

	e.Logger.Info("Executing %s", a)

	if a.Kind == Motion && e.StepTime > 0 {
		steps := max(a.Steps, 1)
		select {
		case <-time.After(time.Duration(steps) * e.StepTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
