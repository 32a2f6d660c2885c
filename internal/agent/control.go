package agent

import (
	"context"
	"time"

	"robotrelay/internal/detection"
)

// offerResult hands a relay-side detection to the control loop. Only the
// newest unconsumed result is kept.
func (a *Agent) offerResult(r *detection.Result) {
	for {
		select {
		case a.results <- r:
			return
		default:
		}
		select {
		case <-a.results:
		default:
		}
	}
}

// controlLoop runs one pursuit cycle per detection result.
func (a *Agent) controlLoop(ctx context.Context) {
	if a.config.DetectionSource == SourceDetector {
		a.detectLoop(ctx)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-a.results:
			a.step(time.Now(), r)
		}
	}
}

// detectLoop runs the agent's own detector on the latest frame every ControlInterval.
func (a *Agent) detectLoop(ctx context.Context) {
	if a.detector == nil || a.camera == nil {
		a.logger.Warning("Detection source is %q but no detector or camera is attached", SourceDetector)
		return
	}

	ticker := time.NewTicker(a.config.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := a.camera.Latest()
		if err != nil {
			continue
		}
		result, err := a.detector.Detect(ctx, frame.Data)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warning("Detection failed: %v", err)
			result = detection.Failed(err, time.Now())
		}
		a.step(time.Now(), result)
	}
}

// step advances the controller and reports state changes to the relay.
func (a *Agent) step(now time.Time, r *detection.Result) {
	var readings []float64
	if a.sampler != nil {
		readings = a.sampler.Take()
	}
	state := a.controller.Step(now, r, readings)

	a.mu.Lock()
	changed := state != a.lastState
	a.lastState = state
	a.mu.Unlock()

	if changed {
		a.sendStatus()
	}
}
