package detection

import (
	"context"
	"errors"
	"fmt"
)

// Fallback runs Primary and, when it fails, Secondary. Either may be nil.
type Fallback struct {
	Primary   Detector
	Secondary Detector
	// OnFallback is called with the primary error before the secondary runs.
	OnFallback func(err error)
}

func (f *Fallback) Detect(ctx context.Context, image []byte) (*Result, error) {
	var primaryErr error
	if f.Primary != nil {
		result, err := f.Primary.Detect(ctx, image)
		if err == nil {
			return result, nil
		}
		primaryErr = err
	}

	if f.Secondary == nil || ctx.Err() != nil {
		if primaryErr == nil {
			primaryErr = ErrDetectorUnavailable
		}
		return nil, primaryErr
	}

	if primaryErr != nil && f.OnFallback != nil {
		f.OnFallback(primaryErr)
	}

	result, err := f.Secondary.Detect(ctx, image)
	if err != nil {
		if primaryErr != nil {
			return nil, fmt.Errorf("fallback detection: %w", errors.Join(primaryErr, err))
		}
		return nil, err
	}
	return result, nil
}
