package actuator

import (
	"context"
	"fmt"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Head yaw limits in degrees.
const (
	MinYaw = -60.0
	MaxYaw = 60.0
)

// HeadServo drives the head yaw with one Feetech STS servo. Yaw is mapped
// linearly from [MinYaw, MaxYaw] onto the raw range [RangeMin, RangeMax].
type HeadServo struct {
	bus      *feetech.Bus
	group    *feetech.ServoGroup
	id       int
	rangeMin int
	rangeMax int
}

func NewHeadServo(ctx context.Context, port string, id, rangeMin, rangeMax int) (*HeadServo, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	h := &HeadServo{
		bus:      bus,
		group:    feetech.NewServoGroupByIDs(bus, id),
		id:       id,
		rangeMin: rangeMin,
		rangeMax: rangeMax,
	}
	if err := h.group.EnableAll(ctx); err != nil {
		bus.Close()
		return nil, fmt.Errorf("enable head servo: %w", err)
	}
	return h, nil
}

func (h *HeadServo) Execute(ctx context.Context, a Action) error {
	if a.Kind != Head {
		return fmt.Errorf("%w: head servo cannot run %s", ErrCapabilityMissing, a.Kind)
	}
	positions := feetech.PositionMap{h.id: YawToRaw(a.Yaw, h.rangeMin, h.rangeMax)}
	if err := h.group.SetPositions(ctx, positions); err != nil {
		return fmt.Errorf("write head position: %w", err)
	}
	return nil
}

// Close releases torque and the serial bus.
func (h *HeadServo) Close(ctx context.Context) error {
	h.group.DisableAll(ctx)
	return h.bus.Close()
}

// YawToRaw clamps yaw to the head limits and converts it to a raw position.
func YawToRaw(yaw float64, rangeMin, rangeMax int) int {
	yaw = min(max(yaw, MinYaw), MaxYaw)
	span := float64(rangeMax - rangeMin)
	return int((yaw-MinYaw)/(MaxYaw-MinYaw)*span) + rangeMin
}
