// Package actuator executes robot actions behind a single worker goroutine so
// that slow hardware calls never stall telemetry or the control loop.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrCapabilityMissing = errors.New("capability missing")
	ErrActuatorBusy      = errors.New("actuator busy")
	ErrUnknownAction     = errors.New("unknown action")
)

type Kind int

const (
	Motion Kind = iota
	Sound
	Head
	Light
	Speech
)

func (k Kind) String() string {
	switch k {
	case Motion:
		return "motion"
	case Sound:
		return "sound"
	case Head:
		return "head"
	case Light:
		return "light"
	case Speech:
		return "speech"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is one request to the robot body.
type Action struct {
	Kind   Kind
	Name   string  // motion or sound name
	Steps  int     // motion step count
	Speed  int     // motion speed, 0..100
	Repeat int     // sound repetitions
	Yaw    float64 // head yaw in degrees, positive is right
	Color  string  // light color
	Style  string  // light animation
	Text   string  // speech text
}

func (a Action) String() string {
	switch a.Kind {
	case Motion:
		return fmt.Sprintf("%s(steps=%d, speed=%d)", a.Name, a.Steps, a.Speed)
	case Sound:
		return fmt.Sprintf("sound %s x%d", a.Name, max(a.Repeat, 1))
	case Head:
		return fmt.Sprintf("head yaw=%.1f", a.Yaw)
	case Light:
		return fmt.Sprintf("light %s %s", a.Style, a.Color)
	case Speech:
		return fmt.Sprintf("speak %q", a.Text)
	}
	return a.Name
}

// Executor performs actions on hardware. Implementations may block for the
// duration of the motion.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// Motions the body understands.
var Motions = []string{
	"forward", "backward", "turn_left", "turn_right", "stand", "sit", "lie",
	"wag_tail", "shake_head", "stretch", "push_up", "trot", "doze_off",
}

// Sounds the speaker can play.
var Sounds = []string{"bark", "growl", "howling", "pant", "woohoo"}

func IsMotion(name string) bool { return contains(Motions, name) }
func IsSound(name string) bool  { return contains(Sounds, name) }

func contains(list []string, name string) bool {
	return lo.ContainsBy(list, func(v string) bool { return strings.EqualFold(v, name) })
}

// Router sends head actions to Head and everything else to Body. A nil
// target reports ErrCapabilityMissing.
type Router struct {
	Body Executor
	Head Executor
}

func (r Router) Execute(ctx context.Context, a Action) error {
	target := r.Body
	if a.Kind == Head {
		target = r.Head
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrCapabilityMissing, a.Kind)
	}
	return target.Execute(ctx, a)
}
