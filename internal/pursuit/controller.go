// Package pursuit turns detections and distance readings into throttled
// movement and sound decisions for one robot.
package pursuit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"robotrelay/internal/actuator"
	"robotrelay/internal/config"
	"robotrelay/internal/detection"
	"robotrelay/internal/logger"
	"robotrelay/internal/protocol"
)

var ErrAutoModeActive = errors.New("can only execute movement commands in manual mode")

type State int

const (
	Idle State = iota
	Searching
	Tracking
	Pursuing
	Alerting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case Tracking:
		return "tracking"
	case Pursuing:
		return "pursuing"
	case Alerting:
		return "alerting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config parameterizes the controller. Distances share the sensor's unit (cm).
type Config struct {
	BarkDistance         float64
	PursueDistance       float64
	ExplosionDistance    float64
	MaxPursuitDistance   float64
	MinPursueDistance    float64
	DetectionPersistence int
	MovementInterval     time.Duration
	BarkInterval         time.Duration
	SearchInterval       time.Duration
	ConfidenceThreshold  float64
	Classes              []string
	Distance             DistanceFilter
	BypassActions        []string
}

// FromConfig extracts the controller settings from the process configuration.
func FromConfig(cfg *config.Config) Config {
	p := cfg.Pursuit
	return Config{
		BarkDistance:         p.BarkDistance,
		PursueDistance:       p.PursueDistance,
		ExplosionDistance:    p.ExplosionDistance,
		MaxPursuitDistance:   p.MaxPursuitDistance,
		MinPursueDistance:    p.MinPursueDistance,
		DetectionPersistence: p.DetectionPersistence,
		MovementInterval:     p.MovementInterval,
		BarkInterval:         p.BarkInterval,
		SearchInterval:       p.SearchInterval,
		ConfidenceThreshold:  cfg.Detection.ConfidenceThreshold,
		Classes:              cfg.Detection.Classes,
		Distance:             DistanceFilter{Min: p.DistanceMin, Max: p.DistanceMax, Samples: p.DistanceSamples},
		BypassActions:        p.ModeBypassActions,
	}
}

// Dispatcher accepts actions without blocking the control loop.
type Dispatcher interface {
	Submit(a actuator.Action) error
}

// Snapshot is a copy of the controller state for status reporting.
type Snapshot struct {
	State                State           `json:"state"`
	AutoMode             bool            `json:"auto_mode"`
	LastDistance         *float64        `json:"last_distance,omitempty"`
	Target               *detection.BBox `json:"target,omitempty"`
	FramesSinceDetection int             `json:"frames_since_detection"`
	LastBark             time.Time       `json:"last_bark"`
	LastMovement         time.Time       `json:"last_movement"`
}

type Controller struct {
	config       Config
	dispatcher   Dispatcher
	capabilities protocol.Capabilities
	logger       *logger.Logger

	mu                   sync.Mutex
	state                State
	autoMode             bool
	lastDistance         *float64
	lastBark             time.Time
	lastMovement         time.Time
	lastSearch           time.Time
	searchStep           int
	target               *detection.Detection
	imageWidth           int
	framesSinceDetection int
}

func New(cfg Config, dispatcher Dispatcher, caps protocol.Capabilities, log *logger.Logger) *Controller {
	return &Controller{
		config:       cfg,
		dispatcher:   dispatcher,
		capabilities: caps,
		logger:       log,
		state:        Idle,
	}
}

// SetAutoMode switches autonomous behavior. Enabling it starts a search,
// disabling it returns to Idle.
func (c *Controller) SetAutoMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoMode == on {
		return
	}
	c.autoMode = on
	if on {
		c.transition(Searching)
		return
	}
	c.transition(Idle)
	c.target = nil
	c.framesSinceDetection = 0
}

func (c *Controller) AutoMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoMode
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetCapabilities updates the declared hardware interfaces.
func (c *Controller) SetCapabilities(caps protocol.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = caps
}

// Authorize decides whether an operator action may run in the current mode.
// Manual mode allows everything; auto mode only the bypass list.
func (c *Controller) Authorize(action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.autoMode {
		return nil
	}
	if lo.ContainsBy(c.config.BypassActions, func(allowed string) bool { return strings.EqualFold(allowed, action) }) {
		return nil
	}
	return ErrAutoModeActive
}

// Step runs one control cycle. result is the detection for this cycle, nil
// or unsuccessful when nothing was detected. readings are the raw distance
// samples taken during the cycle.
func (c *Controller) Step(now time.Time, result *detection.Result, readings []float64) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.config.Distance.Average(readings); ok {
		c.lastDistance = &d
	} else {
		c.lastDistance = nil
	}

	if !c.autoMode {
		c.transition(Idle)
		return c.state
	}
	if c.state == Idle {
		c.transition(Searching)
	}

	c.observe(result)

	if c.target == nil {
		c.search(now)
		return c.state
	}

	yaw := c.yaw()
	if c.capabilities.Head {
		c.submit(actuator.Action{Kind: actuator.Head, Yaw: yaw})
	}

	if c.lastDistance == nil {
		return c.state
	}
	d := *c.lastDistance
	c.applyDistance(d)
	c.alert(now, d)
	if c.state == Pursuing {
		c.pursue(now, d, yaw)
	}
	return c.state
}

// observe folds the detection into the target and the lost-target debounce.
func (c *Controller) observe(result *detection.Result) {
	var candidates []detection.Detection
	if result.HasTargets() {
		candidates = detection.Filter(result.Detections, c.config.ConfidenceThreshold, c.config.Classes)
	}

	if target, ok := detection.SelectTarget(candidates); ok {
		c.target = &target
		c.imageWidth = result.ImageSize.Width
		c.framesSinceDetection = 0
		if c.state == Searching {
			c.transition(Tracking)
		}
		return
	}

	c.framesSinceDetection++
	if c.state != Searching && c.framesSinceDetection > c.config.DetectionPersistence {
		c.transition(Searching)
		c.target = nil
	}
}

func (c *Controller) applyDistance(d float64) {
	cfg := c.config
	switch c.state {
	case Tracking:
		if d < cfg.ExplosionDistance {
			c.transition(Alerting)
		} else if d > cfg.MinPursueDistance && d < cfg.PursueDistance {
			c.transition(Pursuing)
		}
	case Pursuing:
		if d < cfg.ExplosionDistance {
			c.transition(Alerting)
		} else if d >= cfg.MaxPursuitDistance {
			c.transition(Tracking)
		}
	case Alerting:
		if d >= cfg.ExplosionDistance {
			if d < cfg.MaxPursuitDistance {
				c.transition(Pursuing)
			} else {
				c.transition(Tracking)
			}
		}
	}
}

// Intensity grows from 1 to 3 as d drops below the bark distance.
func Intensity(d, barkDistance float64) int {
	if d >= barkDistance {
		return 1
	}
	i := int((barkDistance-d)/(barkDistance/3)) + 1
	return min(max(i, 1), 3)
}

func (c *Controller) alert(now time.Time, d float64) {
	if d >= c.config.BarkDistance {
		return
	}
	intensity := Intensity(d, c.config.BarkDistance)
	if now.Sub(c.lastBark) < c.config.BarkInterval/time.Duration(intensity) {
		return
	}

	sound := actuator.Action{Kind: actuator.Sound, Name: "bark", Repeat: 1}
	switch intensity {
	case 2:
		sound.Repeat = 2
	case 3:
		sound.Name = "growl"
	}
	if !c.submit(sound) {
		return
	}
	c.lastBark = now

	if c.capabilities.RGB {
		light := actuator.Action{Kind: actuator.Light, Style: "boom", Color: "red"}
		if intensity == 1 {
			light.Style = "breath"
		}
		c.submit(light)
	}
}

func (c *Controller) pursue(now time.Time, d, yaw float64) {
	if now.Sub(c.lastMovement) < c.config.MovementInterval {
		return
	}

	var move actuator.Action
	switch {
	case d > c.config.MinPursueDistance && d < c.config.PursueDistance:
		move = steer(yaw, 20, 1, 90)
		if move.Name == "forward" {
			move.Steps = 3
			if d < 50 {
				move.Steps = 2
			}
		}
	case d >= c.config.PursueDistance && d < c.config.MaxPursuitDistance:
		move = steer(yaw, 15, 2, 95)
		if move.Name == "forward" {
			move.Steps = 3
		}
	default:
		return
	}

	if c.submit(move) {
		c.lastMovement = now
	}
}

// steer turns toward the target when it is off center by more than threshold degrees.
func steer(yaw, threshold float64, turnSteps, speed int) actuator.Action {
	a := actuator.Action{Kind: actuator.Motion, Name: "forward", Speed: speed}
	if math.Abs(yaw) > threshold {
		a.Steps = turnSteps
		a.Name = "turn_left"
		if yaw > 0 {
			a.Name = "turn_right"
		}
	}
	return a
}

var searchSweep = []string{"turn_left", "turn_right", "shake_head"}

func (c *Controller) search(now time.Time) {
	if c.state != Searching || now.Sub(c.lastSearch) < c.config.SearchInterval {
		return
	}
	name := searchSweep[c.searchStep%len(searchSweep)]
	move := actuator.Action{Kind: actuator.Motion, Name: name, Steps: 1, Speed: 80}
	if name == "shake_head" {
		move.Steps = 0
	}
	if c.submit(move) {
		c.lastSearch = now
		c.lastMovement = now
		c.searchStep++
	}
}

// yaw maps the target's horizontal center to a head angle in [-60, 60],
// positive to the right of the image center.
func (c *Controller) yaw() float64 {
	if c.target == nil || c.imageWidth <= 0 {
		return 0
	}
	return c.target.BBox.CenterX()/float64(c.imageWidth)*120 - 60
}

func (c *Controller) submit(a actuator.Action) bool {
	if err := c.dispatcher.Submit(a); err != nil {
		c.logger.Debug("Action %s not dispatched: %v", a, err)
		return false
	}
	return true
}

func (c *Controller) transition(next State) {
	if c.state == next {
		return
	}
	c.logger.Info("Pursuit state %s -> %s", c.state, next)
	c.state = next
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:                c.state,
		AutoMode:             c.autoMode,
		FramesSinceDetection: c.framesSinceDetection,
		LastBark:             c.lastBark,
		LastMovement:         c.lastMovement,
	}
	if c.lastDistance != nil {
		d := *c.lastDistance
		s.LastDistance = &d
	}
	if c.target != nil {
		b := c.target.BBox
		s.Target = &b
	}
	return s
}
