package stepper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/gpio"
)

// ErrTravelLimit is returned when a move would leave the allowed travel.
var ErrTravelLimit = errors.New("stepper: travel limit reached")

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	Name      string
	StepPin   int
	DirPin    int
	EnablePin int           // A4988 ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	MaxSteps  int           // travel limit either side of center. 0 = unlimited.
	StepDelay time.Duration // delay per half-cycle of STEP pulse. Total step = 2*StepDelay.
}

// Stepper drives one motor and tracks its position relative to the point
// where it was created (the optical center for an AO element).
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // delay between STEP pulse half-cycles

	mu       sync.Mutex
	position int
}

// NewStepper creates a new stepper motor controller.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) *Stepper {
	_ = g.SetupPin(cfg.StepPin, gpio.Output)
	_ = g.SetupPin(cfg.DirPin, gpio.Output)

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		_ = g.SetupPin(cfg.EnablePin, gpio.Output)
		_ = g.WritePin(cfg.EnablePin, gpio.Low) // enable by default
	}

	return s
}

// Position returns the current position in steps from center.
func (s *Stepper) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// CanMove reports whether a move of steps stays within the travel limit.
func (s *Stepper) CanMove(steps int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withinLimit(s.position + steps)
}

func (s *Stepper) withinLimit(target int) bool {
	if s.cfg.MaxSteps <= 0 {
		return true
	}
	return target <= s.cfg.MaxSteps && target >= -s.cfg.MaxSteps
}

// MoveSteps moves the motor by a number of steps (positive or negative).
func (s *Stepper) MoveSteps(steps int) error {
	if steps == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.withinLimit(s.position + steps) {
		return fmt.Errorf("%w: %s at %d, move %d, limit %d",
			ErrTravelLimit, s.cfg.Name, s.position, steps, s.cfg.MaxSteps)
	}

	var dirLevel gpio.Level
	var direction string
	n := steps
	if steps > 0 {
		dirLevel = gpio.High
		direction = "forward"
	} else {
		dirLevel = gpio.Low
		direction = "backward"
		n = -steps
	}

	debug.Printf("Stepper %s: moving %d steps (%s) on pin %d", s.cfg.Name, n, direction, s.cfg.StepPin)

	if err := s.gpio.WritePin(s.cfg.DirPin, dirLevel); err != nil {
		return err
	}

	unit := 1
	if steps < 0 {
		unit = -1
	}
	for i := 0; i < n; i++ {
		if err := s.stepPulse(); err != nil {
			return err
		}
		s.position += unit
	}
	return nil
}

// Center moves the motor back to position zero.
func (s *Stepper) Center() error {
	return s.MoveSteps(-s.Position())
}

func (s *Stepper) stepPulse() error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(s.delay)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
