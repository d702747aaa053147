// Package ao drives a tip/tilt adaptive optics element with two stepper
// motors: tip moves the image along RA, tilt along DEC.
package ao

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
)

// Motor is one axis of the AO element.
type Motor interface {
	MoveSteps(steps int) error
	Position() int
	Center() error
}

// Config holds the AO conversion parameters.
type Config struct {
	Name       string
	StepsPerMs float64 // steps moved per millisecond of pulse
	MaxSteps   int     // travel limit either side of center
}

// Unit is a tip/tilt AO that accepts guide pulses. A pulse of ms along an axis
// becomes ms*StepsPerMs motor steps, clamped to the travel limit.
type Unit struct {
	cfg  Config
	tip  Motor
	tilt Motor

	mu     sync.Mutex
	moving bool
	swap   bool
	wg     sync.WaitGroup
}

// New creates an AO unit on two motors.
func New(cfg Config, tip, tilt Motor) *Unit {
	if cfg.StepsPerMs <= 0 {
		cfg.StepsPerMs = 0.1
	}
	return &Unit{cfg: cfg, tip: tip, tilt: tilt}
}

func (u *Unit) Name() string { return u.cfg.Name }

// SetDECSwap reverses the tilt axis.
func (u *Unit) SetDECSwap(swap bool) {
	u.mu.Lock()
	u.swap = swap
	u.mu.Unlock()
}

// Steps converts a move to signed motor steps. West and North are positive.
func (u *Unit) Steps(dir st4.Direction, ms int) int {
	n := int(math.Round(float64(ms) * u.cfg.StepsPerMs))
	if dir == st4.East || dir == st4.South {
		n = -n
	}
	return n
}

// clamp limits a move so that pos+steps stays within the travel limit.
func (u *Unit) clamp(pos, steps int) int {
	if u.cfg.MaxSteps <= 0 {
		return steps
	}
	target := pos + steps
	if target > u.cfg.MaxSteps {
		target = u.cfg.MaxSteps
	}
	if target < -u.cfg.MaxSteps {
		target = -u.cfg.MaxSteps
	}
	return target - pos
}

func (u *Unit) PulseAxis(dir st4.Direction, ms int) (bool, error) {
	if dir.Axis() == st4.DEC {
		return u.Pulse(st4.None, 0, dir, ms)
	}
	return u.Pulse(dir, ms, st4.None, 0)
}

// Pulse moves both motors on a goroutine. A pulse arriving while the element
// is still moving is rejected.
func (u *Unit) Pulse(raDir st4.Direction, raMs int, decDir st4.Direction, decMs int) (bool, error) {
	moves := st4.Moves(raDir, raMs, decDir, decMs)
	if len(moves) == 0 {
		return false, st4.ErrNoDirection
	}

	u.mu.Lock()
	if u.moving {
		u.mu.Unlock()
		debug.Verbose("AO %s: still moving, pulse rejected", u.cfg.Name)
		return false, nil
	}
	u.moving = true
	swap := u.swap
	u.mu.Unlock()

	var tipSteps, tiltSteps int
	for _, m := range moves {
		dir := st4.Swap(m.Dir, swap)
		debug.Pulse("AO", dir.String(), m.Ms)
		if dir.Axis() == st4.DEC {
			tiltSteps = u.Steps(dir, m.Ms)
		} else {
			tipSteps = u.Steps(dir, m.Ms)
		}
	}
	if c := u.clamp(u.tip.Position(), tipSteps); c != tipSteps {
		debug.Info("AO %s: tip clamped from %d to %d steps (travel limit %d)", u.cfg.Name, tipSteps, c, u.cfg.MaxSteps)
		tipSteps = c
	}
	if c := u.clamp(u.tilt.Position(), tiltSteps); c != tiltSteps {
		debug.Info("AO %s: tilt clamped from %d to %d steps (travel limit %d)", u.cfg.Name, tiltSteps, c, u.cfg.MaxSteps)
		tiltSteps = c
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer func() {
			u.mu.Lock()
			u.moving = false
			u.mu.Unlock()
		}()
		if err := u.move(tipSteps, tiltSteps); err != nil {
			debug.Error(err)
		}
	}()
	return true, nil
}

// move performs a combined movement (sequential for now).
func (u *Unit) move(tipSteps, tiltSteps int) error {
	if err := u.tip.MoveSteps(tipSteps); err != nil {
		return fmt.Errorf("ao tip: %w", err)
	}
	if err := u.tilt.MoveSteps(tiltSteps); err != nil {
		return fmt.Errorf("ao tilt: %w", err)
	}
	return nil
}

// Position returns the tip and tilt positions in steps.
func (u *Unit) Position() (tip, tilt int) {
	return u.tip.Position(), u.tilt.Position()
}

// Wait blocks until the element stops moving.
func (u *Unit) Wait() {
	u.wg.Wait()
}

// Center waits for motion to end and returns both motors to zero.
func (u *Unit) Center() error {
	u.Wait()
	return errors.Join(u.tip.Center(), u.tilt.Center())
}
