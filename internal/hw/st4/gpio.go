package st4

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/gpio"
)

// Pins maps the four ST4 lines to BCM GPIO numbers.
type Pins struct {
	North, South, East, West int
}

func (p Pins) pin(d Direction) int {
	switch d {
	case North:
		return p.North
	case South:
		return p.South
	case East:
		return p.East
	case West:
		return p.West
	}
	return 0
}

// GPIO drives an ST4 guide port through four opto-isolators. A line is
// asserted by pulling it LOW. Each pulse is held on its own goroutine; an
// axis that is still pulsing rejects new commands.
type GPIO struct {
	name string
	drv  gpio.Driver
	pins Pins

	mu   sync.Mutex
	busy [2]bool
	swap bool
	wg   sync.WaitGroup
}

// NewGPIO sets the four lines as outputs, released (HIGH).
func NewGPIO(name string, drv gpio.Driver, pins Pins) (*GPIO, error) {
	for _, d := range []Direction{North, South, East, West} {
		pin := pins.pin(d)
		if pin <= 0 {
			return nil, fmt.Errorf("st4: no pin for %s", d)
		}
		if err := drv.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("st4: setup %s pin %d: %w", d, pin, err)
		}
		if err := drv.WritePin(pin, gpio.High); err != nil {
			return nil, fmt.Errorf("st4: release %s pin %d: %w", d, pin, err)
		}
	}
	return &GPIO{name: name, drv: drv, pins: pins}, nil
}

func (g *GPIO) Name() string { return g.name }

// SetDECSwap swaps the North and South lines.
func (g *GPIO) SetDECSwap(swap bool) {
	g.mu.Lock()
	g.swap = swap
	g.mu.Unlock()
}

// PulseAxis pulses a single line.
func (g *GPIO) PulseAxis(dir Direction, ms int) (bool, error) {
	if dir.Axis() == DEC {
		return g.Pulse(None, 0, dir, ms)
	}
	return g.Pulse(dir, ms, None, 0)
}

// Pulse asserts up to one line per axis for the given durations. Both axes
// run concurrently.
func (g *GPIO) Pulse(raDir Direction, raMs int, decDir Direction, decMs int) (bool, error) {
	moves := Moves(raDir, raMs, decDir, decMs)
	if len(moves) == 0 {
		return false, ErrNoDirection
	}

	g.mu.Lock()
	for _, m := range moves {
		if g.busy[m.Dir.Axis()] {
			g.mu.Unlock()
			debug.Verbose("ST4 %s: %s axis busy, pulse rejected", g.name, m.Dir.Axis())
			return false, nil
		}
	}
	swap := g.swap
	for _, m := range moves {
		g.busy[m.Dir.Axis()] = true
	}
	g.mu.Unlock()

	for i, m := range moves {
		dir := Swap(m.Dir, swap)
		pin := g.pins.pin(dir)
		if err := g.drv.WritePin(pin, gpio.Low); err != nil {
			for _, rest := range moves[i:] {
				g.release(rest.Dir.Axis())
			}
			return false, fmt.Errorf("st4: assert %s: %w", dir, err)
		}
		debug.Pulse("ST4", dir.String(), m.Ms)

		g.wg.Add(1)
		go func(axis Axis, pin int, d time.Duration) {
			defer g.wg.Done()
			time.Sleep(d)
			if err := g.drv.WritePin(pin, gpio.High); err != nil {
				debug.Error(fmt.Errorf("st4: release pin %d: %w", pin, err))
			}
			g.release(axis)
		}(m.Dir.Axis(), pin, time.Duration(m.Ms)*time.Millisecond)
	}
	return true, nil
}

func (g *GPIO) release(axis Axis) {
	g.mu.Lock()
	g.busy[axis] = false
	g.mu.Unlock()
}

// Wait blocks until every pulse in flight has completed.
func (g *GPIO) Wait() {
	g.wg.Wait()
}

// Close waits for pulses in flight and releases all lines.
func (g *GPIO) Close() error {
	g.Wait()
	for _, d := range []Direction{North, South, East, West} {
		if err := g.drv.WritePin(g.pins.pin(d), gpio.High); err != nil {
			return err
		}
	}
	return nil
}
