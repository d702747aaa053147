// Package st4 defines the pulse-guide actuator contract and the ST4 guide
// port driven from GPIO opto-isolators.
package st4

import "errors"

// ErrNoDirection is returned when a pulse names no direction on any axis.
var ErrNoDirection = errors.New("st4: no pulse direction")

// Axis is a mount axis.
type Axis int

const (
	RA Axis = iota
	DEC
)

func (a Axis) String() string {
	if a == DEC {
		return "DEC"
	}
	return "RA"
}

// Direction is a guide direction on the sky.
type Direction int

const (
	None Direction = iota
	North
	South
	East
	West
)

func (d Direction) String() string {
	switch d {
	case North:
		return "North"
	case South:
		return "South"
	case East:
		return "East"
	case West:
		return "West"
	default:
		return "None"
	}
}

// Axis returns the axis the direction moves. None maps to RA.
func (d Direction) Axis() Axis {
	if d == North || d == South {
		return DEC
	}
	return RA
}

// Opposite returns the reverse direction on the same axis.
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	default:
		return None
	}
}

// Pulser executes timed directional corrections. Pulse and PulseAxis return
// as soon as the device accepted the command; the motion itself runs
// asynchronously and cannot be preempted.
type Pulser interface {
	Name() string
	Pulse(raDir Direction, raMs int, decDir Direction, decMs int) (bool, error)
	PulseAxis(dir Direction, ms int) (bool, error)
}

// DECSwapper is implemented by actuators that can swap their DEC lines, for
// mounts wired with North and South reversed.
type DECSwapper interface {
	SetDECSwap(swap bool)
}

// Move is one axis of a pulse.
type Move struct {
	Dir Direction
	Ms  int
}

// Active reports whether the move does anything.
func (m Move) Active() bool {
	return m.Dir != None && m.Ms > 0
}

// Moves returns the active moves of a two-axis pulse, RA first.
func Moves(raDir Direction, raMs int, decDir Direction, decMs int) []Move {
	var out []Move
	if m := (Move{raDir, raMs}); m.Active() {
		out = append(out, m)
	}
	if m := (Move{decDir, decMs}); m.Active() {
		out = append(out, m)
	}
	return out
}

// Swap applies a DEC swap to d.
func Swap(d Direction, swap bool) Direction {
	if swap && d.Axis() == DEC && d != None {
		return d.Opposite()
	}
	return d
}
