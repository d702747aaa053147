package sim

import (
	"math"
	"sync"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
)

// Pulse records a pulse accepted by a simulated actuator.
type Pulse struct {
	Dir st4.Direction
	Ms  int
}

// Mount moves the sky star when pulsed. A West pulse moves the star along the
// RA axis, rotated by Angle from the sensor X axis; a North pulse moves it
// along the DEC axis, perpendicular to RA. Motion is applied on accept.
type Mount struct {
	name    string
	sky     *Sky
	angle   float64 // radians
	raGain  float64 // px/ms
	decGain float64 // px/ms
	limit   float64 // max offset from start per axis (px), 0 = none

	mu     sync.Mutex
	swap   bool
	offset [2]float64
	pulses []Pulse
}

// NewMount creates a simulated mount whose RA axis is rotated by angleDeg.
func NewMount(name string, sky *Sky, angleDeg, raGain, decGain float64) *Mount {
	return &Mount{
		name:    name,
		sky:     sky,
		angle:   angleDeg * math.Pi / 180,
		raGain:  raGain,
		decGain: decGain,
	}
}

// AO is a simulated tip/tilt unit: a mount with a small travel envelope.
type AO struct {
	*Mount
}

// NewAO creates a simulated AO aligned with the sensor axes.
func NewAO(name string, sky *Sky, gain, limitPx float64) *AO {
	m := NewMount(name, sky, 0, gain, gain)
	m.limit = limitPx
	return &AO{Mount: m}
}

func (m *Mount) Name() string { return m.name }

func (m *Mount) SetDECSwap(swap bool) {
	m.mu.Lock()
	m.swap = swap
	m.mu.Unlock()
}

func (m *Mount) PulseAxis(dir st4.Direction, ms int) (bool, error) {
	if dir.Axis() == st4.DEC {
		return m.Pulse(st4.None, 0, dir, ms)
	}
	return m.Pulse(dir, ms, st4.None, 0)
}

func (m *Mount) Pulse(raDir st4.Direction, raMs int, decDir st4.Direction, decMs int) (bool, error) {
	moves := st4.Moves(raDir, raMs, decDir, decMs)
	if len(moves) == 0 {
		return false, st4.ErrNoDirection
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cos, sin := math.Cos(m.angle), math.Sin(m.angle)
	for _, mv := range moves {
		dir := st4.Swap(mv.Dir, m.swap)
		m.pulses = append(m.pulses, Pulse{Dir: dir, Ms: mv.Ms})
		debug.Pulse(m.name, dir.String(), mv.Ms)

		axis := dir.Axis()
		dist := float64(mv.Ms)
		if axis == st4.DEC {
			dist *= m.decGain
		} else {
			dist *= m.raGain
		}
		if dir == st4.East || dir == st4.South {
			dist = -dist
		}
		if m.limit > 0 {
			next := math.Max(-m.limit, math.Min(m.limit, m.offset[axis]+dist))
			dist = next - m.offset[axis]
		}
		m.offset[axis] += dist

		if axis == st4.DEC {
			m.sky.Nudge(-sin*dist, cos*dist)
		} else {
			m.sky.Nudge(cos*dist, sin*dist)
		}
	}
	return true, nil
}

// Pulses returns every pulse accepted so far.
func (m *Mount) Pulses() []Pulse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Pulse(nil), m.pulses...)
}

// Offset returns the accumulated RA and DEC displacement in pixels.
func (m *Mount) Offset() (ra, dec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset[st4.RA], m.offset[st4.DEC]
}
