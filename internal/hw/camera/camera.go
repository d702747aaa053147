// Package camera defines the imaging device contract used by the guide
// session. Concrete sensor drivers live outside this module; the simulator in
// internal/hw/sim implements it for development and tests.
package camera

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoChip is returned when a camera has no sensor of the requested kind.
var ErrNoChip = errors.New("camera: no such chip")

// ChipKind selects a sensor on a camera.
type ChipKind int

const (
	PrimaryChip ChipKind = iota
	GuideChip
)

func (k ChipKind) String() string {
	if k == GuideChip {
		return "guide"
	}
	return "primary"
}

// FrameType tells light frames from dark frames.
type FrameType int

const (
	Light FrameType = iota
	Dark
)

func (t FrameType) String() string {
	if t == Dark {
		return "dark"
	}
	return "light"
}

// CaptureMode records why a frame was taken.
type CaptureMode int

const (
	GuideMode CaptureMode = iota
	CalibrateMode
)

func (m CaptureMode) String() string {
	if m == CalibrateMode {
		return "calibrate"
	}
	return "guide"
}

// Region is a capture window in sensor pixels.
type Region struct {
	X, Y, W, H int
}

// Empty reports whether the region covers no pixels.
func (r Region) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d@(%d,%d)", r.W, r.H, r.X, r.Y)
}

// SensorInfo is the metadata a chip reports about itself.
type SensorInfo struct {
	PixelX float64 // µm
	PixelY float64 // µm
	Width  int
	Height int
}

// Frame is a captured image delivered through the camera's frame handler.
type Frame struct {
	Chip     ChipKind
	Type     FrameType
	Mode     CaptureMode
	Region   Region
	Width    int
	Height   int
	Pixels   []uint16 // row-major, Width*Height
	Exposure time.Duration
}

// Valid reports whether the frame carries a full pixel buffer.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Pixels) == f.Width*f.Height
}

// At returns the pixel at (x, y) in frame coordinates.
func (f Frame) At(x, y int) uint16 {
	return f.Pixels[y*f.Width+x]
}

// Chip is one sensor of a camera.
type Chip interface {
	SensorInfo() (SensorInfo, error)
	// Capture starts an exposure and returns immediately. The frame is
	// delivered later through the camera's frame handler.
	Capture(exposure time.Duration, t FrameType, mode CaptureMode) error
	Frame() (Region, error)
	SetFrame(r Region) error
	ResetFrame() error
}

// Camera is the imaging device bound to a guide session.
type Camera interface {
	Name() string
	Connected() bool
	Chip(kind ChipKind) (Chip, error)
	SetFrameHandler(fn func(Frame))
}

// GuideHead is implemented by cameras with a secondary guide sensor.
type GuideHead interface {
	HasGuideHead() bool
}

// StarData is the star position reported by device-side centroiding, in
// frame pixels, with a fit quality.
type StarData struct {
	DX, DY, Fit float64
}

// Lost reports whether the device signalled a lost star (-1, -1, -1).
func (s StarData) Lost() bool {
	return s.DX == -1 && s.DY == -1 && s.Fit == -1
}

// RapidGuider is implemented by cameras that centroid on the device.
type RapidGuider interface {
	SetRapidGuide(kind ChipKind, enable bool) error
	SetStarHandler(fn func(StarData))
}

// Capabilities are the optional features of a camera, queried once at bind time.
type Capabilities struct {
	GuideHead  bool
	RapidGuide bool
}

// Probe queries the optional interfaces of cam.
func Probe(cam Camera) Capabilities {
	var caps Capabilities
	if gh, ok := cam.(GuideHead); ok {
		caps.GuideHead = gh.HasGuideHead()
	}
	if _, ok := cam.(RapidGuider); ok {
		caps.RapidGuide = true
	}
	return caps
}
