package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/reactor"
)

var (
	// ErrDisconnected is returned by a capture on a disconnected camera.
	ErrDisconnected = errors.New("sim: camera disconnected")
	// ErrBusy is returned when a chip is already exposing.
	ErrBusy = errors.New("sim: exposure in progress")
)

// Capture records an exposure request.
type Capture struct {
	Chip     camera.ChipKind
	Type     camera.FrameType
	Mode     camera.CaptureMode
	Exposure time.Duration
	Region   camera.Region
}

// CameraConfig selects the optional capabilities of the simulated camera.
type CameraConfig struct {
	Name       string
	PixelUm    float64
	GuideHead  bool
	RapidGuide bool
}

// Camera renders the Sky. Frames are delivered through the loop once the
// exposure has elapsed.
type Camera struct {
	cfg  CameraConfig
	sky  *Sky
	loop reactor.Loop

	mu          sync.Mutex
	connected   bool
	handler     func(camera.Frame)
	starHandler func(camera.StarData)
	chips       map[camera.ChipKind]*Chip
	captures    []Capture
}

// NewCamera creates a connected simulated camera.
func NewCamera(cfg CameraConfig, sky *Sky, loop reactor.Loop) *Camera {
	if cfg.Name == "" {
		cfg.Name = "Simulated Camera"
	}
	if cfg.PixelUm <= 0 {
		cfg.PixelUm = 5.2
	}
	c := &Camera{cfg: cfg, sky: sky, loop: loop, connected: true, chips: make(map[camera.ChipKind]*Chip)}
	c.chips[camera.PrimaryChip] = c.newChip(camera.PrimaryChip)
	if cfg.GuideHead {
		c.chips[camera.GuideChip] = c.newChip(camera.GuideChip)
	}
	return c
}

func (c *Camera) newChip(kind camera.ChipKind) *Chip {
	w, h := c.sky.Size()
	return &Chip{cam: c, kind: kind, region: camera.Region{W: w, H: h}}
}

func (c *Camera) Name() string { return c.cfg.Name }

func (c *Camera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected simulates a cable pull or reconnect.
func (c *Camera) SetConnected(on bool) {
	c.mu.Lock()
	c.connected = on
	c.mu.Unlock()
}

func (c *Camera) Chip(kind camera.ChipKind) (camera.Chip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chips[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", camera.ErrNoChip, kind)
	}
	return ch, nil
}

func (c *Camera) SetFrameHandler(fn func(camera.Frame)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// HasGuideHead reports whether the camera was built with a guide sensor.
func (c *Camera) HasGuideHead() bool { return c.cfg.GuideHead }

// Captures returns every exposure requested so far.
func (c *Camera) Captures() []Capture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Capture(nil), c.captures...)
}

// RapidCamera is a simulated camera with device-side centroiding.
type RapidCamera struct {
	*Camera
}

// NewRapidCamera creates a camera that also implements camera.RapidGuider.
func NewRapidCamera(cfg CameraConfig, sky *Sky, loop reactor.Loop) *RapidCamera {
	cfg.RapidGuide = true
	return &RapidCamera{Camera: NewCamera(cfg, sky, loop)}
}

func (c *RapidCamera) SetRapidGuide(kind camera.ChipKind, enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chips[kind]
	if !ok {
		return fmt.Errorf("%w: %s", camera.ErrNoChip, kind)
	}
	ch.rapid = enable
	return nil
}

func (c *RapidCamera) SetStarHandler(fn func(camera.StarData)) {
	c.mu.Lock()
	c.starHandler = fn
	c.mu.Unlock()
}

// Chip is a simulated sensor.
type Chip struct {
	cam  *Camera
	kind camera.ChipKind

	// guarded by cam.mu
	region camera.Region
	busy   bool
	rapid  bool
}

func (ch *Chip) SensorInfo() (camera.SensorInfo, error) {
	w, h := ch.cam.sky.Size()
	return camera.SensorInfo{PixelX: ch.cam.cfg.PixelUm, PixelY: ch.cam.cfg.PixelUm, Width: w, Height: h}, nil
}

func (ch *Chip) Frame() (camera.Region, error) {
	ch.cam.mu.Lock()
	defer ch.cam.mu.Unlock()
	return ch.region, nil
}

func (ch *Chip) SetFrame(r camera.Region) error {
	w, h := ch.cam.sky.Size()
	if r.Empty() || r.X < 0 || r.Y < 0 || r.X+r.W > w || r.Y+r.H > h {
		return fmt.Errorf("sim: region %s outside %dx%d sensor", r, w, h)
	}
	ch.cam.mu.Lock()
	ch.region = r
	ch.cam.mu.Unlock()
	return nil
}

func (ch *Chip) ResetFrame() error {
	w, h := ch.cam.sky.Size()
	ch.cam.mu.Lock()
	ch.region = camera.Region{W: w, H: h}
	ch.cam.mu.Unlock()
	return nil
}

// Capture schedules the frame delivery after exposure.
func (ch *Chip) Capture(exposure time.Duration, t camera.FrameType, mode camera.CaptureMode) error {
	c := ch.cam
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if ch.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	ch.busy = true
	region := ch.region
	c.captures = append(c.captures, Capture{Chip: ch.kind, Type: t, Mode: mode, Exposure: exposure, Region: region})
	c.mu.Unlock()

	debug.Trace("sim %s: %s %s exposure %v on %s", c.cfg.Name, t, mode, exposure, region)
	c.loop.AfterFunc(exposure, func() { ch.deliver(exposure, t, mode, region) })
	return nil
}

func (ch *Chip) deliver(exposure time.Duration, t camera.FrameType, mode camera.CaptureMode, region camera.Region) {
	c := ch.cam
	if t == camera.Light {
		c.sky.Advance(exposure)
	}

	c.mu.Lock()
	ch.busy = false
	connected := c.connected
	rapid := ch.rapid && t == camera.Light
	handler, starHandler := c.handler, c.starHandler
	c.mu.Unlock()

	if !connected {
		return
	}
	if rapid && starHandler != nil {
		starHandler(ch.measure(region))
		return
	}
	if handler == nil {
		return
	}
	handler(camera.Frame{
		Chip:     ch.kind,
		Type:     t,
		Mode:     mode,
		Region:   region,
		Width:    region.W,
		Height:   region.H,
		Pixels:   c.sky.Render(region, exposure, t),
		Exposure: exposure,
	})
}

// measure reports the star position within region, or the lost sentinel
// when the star left it.
func (ch *Chip) measure(region camera.Region) camera.StarData {
	x, y := ch.cam.sky.Star()
	if x < float64(region.X) || y < float64(region.Y) ||
		x >= float64(region.X+region.W) || y >= float64(region.Y+region.H) {
		return camera.StarData{DX: -1, DY: -1, Fit: -1}
	}
	return camera.StarData{DX: x - float64(region.X), DY: y - float64(region.Y), Fit: 1}
}
