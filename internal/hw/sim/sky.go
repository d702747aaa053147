// Package sim provides simulated guide hardware: a drifting star field, a
// camera that renders it, and pulse actuators that move it.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cjeanneret/GoGuide/internal/hw/camera"
)

// SkyConfig describes the simulated guide star and sensor noise.
type SkyConfig struct {
	Width, Height  int
	StarX, StarY   float64 // initial star position (px)
	DriftX, DriftY float64 // periodic error stand-in (px/s)
	Flux           float64 // star peak above background (ADU)
	Sigma          float64 // star PSF sigma (px)
	Background     float64 // sky level (ADU)
	Noise          float64 // read noise sigma (ADU)
	DarkCurrent    float64 // ADU per second of exposure
	HotPixels      int
	Seed           int64
}

// DefaultSkyConfig returns a bright star in the middle of a 640x480 sensor.
func DefaultSkyConfig() SkyConfig {
	return SkyConfig{
		Width: 640, Height: 480,
		StarX: 320, StarY: 240,
		Flux: 12000, Sigma: 1.6,
		Background: 400, Noise: 8, DarkCurrent: 20,
		HotPixels: 12, Seed: 1,
	}
}

// Sky is the state shared by the simulated devices.
type Sky struct {
	mu   sync.Mutex
	cfg  SkyConfig
	x, y float64
	rng  *rand.Rand
	hot  []int
}

// NewSky creates a sky from cfg. Zero-valued fields take their defaults.
func NewSky(cfg SkyConfig) *Sky {
	def := DefaultSkyConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.StarX == 0 && cfg.StarY == 0 {
		cfg.StarX, cfg.StarY = float64(cfg.Width)/2, float64(cfg.Height)/2
	}
	if cfg.Flux <= 0 {
		cfg.Flux = def.Flux
	}
	if cfg.Sigma <= 0 {
		cfg.Sigma = def.Sigma
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	hot := make([]int, cfg.HotPixels)
	for i := range hot {
		hot[i] = rng.Intn(cfg.Width * cfg.Height)
	}
	return &Sky{cfg: cfg, x: cfg.StarX, y: cfg.StarY, rng: rng, hot: hot}
}

// Star returns the current star position in sensor pixels.
func (s *Sky) Star() (x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

// Nudge moves the star by (dx, dy) pixels.
func (s *Sky) Nudge(dx, dy float64) {
	s.mu.Lock()
	s.x += dx
	s.y += dy
	s.mu.Unlock()
}

// Advance applies drift for d.
func (s *Sky) Advance(d time.Duration) {
	sec := d.Seconds()
	s.Nudge(s.cfg.DriftX*sec, s.cfg.DriftY*sec)
}

// Size returns the sensor size.
func (s *Sky) Size() (w, h int) {
	return s.cfg.Width, s.cfg.Height
}

// Render produces the pixels of region for an exposure. Dark frames contain
// bias, dark current, hot pixels and noise but no sky.
func (s *Sky) Render(r camera.Region, exposure time.Duration, t camera.FrameType) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	dark := s.cfg.DarkCurrent * exposure.Seconds()
	px := make([]uint16, r.W*r.H)
	twoSigma2 := 2 * s.cfg.Sigma * s.cfg.Sigma
	for j := 0; j < r.H; j++ {
		for i := 0; i < r.W; i++ {
			v := dark + s.rng.NormFloat64()*s.cfg.Noise
			if t == camera.Light {
				dx := float64(r.X+i) - s.x
				dy := float64(r.Y+j) - s.y
				v += s.cfg.Background + s.cfg.Flux*math.Exp(-(dx*dx+dy*dy)/twoSigma2)
			}
			px[j*r.W+i] = clampADU(v)
		}
	}
	for _, h := range s.hot {
		hx, hy := h%s.cfg.Width, h/s.cfg.Width
		if hx >= r.X && hx < r.X+r.W && hy >= r.Y && hy < r.Y+r.H {
			px[(hy-r.Y)*r.W+(hx-r.X)] = 60000
		}
	}
	return px
}

func clampADU(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
