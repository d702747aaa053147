package geometry

import (
	"math"

	"github.com/soniakeys/unit"

	"github.com/cjeanneret/GoGuide/internal/hw/camera"
)

// Unknown marks a geometry field that has not been populated yet.
const Unknown = -1.0

// arcsecPerRadian converts a small angle in radians to arcseconds.
const arcsecPerRadian = 180 * 3600 / math.Pi

// Guider holds the optical geometry of the guide camera. Angle conversions
// are only defined once every field is known.
type Guider struct {
	PixelX      float64 // µm
	PixelY      float64 // µm
	FocalLength float64 // mm
	Aperture    float64 // mm
}

// NewGuider returns a geometry with every field unknown.
func NewGuider() Guider {
	return Guider{PixelX: Unknown, PixelY: Unknown, FocalLength: Unknown, Aperture: Unknown}
}

// Valid reports whether all four fields are known.
func (g Guider) Valid() bool {
	return g.PixelX > 0 && g.PixelY > 0 && g.FocalLength > 0 && g.Aperture > 0
}

// WithSensor sets the pixel size from sensor metadata.
func (g Guider) WithSensor(info camera.SensorInfo) Guider {
	g.PixelX = Known(info.PixelX)
	g.PixelY = Known(info.PixelY)
	return g
}

// WithOptics sets focal length and aperture.
func (g Guider) WithOptics(focalLength, aperture float64) Guider {
	g.FocalLength = Known(focalLength)
	g.Aperture = Known(aperture)
	return g
}

// Known maps non-positive values to Unknown.
func Known(v float64) float64 {
	if v > 0 {
		return v
	}
	return Unknown
}

// Fallback returns the guider-specific value when set, else the telescope's,
// else Unknown.
func Fallback(guider, telescope float64) float64 {
	if guider > 0 {
		return guider
	}
	return Known(telescope)
}

// PixelScale returns the sky angle covered by one pixel on each axis.
// Formula: scale = pixel_size / focal_length (radians, small angle)
func (g Guider) PixelScale() (x, y unit.Angle, ok bool) {
	if !g.Valid() {
		return 0, 0, false
	}
	x = unit.Angle(g.PixelX / 1000 / g.FocalLength)
	y = unit.Angle(g.PixelY / 1000 / g.FocalLength)
	return x, y, true
}

// FOV returns the field of view of a width x height pixel frame.
// Formula: FOV = 2 × arctan(sensor_size / (2 × focal_length))
func (g Guider) FOV(width, height int) (w, h unit.Angle, ok bool) {
	if !g.Valid() {
		return 0, 0, false
	}
	sw := float64(width) * g.PixelX / 1000
	sh := float64(height) * g.PixelY / 1000
	w = unit.Angle(2 * math.Atan(sw/(2*g.FocalLength)))
	h = unit.Angle(2 * math.Atan(sh/(2*g.FocalLength)))
	return w, h, true
}

// FocalRatio returns focal length over aperture.
func (g Guider) FocalRatio() (float64, bool) {
	if !g.Valid() {
		return 0, false
	}
	return g.FocalLength / g.Aperture, true
}

// ToArcsec converts a pixel displacement to arcseconds on each axis.
func (g Guider) ToArcsec(dx, dy float64) (ax, ay float64, ok bool) {
	sx, sy, ok := g.PixelScale()
	if !ok {
		return 0, 0, false
	}
	return dx * sx.Sec(), dy * sy.Sec(), true
}

// FromArcsec converts arcseconds to pixels on the X axis.
func (g Guider) FromArcsec(arcsec float64) (float64, bool) {
	sx, _, ok := g.PixelScale()
	if !ok {
		return 0, false
	}
	return arcsec / sx.Sec(), true
}
