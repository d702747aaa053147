package gmath

import (
	"errors"
	"math"

	"github.com/soniakeys/unit"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/logic/geometry"
)

// StarLost is the fit quality of a sample where no star was found.
const StarLost = -1.0

// ErrNoImage is returned by Process when there is nothing to analyze.
var ErrNoImage = errors.New("gmath: no image")

// Sample is one star measurement. X and Y are sensor coordinates; DX and DY
// the offset from the reticle.
type Sample struct {
	DX, DY float64
	Fit    float64
	X, Y   float64
}

// Lost reports whether the sample carries the star-lost marker.
func (s Sample) Lost() bool { return s.Fit == StarLost }

// LostSample is returned when the star could not be located.
var LostSample = Sample{DX: -1, DY: -1, Fit: StarLost, X: -1, Y: -1}

// thresholdSigma is how far above the background a pixel must be to count
// toward the centroid, in units of background noise.
const thresholdSigma = 3.0

// Engine holds the guider geometry, the current image and the reticle, and
// measures the star. It is not safe for concurrent use.
type Engine struct {
	geom          geometry.Guider
	width, height int

	img    *Image
	square int

	reticleX, reticleY float64
	angle              unit.Angle
	boxX, boxY         float64

	rapid          bool
	rapidX, rapidY float64
	rapidSet       bool

	onAxisDelta func(ra, dec float64)
}

// NewEngine returns an engine with unknown geometry and a 16 px box.
func NewEngine() *Engine {
	return &Engine{geom: geometry.NewGuider(), square: 16}
}

// SetGuiderParams sets the optical geometry. Non-positive values stay unknown.
func (e *Engine) SetGuiderParams(pixelX, pixelY, aperture, focalLength float64) {
	e.geom = geometry.Guider{
		PixelX:      geometry.Known(pixelX),
		PixelY:      geometry.Known(pixelY),
		FocalLength: geometry.Known(focalLength),
		Aperture:    geometry.Known(aperture),
	}
	debug.Verbose("gmath: guider params pixel %.2fx%.2fµm aperture %.0fmm focal %.0fmm valid=%v",
		pixelX, pixelY, aperture, focalLength, e.geom.Valid())
}

// Geometry returns a copy of the guider geometry.
func (e *Engine) Geometry() geometry.Guider { return e.geom }

// SetVideoParams sets the full sensor size.
func (e *Engine) SetVideoParams(width, height int) {
	e.width, e.height = width, height
}

// VideoParams returns the full sensor size.
func (e *Engine) VideoParams() (width, height int) { return e.width, e.height }

// SetImage sets the image to analyze. nil clears it.
func (e *Engine) SetImage(im *Image) { e.img = im }

// Image returns the current image.
func (e *Engine) Image() *Image { return e.img }

// SetSquareSize sets the search box edge in pixels.
func (e *Engine) SetSquareSize(n int) {
	if n < 4 {
		n = 4
	}
	e.square = n
}

// SquareSize returns the search box edge in pixels.
func (e *Engine) SquareSize() int { return e.square }

// SetReticle sets the lock position and angle, and centers the box on it.
func (e *Engine) SetReticle(x, y float64, angle unit.Angle) {
	e.reticleX, e.reticleY, e.angle = x, y, angle
	e.boxX, e.boxY = x, y
}

// Reticle returns the lock position and angle.
func (e *Engine) Reticle() (x, y float64, angle unit.Angle) {
	return e.reticleX, e.reticleY, e.angle
}

// SetSquarePosition moves the search box without touching the reticle.
func (e *Engine) SetSquarePosition(x, y float64) { e.boxX, e.boxY = x, y }

// SquarePosition returns the center of the search box.
func (e *Engine) SquarePosition() (x, y float64) { return e.boxX, e.boxY }

// SetRapidGuide switches between image analysis and device-side centroids.
func (e *Engine) SetRapidGuide(on bool) {
	e.rapid = on
	e.rapidSet = false
}

// RapidGuide reports whether device-side centroids are used.
func (e *Engine) RapidGuide() bool { return e.rapid }

// SetRapidStarData records the star position reported by the device.
func (e *Engine) SetRapidStarData(x, y float64) {
	e.rapidX, e.rapidY = x, y
	e.rapidSet = true
}

// SetAxisDeltaHandler registers fn to receive each RA/DEC deviation computed
// by AxisDelta.
func (e *Engine) SetAxisDeltaHandler(fn func(ra, dec float64)) { e.onAxisDelta = fn }

// Process measures the star. The box follows the star: after a successful
// measurement it is recentered on the centroid.
func (e *Engine) Process() (Sample, error) {
	if e.rapid {
		if !e.rapidSet {
			return Sample{}, ErrNoImage
		}
		return Sample{
			DX:  e.rapidX - e.reticleX,
			DY:  e.rapidY - e.reticleY,
			Fit: 1,
			X:   e.rapidX,
			Y:   e.rapidY,
		}, nil
	}
	if e.img == nil {
		return Sample{}, ErrNoImage
	}
	s, ok := Centroid(e.img, e.boxX, e.boxY, e.square)
	if !ok {
		debug.Verbose("gmath: no star in %dpx box at (%.1f, %.1f)", e.square, e.boxX, e.boxY)
		return LostSample, nil
	}
	s.DX = s.X - e.reticleX
	s.DY = s.Y - e.reticleY
	e.boxX, e.boxY = s.X, s.Y
	debug.Trace("gmath: star (%.2f, %.2f) d=(%.2f, %.2f) snr %.1f", s.X, s.Y, s.DX, s.DY, s.Fit)
	return s, nil
}

// Centroid measures the star in a square box of size n centered on (cx, cy)
// in sensor coordinates. The background is the median of the box border and
// pixels above background + 3σ contribute to an intensity weighted centroid.
// Fit is the peak signal to noise ratio.
func Centroid(im *Image, cx, cy float64, n int) (Sample, bool) {
	half := n / 2
	x0 := int(math.Round(cx)) - im.OriginX - half
	y0 := int(math.Round(cy)) - im.OriginY - half
	x1, y1 := x0+n, y0+n
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > im.Width {
		x1 = im.Width
	}
	if y1 > im.Height {
		y1 = im.Height
	}
	if x1-x0 < 3 || y1-y0 < 3 {
		return Sample{}, false
	}

	border := make([]float64, 0, 2*(x1-x0+y1-y0))
	for x := x0; x < x1; x++ {
		border = append(border, im.At(x, y0), im.At(x, y1-1))
	}
	for y := y0 + 1; y < y1-1; y++ {
		border = append(border, im.At(x0, y), im.At(x1-1, y))
	}
	bg := median(border)
	dev := make([]float64, len(border))
	for i, v := range border {
		dev[i] = math.Abs(v - bg)
	}
	noise := 1.4826 * median(dev)
	if noise < 1 {
		noise = 1
	}
	threshold := bg + thresholdSigma*noise

	var sum, sx, sy, peak float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			v := im.At(x, y)
			if v <= threshold {
				continue
			}
			w := v - bg
			sum += w
			sx += w * float64(x)
			sy += w * float64(y)
			if w > peak {
				peak = w
			}
		}
	}
	if sum == 0 {
		return Sample{}, false
	}
	return Sample{
		X:   sx/sum + float64(im.OriginX),
		Y:   sy/sum + float64(im.OriginY),
		Fit: peak / noise,
	}, true
}

// FindStar returns the brightest star of the current image in sensor
// coordinates. Pixels are scored by their 3x3 median so that isolated hot
// pixels never win. The result is refined with Centroid.
func (e *Engine) FindStar() (x, y float64, ok bool) {
	im := e.img
	if im == nil || im.Width < 3 || im.Height < 3 {
		return 0, 0, false
	}
	margin := e.square / 2
	if margin < 1 {
		margin = 1
	}
	bx, by, best := -1, -1, math.Inf(-1)
	var n [9]float64
	for j := margin; j < im.Height-margin; j++ {
		for i := margin; i < im.Width-margin; i++ {
			im.neighborhood(i, j, &n)
			if s := median3(&n); s > best {
				bx, by, best = i, j, s
			}
		}
	}
	if bx < 0 {
		return 0, 0, false
	}
	s, ok := Centroid(im, float64(bx+im.OriginX), float64(by+im.OriginY), e.square)
	if !ok {
		return 0, 0, false
	}
	return s.X, s.Y, true
}

// AxisDelta rotates a pixel offset into the RA/DEC frame and converts it to
// arcseconds. It reports ok=false while the geometry is incomplete, and
// forwards the result to the axis-delta handler otherwise.
func (e *Engine) AxisDelta(s Sample, angle unit.Angle) (ra, dec float64, ok bool) {
	ax, ay, ok := e.geom.ToArcsec(s.DX, s.DY)
	if !ok {
		return 0, 0, false
	}
	ra, dec = Rotate(ax, ay, angle)
	if e.onAxisDelta != nil {
		e.onAxisDelta(ra, dec)
	}
	return ra, dec, true
}

// Rotate projects a sensor-frame vector onto axes rotated by angle: the first
// result is along the rotated X axis (RA), the second along the rotated Y
// axis (DEC).
func Rotate(x, y float64, angle unit.Angle) (ra, dec float64) {
	sin, cos := math.Sincos(angle.Rad())
	return x*cos + y*sin, -x*sin + y*cos
}
