// Package guider is the steady-state guiding loop: it turns the star offset
// into timed corrections using the calibration result, and runs dithers.
package guider

import (
	"errors"
	"math"
	"math/rand"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/logic/calibration"
	"github.com/cjeanneret/GoGuide/internal/logic/geometry"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
)

var (
	ErrNotCalibrated    = errors.New("guider: calibration not complete")
	ErrNotGuiding       = errors.New("guider: not guiding")
	ErrStarLost         = errors.New("guider: guide star lost")
	ErrGeometryUnknown  = errors.New("guider: guider geometry incomplete")
	ErrUnknownAlgorithm = errors.New("guider: unknown algorithm")
	ErrDitherDisabled   = errors.New("guider: dithering disabled")
	ErrDitherFailed     = errors.New("guider: dither did not settle")
)

// Options are the guiding settings.
type Options struct {
	Algorithm           string
	Aggressiveness      float64
	Hysteresis          float64
	MinMove             float64 // px, smaller corrections are dropped
	MaxPulseMs          int
	BoxSize             int
	SubFrame            bool
	RapidGuide          bool
	DECSwap             bool    // reverse DEC corrections (after a meridian flip)
	AOLimit             float64 // arcsec, deviations inside use the AO
	Dither              bool
	DitherAmplitude     float64 // px
	DitherTolerance     float64 // px
	DitherMaxIterations int
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Algorithm:           "proportional",
		Aggressiveness:      0.7,
		Hysteresis:          0.1,
		MinMove:             0.15,
		MaxPulseMs:          2500,
		BoxSize:             32,
		AOLimit:             2,
		Dither:              true,
		DitherAmplitude:     3,
		DitherTolerance:     0.5,
		DitherMaxIterations: 10,
	}
}

// Correction is the pulse computed for one frame. Errors are in pixels along
// the calibrated RA/DEC axes.
type Correction struct {
	RADir    st4.Direction
	RAMs     int
	DECDir   st4.Direction
	DECMs    int
	RAError  float64
	DECError float64
}

// Active reports whether any axis needs a pulse.
func (c Correction) Active() bool {
	return (c.RADir != st4.None && c.RAMs > 0) || (c.DECDir != st4.None && c.DECMs > 0)
}

// Controller runs guiding and dithering. It is not safe for concurrent use.
type Controller struct {
	opts   Options
	ra     Algorithm
	dec    Algorithm
	params calibration.Params

	guiding   bool
	dithering bool
	ready     bool

	lockX, lockY float64
	ditherIter   int
	rng          *rand.Rand
}

// New creates an idle controller.
func New(opts Options) (*Controller, error) {
	c := &Controller{rng: rand.New(rand.NewSource(1))}
	if err := c.SetOptions(opts); err != nil {
		return nil, err
	}
	return c, nil
}

// SetRand replaces the dither random source.
func (c *Controller) SetRand(r *rand.Rand) { c.rng = r }

// SetOptions replaces the options. Changing the algorithm resets its state.
func (c *Controller) SetOptions(opts Options) error {
	def := DefaultOptions()
	if opts.Algorithm == "" {
		opts.Algorithm = def.Algorithm
	}
	if opts.MaxPulseMs <= 0 {
		opts.MaxPulseMs = def.MaxPulseMs
	}
	if opts.BoxSize <= 0 {
		opts.BoxSize = def.BoxSize
	}
	if opts.DitherTolerance <= 0 {
		opts.DitherTolerance = def.DitherTolerance
	}
	if opts.DitherMaxIterations <= 0 {
		opts.DitherMaxIterations = def.DitherMaxIterations
	}
	if c.ra == nil || opts.Algorithm != c.opts.Algorithm ||
		opts.Aggressiveness != c.opts.Aggressiveness || opts.Hysteresis != c.opts.Hysteresis {
		ao := AlgorithmOptions{Aggressiveness: opts.Aggressiveness, Hysteresis: opts.Hysteresis}
		ra, err := NewAlgorithm(opts.Algorithm, ao)
		if err != nil {
			return err
		}
		dec, _ := NewAlgorithm(opts.Algorithm, ao)
		c.ra, c.dec = ra, dec
	}
	c.opts = opts
	return nil
}

// Options returns the current options.
func (c *Controller) Options() Options { return c.opts }

// SetReady records whether the guiding surface is enabled.
func (c *Controller) SetReady(ready bool) { c.ready = ready }

// Ready reports whether guiding may be started.
func (c *Controller) Ready() bool { return c.ready }

// Start begins guiding with the given calibration.
func (c *Controller) Start(params calibration.Params, geom geometry.Guider) error {
	if !params.Valid() {
		return ErrNotCalibrated
	}
	if !geom.Valid() {
		debug.Info("Guider geometry incomplete: corrections are suppressed until it is known")
	}
	c.params = params
	c.guiding = true
	c.dithering = false
	c.lockX, c.lockY = 0, 0
	c.ra.Reset()
	c.dec.Reset()
	debug.Info("Guiding started (%s)", c.opts.Algorithm)
	return nil
}

// Abort stops guiding and dithering. Safe from any state.
func (c *Controller) Abort() bool {
	was := c.guiding
	c.guiding = false
	c.dithering = false
	c.lockX, c.lockY = 0, 0
	if was {
		debug.Info("Guiding stopped")
	}
	return was
}

// IsGuiding reports whether guiding runs.
func (c *Controller) IsGuiding() bool { return c.guiding }

// IsDithering reports whether a dither is settling.
func (c *Controller) IsDithering() bool { return c.dithering }

// LockOffset returns the dither offset applied to the reticle.
func (c *Controller) LockOffset() (x, y float64) { return c.lockX, c.lockY }

// Params returns the calibration in use.
func (c *Controller) Params() calibration.Params { return c.params }

// Guide computes the correction for one sample.
func (c *Controller) Guide(s gmath.Sample, geom geometry.Guider) (Correction, error) {
	if !c.guiding {
		return Correction{}, ErrNotGuiding
	}
	if s.Lost() {
		return Correction{}, ErrStarLost
	}
	if !geom.Valid() {
		return Correction{}, ErrGeometryUnknown
	}

	ra, dec := gmath.Rotate(s.DX-c.lockX, s.DY-c.lockY, c.params.Angle)
	dec *= c.params.DECSign

	corr := Correction{RAError: ra, DECError: dec}
	corr.RADir, corr.RAMs = c.axis(c.ra.Result(ra), c.params.RAGain, st4.East, st4.West)
	corr.DECDir, corr.DECMs = c.axis(c.dec.Result(dec), c.params.DECGain, st4.South, st4.North)
	corr.DECDir = st4.Swap(corr.DECDir, c.opts.DECSwap)
	if corr.Active() {
		debug.Live("Guide: RA %.2f px -> %s %d ms, DEC %.2f px -> %s %d ms",
			ra, corr.RADir, corr.RAMs, dec, corr.DECDir, corr.DECMs)
	}
	return corr, nil
}

// axis converts a move along an axis into a pulse. A positive move means the
// star sits on the side the positive pulse pushes it to, so it is corrected
// with the negative direction.
func (c *Controller) axis(move, gain float64, neg, pos st4.Direction) (st4.Direction, int) {
	if math.Abs(move) < c.opts.MinMove || gain <= 0 {
		return st4.None, 0
	}
	ms := int(math.Round(math.Abs(move) / gain))
	if ms > c.opts.MaxPulseMs {
		ms = c.opts.MaxPulseMs
	}
	if ms == 0 {
		return st4.None, 0
	}
	if move > 0 {
		return neg, ms
	}
	return pos, ms
}

// Dither moves the lock position to a random offset within the amplitude.
func (c *Controller) Dither() error {
	if !c.guiding {
		return ErrNotGuiding
	}
	if !c.opts.Dither {
		return ErrDitherDisabled
	}
	amp := c.opts.DitherAmplitude
	c.lockX = (c.rng.Float64()*2 - 1) * amp
	c.lockY = (c.rng.Float64()*2 - 1) * amp
	c.dithering = true
	c.ditherIter = 0
	debug.Info("Dithering to (%.2f, %.2f) px", c.lockX, c.lockY)
	return nil
}

// DitherStep corrects toward the dither offset. done is true once the star
// settled within tolerance; an error means the dither failed.
func (c *Controller) DitherStep(s gmath.Sample, geom geometry.Guider) (corr Correction, done bool, err error) {
	if !c.dithering {
		return Correction{}, false, ErrNotGuiding
	}
	if s.Lost() {
		c.dithering = false
		return Correction{}, false, ErrStarLost
	}
	c.ditherIter++
	if math.Hypot(s.DX-c.lockX, s.DY-c.lockY) < c.opts.DitherTolerance {
		c.dithering = false
		debug.Info("Dither settled after %d frames", c.ditherIter)
		return Correction{}, true, nil
	}
	if c.ditherIter > c.opts.DitherMaxIterations {
		c.dithering = false
		return Correction{}, false, ErrDitherFailed
	}
	corr, err = c.Guide(s, geom)
	if err != nil {
		c.dithering = false
		return Correction{}, false, err
	}
	return corr, false, nil
}

// SubframeRegion returns a capture window four boxes wide centered on the
// star, clamped to the full sensor.
func (c *Controller) SubframeRegion(x, y float64, full camera.Region) camera.Region {
	size := 4 * c.opts.BoxSize
	if size > full.W {
		size = full.W
	}
	if size > full.H {
		size = full.H
	}
	r := camera.Region{
		X: int(math.Round(x)) - size/2,
		Y: int(math.Round(y)) - size/2,
		W: size,
		H: size,
	}
	if r.X < full.X {
		r.X = full.X
	}
	if r.Y < full.Y {
		r.Y = full.Y
	}
	if r.X+r.W > full.X+full.W {
		r.X = full.X + full.W - r.W
	}
	if r.Y+r.H > full.Y+full.H {
		r.Y = full.Y + full.H - r.H
	}
	return r
}
