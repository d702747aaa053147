// Package calibration learns how guide pulses move the star on the sensor:
// the rotation of the RA/DEC axes and the pulse gain of each axis.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/soniakeys/unit"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
)

var (
	// ErrInProgress is returned by Start while a calibration runs.
	ErrInProgress = errors.New("calibration: already in progress")
	// ErrNotCalibrating is returned when a sample arrives outside a calibration.
	ErrNotCalibrating = errors.New("calibration: not calibrating")
	// ErrNotWaiting is returned by Continue when no confirmation is pending.
	ErrNotWaiting = errors.New("calibration: not waiting for confirmation")
	// ErrFailed wraps the reason a calibration failed.
	ErrFailed = errors.New("calibration failed")
)

// Stage is the calibration state.
type Stage int

const (
	Idle Stage = iota
	CaptureImage
	ProbeRA
	ProbeDEC
	Complete
	Failed
	Aborted
)

func (s Stage) String() string {
	switch s {
	case CaptureImage:
		return "capture image"
	case ProbeRA:
		return "probe RA"
	case ProbeDEC:
		return "probe DEC"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "idle"
	}
}

// Terminal reports whether no further transition can happen without a new Start.
func (s Stage) Terminal() bool {
	return s == Complete || s == Failed || s == Aborted
}

// Active reports whether a calibration is running.
func (s Stage) Active() bool {
	return s == CaptureImage || s == ProbeRA || s == ProbeDEC
}

// Options drive the probing protocol.
type Options struct {
	PulseMs    int     // first probe pulse; step k pulses for PulseMs*k
	MaxSteps   int     // probe pulses per axis
	MinTravel  float64 // px, stop probing an axis once reached
	NoiseFloor float64 // px, an axis that moved less than this fails
	AutoStar   bool    // no confirmation between phases
	BoxSize    int     // search box while calibrating
	DarkFrame  bool    // subtract a dark while calibrating
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{PulseMs: 1000, MaxSteps: 5, MinTravel: 15, NoiseFloor: 2, AutoStar: true, BoxSize: 32}
}

// Params is the calibration result.
type Params struct {
	Angle   unit.Angle // RA axis (West pulses) from the sensor X axis
	RAGain  float64    // px/ms
	DECGain float64    // px/ms
	DECSign float64    // +1 when North is 90° counter-clockwise from West, -1 when mirrored
}

// Valid reports whether the params can drive guiding.
func (p Params) Valid() bool {
	return p.RAGain > 0 && p.DECGain > 0 && (p.DECSign == 1 || p.DECSign == -1)
}

// Command is a pulse requested by the calibration.
type Command struct {
	Dir st4.Direction
	Ms  int
}

// Active reports whether the command asks for a pulse.
func (c Command) Active() bool { return c.Dir != st4.None && c.Ms > 0 }

type point struct {
	ms, travel float64
}

// Controller runs the calibration state machine. It is driven by samples
// measured after each pulse and answers with the next pulse to issue.
type Controller struct {
	opts  Options
	stage Stage

	waiting   bool
	returning bool
	failure   error

	startX, startY float64
	lastX, lastY   float64
	step           int
	cumMs          int
	points         []point

	raX, raY   float64
	raGain     float64
	decX, decY float64
	decGain    float64

	params Params
}

// New creates an idle controller.
func New(opts Options) *Controller {
	c := &Controller{}
	c.SetOptions(opts)
	return c
}

// SetOptions replaces the options. Missing values take defaults.
func (c *Controller) SetOptions(opts Options) {
	def := DefaultOptions()
	if opts.PulseMs <= 0 {
		opts.PulseMs = def.PulseMs
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = def.MaxSteps
	}
	if opts.MinTravel <= 0 {
		opts.MinTravel = def.MinTravel
	}
	if opts.NoiseFloor <= 0 || opts.NoiseFloor >= opts.MinTravel {
		opts.NoiseFloor = math.Min(def.NoiseFloor, opts.MinTravel/2)
	}
	if opts.BoxSize <= 0 {
		opts.BoxSize = def.BoxSize
	}
	c.opts = opts
}

// Options returns the current options.
func (c *Controller) Options() Options { return c.opts }

// Stage returns the current stage.
func (c *Controller) Stage() Stage { return c.stage }

// IsCalibrating reports whether a calibration runs.
func (c *Controller) IsCalibrating() bool { return c.stage.Active() }

// IsComplete reports whether the last calibration succeeded.
func (c *Controller) IsComplete() bool { return c.stage == Complete }

// Waiting reports whether the controller waits for Continue.
func (c *Controller) Waiting() bool { return c.waiting }

// Err returns why the last calibration failed.
func (c *Controller) Err() error { return c.failure }

// Params returns the last successful result.
func (c *Controller) Params() (Params, bool) {
	return c.params, c.stage == Complete
}

// Start begins a new calibration; the next sample is the reference image.
func (c *Controller) Start() error {
	if c.stage.Active() {
		return ErrInProgress
	}
	*c = Controller{opts: c.opts, stage: CaptureImage}
	debug.Section("Calibration")
	debug.Info("Calibration started: pulse %d ms, up to %d steps per axis", c.opts.PulseMs, c.opts.MaxSteps)
	return nil
}

// Abort stops the calibration. It returns false when none was running.
func (c *Controller) Abort() bool {
	if !c.stage.Active() {
		return false
	}
	c.stage = Aborted
	c.waiting = false
	c.returning = false
	debug.Info("Calibration aborted")
	return true
}

// Continue resumes a manual calibration paused after the reference image or
// between the two axes, and returns the first pulse of the next phase.
func (c *Controller) Continue() (Command, error) {
	if !c.waiting {
		return Command{}, ErrNotWaiting
	}
	c.waiting = false
	if c.stage == CaptureImage {
		return c.beginPhase(ProbeRA), nil
	}
	return c.beginPhase(ProbeDEC), nil
}

// Process consumes the sample measured after the last command and returns
// the next one. A zero Command means no pulse is needed (for instance while
// waiting for Continue or once the calibration completed).
func (c *Controller) Process(s gmath.Sample) (Command, error) {
	if !c.stage.Active() {
		return Command{}, ErrNotCalibrating
	}
	if c.waiting {
		return Command{}, nil
	}
	if s.Lost() {
		return Command{}, c.fail("star lost during %s", c.stage)
	}

	if c.stage == CaptureImage {
		c.startX, c.startY = s.X, s.Y
		debug.Verbose("Calibration reference star at (%.2f, %.2f)", s.X, s.Y)
		if !c.opts.AutoStar {
			c.waiting = true
			return Command{}, nil
		}
		return c.beginPhase(ProbeRA), nil
	}

	c.lastX, c.lastY = s.X, s.Y
	if c.returning {
		return c.afterReturn(), nil
	}
	return c.probe()
}

func (c *Controller) beginPhase(stage Stage) Command {
	c.stage = stage
	if stage == ProbeDEC {
		// DEC starts wherever the RA return pulse left the star.
		c.startX, c.startY = c.lastX, c.lastY
	}
	c.step = 1
	c.cumMs = c.opts.PulseMs
	c.points = c.points[:0]
	c.returning = false
	debug.Step(int(stage-CaptureImage), "Probing "+stage.String())
	return Command{Dir: c.probeDir(), Ms: c.opts.PulseMs}
}

func (c *Controller) probeDir() st4.Direction {
	if c.stage == ProbeDEC {
		return st4.North
	}
	return st4.West
}

func (c *Controller) probe() (Command, error) {
	dx, dy := c.lastX-c.startX, c.lastY-c.startY
	travel := math.Hypot(dx, dy)
	c.points = append(c.points, point{ms: float64(c.cumMs), travel: travel})
	debug.Verbose("Calibration %s step %d: %d ms -> %.2f px", c.stage, c.step, c.cumMs, travel)

	if travel < c.opts.MinTravel && c.step < c.opts.MaxSteps {
		c.step++
		ms := c.opts.PulseMs * c.step
		c.cumMs += ms
		return Command{Dir: c.probeDir(), Ms: ms}, nil
	}
	if travel < c.opts.NoiseFloor {
		return Command{}, c.fail("%s moved %.2f px after %d ms, below the %.2f px noise floor",
			c.stage, travel, c.cumMs, c.opts.NoiseFloor)
	}

	gain := fitGain(c.points)
	if gain <= 0 {
		return Command{}, c.fail("%s gain could not be measured", c.stage)
	}
	if c.stage == ProbeRA {
		c.raX, c.raY, c.raGain = dx/travel, dy/travel, gain
	} else {
		c.decX, c.decY, c.decGain = dx/travel, dy/travel, gain
	}
	debug.Verbose("Calibration %s gain %.5f px/ms, returning %d ms", c.stage, gain, c.cumMs)
	c.returning = true
	return Command{Dir: c.probeDir().Opposite(), Ms: c.cumMs}, nil
}

func (c *Controller) afterReturn() Command {
	c.returning = false
	if c.stage == ProbeRA {
		if !c.opts.AutoStar {
			c.stage = ProbeDEC
			c.waiting = true
			return Command{}
		}
		c.stage = ProbeDEC
		return c.beginPhase(ProbeDEC)
	}

	sign := 1.0
	if c.raX*c.decY-c.raY*c.decX < 0 {
		sign = -1
	}
	c.params = Params{
		Angle:   unit.Angle(math.Atan2(c.raY, c.raX)),
		RAGain:  c.raGain,
		DECGain: c.decGain,
		DECSign: sign,
	}
	c.stage = Complete
	debug.Calibration(c.params.Angle.Deg(), c.params.RAGain, c.params.DECGain)
	return Command{}
}

func (c *Controller) fail(format string, args ...interface{}) error {
	c.stage = Failed
	c.waiting = false
	c.returning = false
	c.failure = fmt.Errorf("%w: %s", ErrFailed, fmt.Sprintf(format, args...))
	debug.Error(c.failure)
	return c.failure
}

// fitGain is the least-squares slope through the origin of travel against
// cumulative pulse time.
func fitGain(points []point) float64 {
	var sxy, sxx float64
	for _, p := range points {
		sxy += p.ms * p.travel
		sxx += p.ms * p.ms
	}
	if sxx == 0 {
		return 0
	}
	return sxy / sxx
}
