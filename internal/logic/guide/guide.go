// Package guide is the session orchestrator. It owns the device bindings and
// drives the capture, analyze and correct cycle for calibration and guiding.
package guide

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/GoGuide/internal/config"
	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/hw/mount"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/logic/calibration"
	"github.com/cjeanneret/GoGuide/internal/logic/geometry"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
	"github.com/cjeanneret/GoGuide/internal/logic/guider"
	"github.com/cjeanneret/GoGuide/internal/reactor"
)

var (
	ErrNoCamera           = errors.New("guide: no imaging device")
	ErrCameraDisconnected = errors.New("guide: imaging device disconnected")
	ErrNoRegion           = errors.New("guide: no capture region")
	ErrExposureInFlight   = errors.New("guide: exposure already in progress")
	ErrNoActuator         = errors.New("guide: no pulse actuator")
	ErrRapidUnsupported   = errors.New("guide: rapid guiding not supported by the camera")
	ErrUnknownDevice      = errors.New("guide: unknown device")
	ErrUnknownFilter      = errors.New("guide: unknown filter")
	ErrBusy               = errors.New("guide: session busy")
	ErrDarkFailed         = errors.New("guide: dark frame failed")
	ErrExposureTimeout    = errors.New("guide: no frame delivered")
)

// settleSlack is added to the longest calibration pulse before re-exposing.
const settleSlack = 100 * time.Millisecond

// exposureTimeout is how long past the exposure a frame may take to arrive
// before the cycle is given up.
const exposureTimeout = 5 * time.Second

// maxLogEntries bounds the log book.
const maxLogEntries = 500

// logTimeFormat stamps log book entries.
const logTimeFormat = "2006-01-02T15:04:05"

// State is the session state. Only the Guide changes it.
type State int

const (
	Idle State = iota
	Calibrating
	Guiding
	Dithering
	Suspended
)

func (s State) String() string {
	switch s {
	case Calibrating:
		return "calibrating"
	case Guiding:
		return "guiding"
	case Dithering:
		return "dithering"
	case Suspended:
		return "suspended"
	default:
		return "idle"
	}
}

// Settings persist the user's choices between runs. config.Store implements it.
type Settings interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Recorder receives guide metrics. A nil Recorder disables them.
type Recorder interface {
	Frame(t camera.FrameType)
	Pulse(actuator string, axis st4.Axis, ms int)
	Handoff(actuator string)
	Calibration(ok bool)
	Dither(ok bool)
	Deviation(ra, dec float64)
	State(name string)
}

// Options are the session settings.
type Options struct {
	Exposure    time.Duration
	DarkFrame   bool
	Filter      string
	Guide       guider.Options
	Calibration calibration.Options
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Exposure:    time.Second,
		Filter:      "none",
		Guide:       guider.DefaultOptions(),
		Calibration: calibration.DefaultOptions(),
	}
}

// OptionsFromConfig builds the session options from the configuration file.
func OptionsFromConfig(cfg *config.Config) Options {
	g := cfg.Guide
	c := cfg.Calibration
	return Options{
		Exposure:  cfg.Exposure(),
		DarkFrame: g.DarkFrame,
		Filter:    g.Filter,
		Guide: guider.Options{
			Algorithm:           g.Algorithm,
			Aggressiveness:      g.Aggressiveness,
			Hysteresis:          g.Hysteresis,
			MinMove:             g.MinMovePx,
			MaxPulseMs:          g.MaxPulseMs,
			BoxSize:             g.BoxSize,
			SubFrame:            g.SubFrame,
			RapidGuide:          g.RapidGuide,
			AOLimit:             cfg.AO.Limit,
			Dither:              g.Dither,
			DitherAmplitude:     g.DitherAmplitudePx,
			DitherTolerance:     g.DitherTolerancePx,
			DitherMaxIterations: g.DitherMaxIterations,
		},
		Calibration: calibration.Options{
			PulseMs:    c.PulseMs,
			MaxSteps:   c.MaxSteps,
			MinTravel:  c.MinTravelPx,
			NoiseFloor: c.NoiseFloorPx,
			AutoStar:   c.AutoStar,
			BoxSize:    c.BoxSize,
			DarkFrame:  c.DarkFrame,
		},
	}
}

// Guide is the session orchestrator. Public methods are safe for concurrent
// use; device callbacks are posted onto the loop.
type Guide struct {
	mu   sync.Mutex
	loop reactor.Loop
	now  func() time.Time

	settings Settings
	metrics  Recorder

	opts   Options
	engine *gmath.Engine
	cal    *calibration.Controller
	guider *guider.Controller

	cams      []camera.Camera
	cam       camera.Camera
	caps      camera.Capabilities
	guideHead bool
	tel       mount.Telescope
	st4s      []st4.Pulser
	st4       st4.Pulser
	ao        st4.Pulser
	active    st4.Pulser

	state     State
	suspended bool
	autoGuide bool

	exposing     bool
	shot         uint64
	watchdog     reactor.Task
	pending      reactor.Task
	gen          uint64
	dark         *gmath.Image
	darkExposure time.Duration
	darkGen      uint64

	lockPending bool
	rapidLocked bool
	subframed   bool
	devRA       float64
	devDEC      float64

	logText []string
	subs    []subscriber
	nextSub int
	outbox  []Event
}

// New creates an idle session. settings and metrics may be nil.
func New(loop reactor.Loop, opts Options, settings Settings, metrics Recorder) (*Guide, error) {
	gc, err := guider.New(opts.Guide)
	if err != nil {
		return nil, err
	}
	g := &Guide{
		loop:     loop,
		now:      time.Now,
		settings: settings,
		metrics:  metrics,
		engine:   gmath.NewEngine(),
		cal:      calibration.New(opts.Calibration),
		guider:   gc,
	}
	if opts.Exposure <= 0 {
		opts.Exposure = DefaultOptions().Exposure
	}
	if opts.Filter == "" {
		opts.Filter = "none"
	}
	opts.Guide = gc.Options()
	opts.Calibration = g.cal.Options()
	g.opts = opts
	g.loadSettings()
	g.engine.SetSquareSize(g.opts.Guide.BoxSize)
	g.engine.SetAxisDeltaHandler(g.axisDeltaLocked)
	return g, nil
}

// SetClock replaces the clock used to stamp the log book.
func (g *Guide) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Engine exposes the math engine, for star selection and inspection.
func (g *Guide) Engine() *gmath.Engine { return g.engine }

// unlock releases the session and delivers the events queued while it was held.
func (g *Guide) unlock() {
	events := g.outbox
	g.outbox = nil
	var subs []subscriber
	if len(events) > 0 {
		subs = append(subs, g.subs...)
	}
	g.mu.Unlock()
	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

func (g *Guide) setState(s State) {
	if g.state == s {
		return
	}
	debug.Verbose("Guide state: %s -> %s", g.state, s)
	g.state = s
	if g.metrics != nil {
		g.metrics.State(s.String())
	}
}

// loadSettings applies the persisted options over the configured ones.
func (g *Guide) loadSettings() {
	if g.settings == nil {
		return
	}
	if v, ok := g.settings.Get(config.KeyBoxSize); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			g.opts.Guide.BoxSize = n
		}
	}
	if v, ok := g.settings.Get(config.KeyAlgorithm); ok {
		if _, err := guider.NewAlgorithm(v, guider.AlgorithmOptions{}); err == nil {
			g.opts.Guide.Algorithm = v
		}
	}
	if v, ok := g.settings.Get(config.KeyDitherAmplitude); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			g.opts.Guide.DitherAmplitude = f
		}
	}
	if v, ok := g.settings.Get(config.KeyFilter); ok && validFilter(v) {
		g.opts.Filter = v
	}
	_ = g.guider.SetOptions(g.opts.Guide)
}

func (g *Guide) persist(key, value string) {
	if g.settings == nil {
		return
	}
	if err := g.settings.Set(key, value); err != nil {
		debug.Error(fmt.Errorf("persist %s: %w", key, err))
	}
}

// ---------- Bindings ----------

// BindImagingDevice registers cam. A primary device becomes the active one.
func (g *Guide) BindImagingDevice(cam camera.Camera, primary bool) {
	g.mu.Lock()
	defer g.unlock()
	for _, c := range g.cams {
		if c == cam {
			if primary {
				g.activateCamera(cam)
			}
			return
		}
	}
	g.cams = append(g.cams, cam)
	debug.Info("Imaging device bound: %s", cam.Name())
	if primary || g.cam == nil {
		g.activateCamera(cam)
	}
}

// activateCamera makes cam the active device. Capabilities are queried here
// and cached until the device is activated again.
func (g *Guide) activateCamera(cam camera.Camera) {
	g.cam = cam
	g.caps = camera.Probe(cam)
	debug.Verbose("Camera %s capabilities: guide head %v, rapid guide %v", cam.Name(), g.caps.GuideHead, g.caps.RapidGuide)
	cam.SetFrameHandler(func(f camera.Frame) {
		g.loop.Post(func() { g.OnFrameReady(f) })
	})
	if rg, ok := cam.(camera.RapidGuider); ok {
		rg.SetStarHandler(func(s camera.StarData) {
			g.loop.Post(func() { g.OnRapidStarData(s) })
		})
	}
	g.syncGeometry()
}

func (g *Guide) chipKind() camera.ChipKind {
	if g.guideHead && g.caps.GuideHead {
		return camera.GuideChip
	}
	return camera.PrimaryChip
}

func (g *Guide) chip() (camera.Chip, error) {
	if g.cam == nil {
		return nil, ErrNoCamera
	}
	return g.cam.Chip(g.chipKind())
}

// syncGeometry refreshes the guider geometry from the camera and telescope.
// Focal length and aperture take the guide scope fields first.
func (g *Guide) syncGeometry() {
	geom := geometry.NewGuider()
	if ch, err := g.chip(); err == nil {
		if info, err := ch.SensorInfo(); err == nil {
			geom = geom.WithSensor(info)
			g.engine.SetVideoParams(info.Width, info.Height)
		} else {
			debug.Error(fmt.Errorf("sensor info: %w", err))
		}
	}
	if g.tel != nil {
		if info, err := g.tel.TelescopeInfo(); err == nil {
			geom.FocalLength = geometry.Fallback(info.GuiderFocalLength, info.FocalLength)
			geom.Aperture = geometry.Fallback(info.GuiderAperture, info.Aperture)
		} else {
			debug.Error(fmt.Errorf("telescope info: %w", err))
		}
	}
	g.engine.SetGuiderParams(geom.PixelX, geom.PixelY, geom.Aperture, geom.FocalLength)
}

// BindMountDevice registers the telescope metadata source.
func (g *Guide) BindMountDevice(tel mount.Telescope) {
	g.mu.Lock()
	defer g.unlock()
	g.tel = tel
	debug.Info("Telescope bound: %s", tel.Name())
	g.syncGeometry()
}

// BindPulseActuator registers a pulse actuator. The first one becomes active
// unless the persisted preference names another.
func (g *Guide) BindPulseActuator(p st4.Pulser) {
	g.mu.Lock()
	defer g.unlock()
	g.st4s = append(g.st4s, p)
	debug.Info("Pulse actuator bound: %s", p.Name())
	preferred, ok := "", false
	if g.settings != nil {
		preferred, ok = g.settings.Get(config.KeyST4Driver)
	}
	if g.st4 == nil || (ok && p.Name() == preferred) {
		g.st4 = p
		if g.active == nil || g.active != g.ao {
			g.active = p
		}
	}
}

// BindAdaptiveOptics registers the AO unit.
func (g *Guide) BindAdaptiveOptics(p st4.Pulser) {
	g.mu.Lock()
	defer g.unlock()
	g.ao = p
	debug.Info("Adaptive optics bound: %s", p.Name())
}

// ST4Devices returns the names of the bound pulse actuators.
func (g *Guide) ST4Devices() []string {
	g.mu.Lock()
	defer g.unlock()
	names := make([]string, 0, len(g.st4s))
	for _, p := range g.st4s {
		names = append(names, p.Name())
	}
	return names
}

// SetST4 selects the pulse actuator by name and persists the choice.
func (g *Guide) SetST4(name string) error {
	g.mu.Lock()
	defer g.unlock()
	for _, p := range g.st4s {
		if p.Name() == name {
			if g.active == g.st4 || g.active == nil {
				g.active = p
			}
			g.st4 = p
			g.persist(config.KeyST4Driver, name)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
}

// SetCamera activates a bound imaging device by name.
func (g *Guide) SetCamera(name string) error {
	g.mu.Lock()
	defer g.unlock()
	for _, c := range g.cams {
		if c.Name() == name {
			g.activateCamera(c)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
}

// UseGuideHead selects the secondary sensor when the camera has one.
func (g *Guide) UseGuideHead(on bool) {
	g.mu.Lock()
	defer g.unlock()
	g.guideHead = on
	if g.cam != nil {
		g.syncGeometry()
	}
}

// ---------- Options ----------

// Options returns the current options.
func (g *Guide) Options() Options {
	g.mu.Lock()
	defer g.unlock()
	return g.opts
}

// SetExposure sets the exposure of the next cycles.
func (g *Guide) SetExposure(d time.Duration) {
	g.mu.Lock()
	defer g.unlock()
	if d > 0 {
		g.opts.Exposure = d
	}
}

// SetDarkFrame enables dark subtraction while guiding.
func (g *Guide) SetDarkFrame(on bool) {
	g.mu.Lock()
	defer g.unlock()
	g.opts.DarkFrame = on
}

func validFilter(name string) bool {
	for _, f := range gmath.Filters {
		if f == name {
			return true
		}
	}
	return false
}

// SetImageFilter selects the pixel filter applied to light frames.
func (g *Guide) SetImageFilter(name string) error {
	g.mu.Lock()
	defer g.unlock()
	if !validFilter(name) {
		return fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	g.opts.Filter = name
	g.persist(config.KeyFilter, name)
	return nil
}

func (g *Guide) setGuideOptions(o guider.Options) error {
	if err := g.guider.SetOptions(o); err != nil {
		return err
	}
	g.opts.Guide = g.guider.Options()
	if !g.cal.IsCalibrating() {
		g.engine.SetSquareSize(g.opts.Guide.BoxSize)
	}
	return nil
}

// SetGuideBoxSize sets the search box used while guiding.
func (g *Guide) SetGuideBoxSize(n int) error {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.BoxSize = n
	if err := g.setGuideOptions(o); err != nil {
		return err
	}
	g.persist(config.KeyBoxSize, strconv.Itoa(g.opts.Guide.BoxSize))
	return nil
}

// SetGuideAlgorithm selects the guiding algorithm by name.
func (g *Guide) SetGuideAlgorithm(name string) error {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.Algorithm = name
	if err := g.setGuideOptions(o); err != nil {
		return err
	}
	g.persist(config.KeyAlgorithm, name)
	return nil
}

// SetGuideSubFrame enables capturing a window around the star while guiding.
func (g *Guide) SetGuideSubFrame(on bool) {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.SubFrame = on
	_ = g.setGuideOptions(o)
}

// SetGuideRapid enables device-side centroiding for the next guiding run.
func (g *Guide) SetGuideRapid(on bool) {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.RapidGuide = on
	_ = g.setGuideOptions(o)
}

// SetDither enables dithering with the given amplitude in pixels.
func (g *Guide) SetDither(on bool, amplitude float64) {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.Dither = on
	if amplitude >= 0 {
		o.DitherAmplitude = amplitude
	}
	_ = g.setGuideOptions(o)
	g.persist(config.KeyDitherAmplitude, strconv.FormatFloat(g.opts.Guide.DitherAmplitude, 'g', -1, 64))
}

// SetDECSwap reverses DEC corrections, after a meridian flip.
func (g *Guide) SetDECSwap(on bool) {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.DECSwap = on
	_ = g.setGuideOptions(o)
}

// SetAOLimit sets the deviation (arcsec) below which the AO corrects.
func (g *Guide) SetAOLimit(arcsec float64) {
	g.mu.Lock()
	defer g.unlock()
	o := g.opts.Guide
	o.AOLimit = arcsec
	_ = g.setGuideOptions(o)
}

// SetCalibrationAutoStar skips the confirmations between calibration phases.
func (g *Guide) SetCalibrationAutoStar(on bool) {
	g.mu.Lock()
	defer g.unlock()
	g.opts.Calibration.AutoStar = on
	g.cal.SetOptions(g.opts.Calibration)
}

// SetCalibrationDarkFrame enables dark subtraction while calibrating.
func (g *Guide) SetCalibrationDarkFrame(on bool) {
	g.mu.Lock()
	defer g.unlock()
	g.opts.Calibration.DarkFrame = on
	g.cal.SetOptions(g.opts.Calibration)
}

// SetCalibrationParams sets the calibration box size and first pulse.
func (g *Guide) SetCalibrationParams(boxSize, pulseMs int) {
	g.mu.Lock()
	defer g.unlock()
	g.opts.Calibration.BoxSize = boxSize
	g.opts.Calibration.PulseMs = pulseMs
	g.cal.SetOptions(g.opts.Calibration)
	g.opts.Calibration = g.cal.Options()
}

// SelectStar places the reticle and search box on (x, y), for manual star
// selection.
func (g *Guide) SelectStar(x, y float64) {
	g.mu.Lock()
	defer g.unlock()
	_, _, angle := g.engine.Reticle()
	g.engine.SetReticle(x, y, angle)
}

// ---------- Queries ----------

// State returns the session state.
func (g *Guide) State() State {
	g.mu.Lock()
	defer g.unlock()
	return g.state
}

// Deviation returns the last RA and DEC deviation in arcseconds.
func (g *Guide) Deviation() (ra, dec float64) {
	g.mu.Lock()
	defer g.unlock()
	return g.devRA, g.devDEC
}

// CalibrationStage returns the calibration stage.
func (g *Guide) CalibrationStage() calibration.Stage {
	g.mu.Lock()
	defer g.unlock()
	return g.cal.Stage()
}

// ActiveActuator returns the actuator corrections go to, nil if none.
func (g *Guide) ActiveActuator() st4.Pulser {
	g.mu.Lock()
	defer g.unlock()
	return g.active
}

// ReticleAngle returns the calibrated RA axis angle.
func (g *Guide) ReticleAngle() float64 {
	g.mu.Lock()
	defer g.unlock()
	_, _, angle := g.engine.Reticle()
	return angle.Deg()
}

// Status is a snapshot of the session for the control surface.
type Status struct {
	State            string  `json:"state"`
	CalibrationStage string  `json:"calibration_stage"`
	Calibrated       bool    `json:"calibrated"`
	Waiting          bool    `json:"waiting"`
	Camera           string  `json:"camera,omitempty"`
	ST4              string  `json:"st4,omitempty"`
	AO               string  `json:"ao,omitempty"`
	Actuator         string  `json:"actuator,omitempty"`
	ExposureMs       int64   `json:"exposure_ms"`
	Algorithm        string  `json:"algorithm"`
	Filter           string  `json:"filter"`
	BoxSize          int     `json:"box_size"`
	Dither           bool    `json:"dither"`
	DitherAmplitude  float64 `json:"dither_amplitude"`
	AOLimit          float64 `json:"ao_limit"`
	DeviationRA      float64 `json:"deviation_ra"`
	DeviationDEC     float64 `json:"deviation_dec"`
	AngleDeg         float64 `json:"angle_deg"`
	RAGain           float64 `json:"ra_gain"`
	DECGain          float64 `json:"dec_gain"`
	ReticleX         float64 `json:"reticle_x"`
	ReticleY         float64 `json:"reticle_y"`
	GeometryKnown    bool    `json:"geometry_known"`
}

// Status returns a snapshot of the session.
func (g *Guide) Status() Status {
	g.mu.Lock()
	defer g.unlock()
	x, y, angle := g.engine.Reticle()
	params, ok := g.cal.Params()
	st := Status{
		State:            g.state.String(),
		CalibrationStage: g.cal.Stage().String(),
		Calibrated:       ok,
		Waiting:          g.cal.Waiting(),
		ExposureMs:       g.opts.Exposure.Milliseconds(),
		Algorithm:        g.opts.Guide.Algorithm,
		Filter:           g.opts.Filter,
		BoxSize:          g.opts.Guide.BoxSize,
		Dither:           g.opts.Guide.Dither,
		DitherAmplitude:  g.opts.Guide.DitherAmplitude,
		AOLimit:          g.opts.Guide.AOLimit,
		DeviationRA:      g.devRA,
		DeviationDEC:     g.devDEC,
		AngleDeg:         angle.Deg(),
		RAGain:           params.RAGain,
		DECGain:          params.DECGain,
		ReticleX:         x,
		ReticleY:         y,
		GeometryKnown:    g.engine.Geometry().Valid(),
	}
	if g.cam != nil {
		st.Camera = g.cam.Name()
	}
	if g.st4 != nil {
		st.ST4 = g.st4.Name()
	}
	if g.ao != nil {
		st.AO = g.ao.Name()
	}
	if g.active != nil {
		st.Actuator = g.active.Name()
	}
	return st
}

// ---------- Log book ----------

// appendLog adds a line to the log book, newest first.
func (g *Guide) appendLog(format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	debug.Info("%s", text)
	line := g.now().Format(logTimeFormat) + " " + text
	g.logText = append([]string{line}, g.logText...)
	if len(g.logText) > maxLogEntries {
		g.logText = g.logText[:maxLogEntries]
	}
	g.emit(Event{Kind: EventLog, Text: line})
}

// Log returns the log book, newest first.
func (g *Guide) Log() []string {
	g.mu.Lock()
	defer g.unlock()
	return append([]string(nil), g.logText...)
}

// ClearLog empties the log book.
func (g *Guide) ClearLog() {
	g.mu.Lock()
	defer g.unlock()
	g.logText = nil
	g.emit(Event{Kind: EventLog})
}
