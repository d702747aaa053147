package guide

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/logic/calibration"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
	"github.com/cjeanneret/GoGuide/internal/logic/guider"
)

// BeginExposureCycle requests the next exposure. When dark subtraction is on
// and the exposure changed since the last dark, a dark is taken first.
func (g *Guide) BeginExposureCycle() error {
	g.mu.Lock()
	defer g.unlock()
	return g.begin()
}

func (g *Guide) useDark() bool {
	if g.cal.IsCalibrating() {
		return g.opts.Calibration.DarkFrame
	}
	return g.opts.DarkFrame
}

func (g *Guide) begin() error {
	if g.cam == nil {
		return ErrNoCamera
	}
	if !g.cam.Connected() {
		g.appendLog("Error: lost connection to %s.", g.cam.Name())
		return ErrCameraDisconnected
	}
	if g.exposing {
		return ErrExposureInFlight
	}
	ch, err := g.chip()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRegion, err)
	}
	if g.cal.Stage() == calibration.CaptureImage {
		if err := ch.ResetFrame(); err != nil {
			return fmt.Errorf("%w: %v", ErrNoRegion, err)
		}
		g.subframed = false
	}
	if r, err := ch.Frame(); err != nil || r.Empty() {
		return ErrNoRegion
	}

	exposure := g.opts.Exposure
	mode := camera.GuideMode
	if g.cal.IsCalibrating() {
		mode = camera.CalibrateMode
	}
	if g.useDark() && g.darkExposure != exposure {
		if err := ch.Capture(exposure, camera.Dark, camera.CalibrateMode); err != nil {
			return fmt.Errorf("dark capture: %w", err)
		}
		g.darkExposure = exposure
		g.darkGen = g.gen
		g.startExposure(exposure)
		g.appendLog("Taking a dark frame (%v).", exposure)
		return nil
	}
	if err := ch.Capture(exposure, camera.Light, mode); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	g.startExposure(exposure)
	return nil
}

// startExposure latches the in-flight exposure and arms a watchdog giving
// up on the cycle when no frame arrives.
func (g *Guide) startExposure(exposure time.Duration) {
	g.exposing = true
	g.shot++
	if g.watchdog != nil {
		g.watchdog.Stop()
	}
	shot := g.shot
	g.watchdog = g.loop.AfterFunc(exposure+exposureTimeout, func() {
		g.mu.Lock()
		defer g.unlock()
		if shot != g.shot || !g.exposing {
			return
		}
		g.watchdog = nil
		g.exposing = false
		err := ErrExposureTimeout
		if !g.cam.Connected() {
			g.appendLog("Error: lost connection to %s.", g.cam.Name())
			err = ErrCameraDisconnected
		} else {
			g.appendLog("No frame from %s after %v.", g.cam.Name(), exposure+exposureTimeout)
		}
		g.abortSession(err)
	})
}

// endExposure releases the in-flight latch.
func (g *Guide) endExposure() {
	g.exposing = false
	if g.watchdog != nil {
		g.watchdog.Stop()
		g.watchdog = nil
	}
}

// scheduleExposure re-triggers the cycle after d. The task belongs to the
// current session generation; cancelSchedule invalidates it.
func (g *Guide) scheduleExposure(d time.Duration) {
	if g.pending != nil {
		g.pending.Stop()
	}
	gen := g.gen
	g.pending = g.loop.AfterFunc(d, func() {
		g.mu.Lock()
		defer g.unlock()
		if gen != g.gen {
			return
		}
		g.pending = nil
		if err := g.begin(); err != nil && !errors.Is(err, ErrExposureInFlight) {
			g.abortSession(err)
		}
	})
}

func (g *Guide) cancelSchedule() {
	g.gen++
	if g.pending != nil {
		g.pending.Stop()
		g.pending = nil
	}
}

// abortSession ends the running calibration or guiding after a device error.
func (g *Guide) abortSession(err error) {
	debug.Error(err)
	g.cancelSchedule()
	g.endExposure()
	switch {
	case g.cal.IsCalibrating():
		g.cal.Abort()
		g.appendLog("Calibration aborted: %v", err)
		g.calibrationDone(false)
	case g.guider.IsGuiding():
		g.stopGuiding()
		g.appendLog("Autoguiding aborted: %v", err)
	}
	g.setState(Idle)
}

// OnFrameReady dispatches a delivered frame.
func (g *Guide) OnFrameReady(f camera.Frame) {
	g.mu.Lock()
	defer g.unlock()
	g.endExposure()
	if g.metrics != nil {
		g.metrics.Frame(f.Type)
	}

	if f.Type == camera.Dark {
		if !f.Valid() {
			g.dark = nil
			g.darkExposure = 0
			g.appendLog("Dark frame processing failed.")
			g.abortSession(ErrDarkFailed)
			return
		}
		g.dark = gmath.NewImage(f)
		debug.Frame("dark", f.Width, f.Height)
		if !g.darkContinues() {
			return
		}
		if err := g.begin(); err != nil {
			g.abortSession(err)
		}
		return
	}

	if !f.Valid() {
		g.engine.SetImage(nil)
		return
	}
	im := gmath.NewImage(f)
	if g.dark != nil && g.useDark() && im.DarkID() != g.dark.ID {
		if _, err := im.SubtractDark(g.dark); err != nil {
			debug.Verbose("Dark not applied: %v", err)
		}
	}
	if err := im.ApplyFilter(g.opts.Filter); err != nil {
		debug.Error(err)
	}
	g.engine.SetImage(im)
	debug.Frame("light", f.Width, f.Height)

	switch g.state {
	case Suspended:
		// Terminal: caches updated, nothing scheduled.
	case Dithering:
		g.ditherStep()
	case Guiding:
		g.guideStep()
	case Calibrating:
		g.calibrationStep()
	}
}

// darkContinues reports whether a delivered dark is followed by its light
// frame: always for a running session, and for a one-off cycle only while
// nothing cancelled it.
func (g *Guide) darkContinues() bool {
	switch g.state {
	case Calibrating, Guiding, Dithering:
		return true
	case Idle:
		return g.darkGen == g.gen
	}
	return false
}

// OnRapidStarData handles a star position measured by the camera.
func (g *Guide) OnRapidStarData(s camera.StarData) {
	g.mu.Lock()
	defer g.unlock()
	g.endExposure()
	if !g.engine.RapidGuide() || !g.guider.IsGuiding() {
		return
	}
	if g.state == Suspended {
		if !s.Lost() {
			g.engine.SetRapidStarData(s.DX, s.DY)
		}
		return
	}
	if s.Lost() {
		g.cancelSchedule()
		g.stopGuiding()
		g.setState(Idle)
		g.appendLog("Lost track of the guide star. Rapid guide aborted.")
		return
	}
	if !g.rapidLocked {
		_, _, angle := g.engine.Reticle()
		g.engine.SetReticle(s.DX, s.DY, angle)
		g.rapidLocked = true
	}
	g.engine.SetRapidStarData(s.DX, s.DY)

	if g.state == Dithering {
		g.ditherStep()
		return
	}
	g.guideStep()
}

// lockStar places the reticle on the star at the start of guiding.
func (g *Guide) lockStar() bool {
	im := g.engine.Image()
	if im == nil {
		return false
	}
	bx, by := g.engine.SquarePosition()
	s, ok := gmath.Centroid(im, bx, by, g.engine.SquareSize())
	x, y := s.X, s.Y
	if !ok {
		if x, y, ok = g.engine.FindStar(); !ok {
			return false
		}
	}
	_, _, angle := g.engine.Reticle()
	g.engine.SetReticle(x, y, angle)
	debug.Verbose("Guide star locked at (%.2f, %.2f)", x, y)

	if g.opts.Guide.SubFrame && !g.subframed {
		if ch, err := g.chip(); err == nil {
			w, h := g.engine.VideoParams()
			r := g.guider.SubframeRegion(x, y, camera.Region{W: w, H: h})
			if err := ch.SetFrame(r); err == nil {
				g.subframed = true
				debug.Verbose("Subframing to %s", r)
			}
		}
	}
	return true
}

func (g *Guide) measure() (gmath.Sample, bool) {
	s, err := g.engine.Process()
	if err != nil {
		debug.Verbose("No sample: %v", err)
		return gmath.Sample{}, false
	}
	if !s.Lost() {
		_, _, angle := g.engine.Reticle()
		// Updates the deviation and the actuator selection through the handler.
		g.engine.AxisDelta(s, angle)
	}
	return s, true
}

func (g *Guide) guideStep() {
	if g.lockPending && !g.engine.RapidGuide() {
		if !g.lockStar() {
			g.starLost()
			return
		}
		g.lockPending = false
		g.scheduleExposure(0)
		return
	}
	s, ok := g.measure()
	if !ok {
		g.scheduleExposure(0)
		return
	}
	corr, err := g.guider.Guide(s, g.engine.Geometry())
	switch {
	case errors.Is(err, guider.ErrStarLost):
		g.starLost()
		return
	case errors.Is(err, guider.ErrGeometryUnknown):
		debug.Verbose("Guider geometry unknown: no correction")
	case err != nil:
		debug.Error(err)
	}
	var settle time.Duration
	if corr.Active() {
		if ok, _ := g.issueCorrection(corr.RADir, corr.RAMs, corr.DECDir, corr.DECMs); ok {
			settle = pulseSpan(corr.RAMs, corr.DECMs)
		}
	}
	if g.guider.IsGuiding() {
		g.scheduleExposure(settle)
	}
}

func (g *Guide) starLost() {
	g.cancelSchedule()
	g.stopGuiding()
	g.setState(Idle)
	g.appendLog("Lost track of the guide star. Autoguiding aborted.")
}

func (g *Guide) ditherStep() {
	s, ok := g.measure()
	if !ok {
		s = gmath.LostSample
	}
	corr, done, err := g.guider.DitherStep(s, g.engine.Geometry())
	if err != nil {
		g.cancelSchedule()
		g.stopGuiding()
		g.setState(Idle)
		g.appendLog("Dithering failed. Autoguiding aborted.")
		if g.metrics != nil {
			g.metrics.Dither(false)
		}
		g.emit(Event{Kind: EventDitherFailed})
		return
	}
	if done {
		g.setState(Guiding)
		g.appendLog("Dithering complete.")
		if g.metrics != nil {
			g.metrics.Dither(true)
		}
		g.emit(Event{Kind: EventDitherComplete, OK: true})
		g.scheduleExposure(0)
		return
	}
	var settle time.Duration
	if corr.Active() {
		if ok, _ := g.issueCorrection(corr.RADir, corr.RAMs, corr.DECDir, corr.DECMs); ok {
			settle = pulseSpan(corr.RAMs, corr.DECMs)
		}
	}
	g.scheduleExposure(settle)
}

func (g *Guide) calibrationStep() {
	if g.cal.Stage() == calibration.CaptureImage && !g.cal.Waiting() {
		g.pickCalibrationStar()
	}
	s, err := g.engine.Process()
	if err != nil {
		s = gmath.LostSample
	}
	cmd, err := g.cal.Process(s)
	if err != nil {
		g.cancelSchedule()
		g.appendLog("Calibration failed: %v", err)
		g.calibrationDone(false)
		g.setState(Idle)
		return
	}
	if cmd.Active() {
		if ok, err := g.issuePulse(cmd.Dir, cmd.Ms); !ok {
			g.cancelSchedule()
			g.cal.Abort()
			g.appendLog("Calibration aborted: pulse rejected (%v).", err)
			g.calibrationDone(false)
			g.setState(Idle)
		}
		return
	}
	if g.cal.Waiting() {
		g.appendLog("Calibration paused: continue when ready.")
		return
	}
	if g.cal.IsComplete() {
		params, _ := g.cal.Params()
		g.engine.SetReticle(s.X, s.Y, params.Angle)
		g.engine.SetSquareSize(g.opts.Guide.BoxSize)
		g.appendLog("Calibration complete: angle %.2f°, RA %.4f px/ms, DEC %.4f px/ms.",
			params.Angle.Deg(), params.RAGain, params.DECGain)
		g.guider.SetReady(true)
		g.setState(Idle)
		g.emit(Event{Kind: EventGuideReady, OK: true})
		g.calibrationDone(true)
	}
}

// pickCalibrationStar places the reticle on the reference star: the brightest
// star in auto-star mode, otherwise the selected one when there is a star
// there.
func (g *Guide) pickCalibrationStar() {
	bx, by := g.engine.SquarePosition()
	if !g.opts.Calibration.AutoStar && (bx != 0 || by != 0) {
		if s, ok := gmath.Centroid(g.engine.Image(), bx, by, g.engine.SquareSize()); ok {
			g.engine.SetReticle(s.X, s.Y, 0)
			return
		}
	}
	if x, y, ok := g.engine.FindStar(); ok {
		g.engine.SetReticle(x, y, 0)
		debug.Verbose("Calibration star at (%.2f, %.2f)", x, y)
	}
}

// calibrationDone publishes the result and chains guiding for an auto
// calibrate-and-guide run.
func (g *Guide) calibrationDone(ok bool) {
	if g.metrics != nil {
		g.metrics.Calibration(ok)
	}
	g.emit(Event{Kind: EventCalibrationComplete, OK: ok})
	if !g.autoGuide {
		return
	}
	g.autoGuide = false
	if !ok {
		g.appendLog("Auto calibration failed.")
		return
	}
	g.appendLog("Auto calibration successful. Starting guiding...")
	if err := g.startGuiding(); err != nil {
		g.appendLog("Guiding failed to start: %v", err)
	}
}

func pulseSpan(raMs, decMs int) time.Duration {
	ms := raMs
	if decMs > ms {
		ms = decMs
	}
	return time.Duration(ms) * time.Millisecond
}

// IssueCorrection sends a two-axis pulse to the active actuator. While
// calibrating it also schedules the next exposure once the mount settled.
func (g *Guide) IssueCorrection(raDir st4.Direction, raMs int, decDir st4.Direction, decMs int) (bool, error) {
	g.mu.Lock()
	defer g.unlock()
	return g.issueCorrection(raDir, raMs, decDir, decMs)
}

func (g *Guide) issueCorrection(raDir st4.Direction, raMs int, decDir st4.Direction, decMs int) (bool, error) {
	if g.active == nil {
		return false, ErrNoActuator
	}
	if raDir == st4.None && decDir == st4.None {
		return false, st4.ErrNoDirection
	}
	if g.cal.IsCalibrating() {
		g.scheduleExposure(pulseSpan(raMs, decMs) + settleSlack)
	}
	ok, err := g.active.Pulse(raDir, raMs, decDir, decMs)
	if err != nil {
		debug.Error(fmt.Errorf("%s pulse: %w", g.active.Name(), err))
	}
	if ok {
		g.recordPulse(st4.Moves(raDir, raMs, decDir, decMs))
	}
	return ok, err
}

// IssuePulse sends a single-axis pulse to the active actuator.
func (g *Guide) IssuePulse(dir st4.Direction, ms int) (bool, error) {
	g.mu.Lock()
	defer g.unlock()
	return g.issuePulse(dir, ms)
}

func (g *Guide) issuePulse(dir st4.Direction, ms int) (bool, error) {
	if g.active == nil {
		return false, ErrNoActuator
	}
	if dir == st4.None {
		return false, st4.ErrNoDirection
	}
	if g.cal.IsCalibrating() {
		g.scheduleExposure(time.Duration(ms)*time.Millisecond + settleSlack)
	}
	ok, err := g.active.PulseAxis(dir, ms)
	if err != nil {
		debug.Error(fmt.Errorf("%s pulse: %w", g.active.Name(), err))
	}
	if ok {
		g.recordPulse([]st4.Move{{Dir: dir, Ms: ms}})
	}
	return ok, err
}

func (g *Guide) recordPulse(moves []st4.Move) {
	for _, m := range moves {
		debug.Pulse(g.active.Name(), m.Dir.String(), m.Ms)
		if g.metrics != nil {
			g.metrics.Pulse(g.active.Name(), m.Dir.Axis(), m.Ms)
		}
	}
}

// SelectActuator picks the actuator for a deviation: the AO when one is bound
// and both axes are inside its limit, the ST4 actuator otherwise. A hand-off
// is logged only when the selection changes.
func (g *Guide) SelectActuator(dx, dy float64) st4.Pulser {
	g.mu.Lock()
	defer g.unlock()
	return g.selectActuator(dx, dy)
}

func (g *Guide) selectActuator(dx, dy float64) st4.Pulser {
	limit := g.opts.Guide.AOLimit
	next := g.st4
	if g.ao != nil && math.Abs(dx) < limit && math.Abs(dy) < limit {
		next = g.ao
	}
	g.setActive(next)
	return next
}

func (g *Guide) setActive(p st4.Pulser) {
	if p == nil || p == g.active {
		return
	}
	g.active = p
	g.appendLog("Using %s to correct for guiding errors.", p.Name())
	if g.metrics != nil {
		g.metrics.Handoff(p.Name())
	}
}

// OnAxisDelta records the deviation in arcseconds and updates the actuator
// selection while guiding.
func (g *Guide) OnAxisDelta(ra, dec float64) {
	g.mu.Lock()
	defer g.unlock()
	g.axisDeltaLocked(ra, dec)
}

func (g *Guide) axisDeltaLocked(ra, dec float64) {
	g.devRA, g.devDEC = ra, dec
	debug.Deviation(ra, dec)
	if g.metrics != nil {
		g.metrics.Deviation(ra, dec)
	}
	g.emit(Event{Kind: EventAxisDelta, RA: ra, DEC: dec})
	if !g.guider.IsGuiding() {
		return
	}
	if g.guider.IsDithering() {
		g.setActive(g.st4)
		return
	}
	g.selectActuator(ra, dec)
}
