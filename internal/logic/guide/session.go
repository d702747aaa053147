package guide

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/logic/guider"
)

// StartCalibration begins the calibration protocol on the ST4 actuator.
func (g *Guide) StartCalibration() error {
	g.mu.Lock()
	defer g.unlock()
	return g.startCalibration()
}

func (g *Guide) startCalibration() error {
	if g.state != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, g.state)
	}
	if g.cam == nil {
		return ErrNoCamera
	}
	if g.st4 == nil {
		g.appendLog("No pulse actuator bound: calibration not started.")
		return ErrNoActuator
	}
	if err := g.cal.Start(); err != nil {
		return err
	}
	g.guider.SetReady(false)
	g.active = g.st4
	g.engine.SetSquareSize(g.opts.Calibration.BoxSize)
	g.setState(Calibrating)
	g.appendLog("Calibration started.")
	if err := g.begin(); err != nil {
		g.cal.Abort()
		g.setState(Idle)
		g.appendLog("Calibration aborted: %v", err)
		g.emit(Event{Kind: EventCalibrationComplete})
		return err
	}
	return nil
}

// ContinueCalibration resumes a manual calibration waiting for confirmation.
func (g *Guide) ContinueCalibration() error {
	g.mu.Lock()
	defer g.unlock()
	cmd, err := g.cal.Continue()
	if err != nil {
		return err
	}
	if cmd.Active() {
		if ok, err := g.issuePulse(cmd.Dir, cmd.Ms); !ok {
			g.cal.Abort()
			g.cancelSchedule()
			g.setState(Idle)
			g.appendLog("Calibration aborted: pulse rejected (%v).", err)
			g.calibrationDone(false)
			return fmt.Errorf("calibration pulse: %w", err)
		}
	}
	return nil
}

// StopCalibration aborts a running calibration. It reports whether one ran.
func (g *Guide) StopCalibration() bool {
	g.mu.Lock()
	defer g.unlock()
	g.autoGuide = false
	if !g.cal.Abort() {
		return false
	}
	g.cancelSchedule()
	g.endExposure()
	g.engine.SetSquareSize(g.opts.Guide.BoxSize)
	g.setState(Idle)
	g.appendLog("Calibration aborted.")
	g.emit(Event{Kind: EventCalibrationComplete})
	return true
}

// StartAutoCalibrateGuiding calibrates and starts guiding when calibration
// succeeds.
func (g *Guide) StartAutoCalibrateGuiding() error {
	g.mu.Lock()
	defer g.unlock()
	g.autoGuide = true
	if err := g.startCalibration(); err != nil {
		g.autoGuide = false
		return err
	}
	return nil
}

// StartGuiding starts the guiding loop. Calibration must be complete.
func (g *Guide) StartGuiding() error {
	g.mu.Lock()
	defer g.unlock()
	return g.startGuiding()
}

func (g *Guide) startGuiding() error {
	if g.state != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, g.state)
	}
	if g.cam == nil {
		return ErrNoCamera
	}
	if g.active == nil {
		g.appendLog("No pulse actuator bound: guiding not started.")
		return ErrNoActuator
	}
	params, _ := g.cal.Params()
	if err := g.guider.Start(params, g.engine.Geometry()); err != nil {
		g.appendLog("Guiding not started: calibration is not complete.")
		return err
	}

	if g.opts.Guide.RapidGuide {
		if err := g.startRapidGuide(); err != nil {
			g.guider.Abort()
			g.appendLog("The camera does not support rapid guiding. Aborting...")
			return err
		}
	} else {
		g.lockPending = true
	}
	g.setState(Guiding)
	g.appendLog("Autoguiding started.")
	g.emit(Event{Kind: EventGuidingToggled, OK: true})
	if err := g.begin(); err != nil {
		g.stopGuiding()
		g.setState(Idle)
		g.appendLog("Autoguiding aborted: %v", err)
		return err
	}
	return nil
}

func (g *Guide) startRapidGuide() error {
	rg, ok := g.cam.(camera.RapidGuider)
	if !ok || !g.caps.RapidGuide {
		return ErrRapidUnsupported
	}
	if err := rg.SetRapidGuide(g.chipKind(), true); err != nil {
		return fmt.Errorf("%w: %v", ErrRapidUnsupported, err)
	}
	g.rapidLocked = false
	g.engine.SetRapidGuide(true)
	return nil
}

func (g *Guide) stopRapidGuide() {
	g.engine.SetRapidGuide(false)
	g.rapidLocked = false
	if rg, ok := g.cam.(camera.RapidGuider); ok {
		if err := rg.SetRapidGuide(g.chipKind(), false); err != nil {
			debug.Error(err)
		}
	}
}

// StopGuiding stops guiding. It reports whether guiding ran.
func (g *Guide) StopGuiding() bool {
	g.mu.Lock()
	defer g.unlock()
	g.suspended = false
	if !g.guider.IsGuiding() {
		return false
	}
	g.cancelSchedule()
	g.endExposure()
	g.stopGuiding()
	g.setState(Idle)
	g.appendLog("Autoguiding stopped.")
	return true
}

// stopGuiding aborts the guider and restores the capture setup.
func (g *Guide) stopGuiding() {
	was := g.guider.Abort()
	g.suspended = false
	g.lockPending = false
	if g.engine.RapidGuide() {
		g.stopRapidGuide()
	}
	if g.subframed {
		if ch, err := g.chip(); err == nil {
			_ = ch.ResetFrame()
		}
		g.subframed = false
	}
	if was {
		g.emit(Event{Kind: EventGuidingToggled})
	}
}

// Suspend pauses or resumes guiding. Suspending stops any pending exposure;
// resuming starts a new cycle. Repeated calls are ignored.
func (g *Guide) Suspend(enable bool) error {
	g.mu.Lock()
	defer g.unlock()
	if enable == g.suspended {
		return nil
	}
	if enable {
		if !g.guider.IsGuiding() {
			return guider.ErrNotGuiding
		}
		g.suspended = true
		g.cancelSchedule()
		g.setState(Suspended)
		g.appendLog("Guiding suspended.")
		return nil
	}
	g.suspended = false
	if g.guider.IsDithering() {
		g.setState(Dithering)
	} else {
		g.setState(Guiding)
	}
	g.appendLog("Guiding resumed.")
	if err := g.begin(); err != nil && !errors.Is(err, ErrExposureInFlight) {
		g.abortSession(err)
		return err
	}
	return nil
}

// Dither moves the lock position by a random offset. The result arrives as
// a DitherComplete or DitherFailed event.
func (g *Guide) Dither() error {
	g.mu.Lock()
	defer g.unlock()
	if g.guider.IsDithering() {
		return nil
	}
	if g.state != Guiding {
		return guider.ErrNotGuiding
	}
	if err := g.guider.Dither(); err != nil {
		return err
	}
	g.setState(Dithering)
	g.setActive(g.st4)
	return nil
}

// ClearImage drops the current image, when the viewer closed or the device
// was lost.
func (g *Guide) ClearImage() {
	g.mu.Lock()
	defer g.unlock()
	g.engine.SetImage(nil)
	debug.Verbose("Guide image cleared")
}
