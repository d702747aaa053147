// Package observability exports guide session metrics to Prometheus.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
)

// stateNames lists the session states exported by the guide_state gauge.
var stateNames = []string{"idle", "calibrating", "guiding", "dithering", "suspended"}

// GuideCollector bundles the guide metrics. A nil *GuideCollector records
// nothing, so it can be handed to the session unconditionally.
type GuideCollector struct {
	gatherer prometheus.Gatherer

	Frames       *prometheus.CounterVec
	Pulses       *prometheus.CounterVec
	PulseMs      *prometheus.CounterVec
	Handoffs     *prometheus.CounterVec
	Calibrations *prometheus.CounterVec
	Dithers      *prometheus.CounterVec
	Deviations   *prometheus.GaugeVec
	States       *prometheus.GaugeVec
}

// NewGuideCollector registers the guide metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewGuideCollector(reg prometheus.Registerer) (*GuideCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &GuideCollector{gatherer: gatherer}

	var err error
	if c.Frames, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_frames_total",
		Help: "Frames delivered to the guide session, labeled by frame type.",
	}, []string{"type"}), "guide_frames_total"); err != nil {
		return nil, err
	}
	if c.Pulses, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_pulses_total",
		Help: "Guide pulses accepted, labeled by actuator and axis.",
	}, []string{"actuator", "axis"}), "guide_pulses_total"); err != nil {
		return nil, err
	}
	if c.PulseMs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_pulse_milliseconds_total",
		Help: "Accumulated pulse duration in milliseconds, labeled by actuator and axis.",
	}, []string{"actuator", "axis"}), "guide_pulse_milliseconds_total"); err != nil {
		return nil, err
	}
	if c.Handoffs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_actuator_handoffs_total",
		Help: "Changes of the correcting actuator, labeled by the actuator taking over.",
	}, []string{"actuator"}), "guide_actuator_handoffs_total"); err != nil {
		return nil, err
	}
	if c.Calibrations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_calibrations_total",
		Help: "Finished calibrations, labeled by result.",
	}, []string{"result"}), "guide_calibrations_total"); err != nil {
		return nil, err
	}
	if c.Dithers, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guide_dithers_total",
		Help: "Finished dithers, labeled by result.",
	}, []string{"result"}), "guide_dithers_total"); err != nil {
		return nil, err
	}
	if c.Deviations, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guide_deviation_arcsec",
		Help: "Last measured guide star deviation in arcseconds, labeled by axis.",
	}, []string{"axis"}), "guide_deviation_arcsec"); err != nil {
		return nil, err
	}
	if c.States, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guide_state",
		Help: "1 for the current guide session state, 0 for the others.",
	}, []string{"state"}), "guide_state"); err != nil {
		return nil, err
	}
	c.setState("idle")
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GuideCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *GuideCollector) Frame(t camera.FrameType) {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues(t.String()).Inc()
}

func (c *GuideCollector) Pulse(actuator string, axis st4.Axis, ms int) {
	if c == nil {
		return
	}
	c.Pulses.WithLabelValues(actuator, axis.String()).Inc()
	c.PulseMs.WithLabelValues(actuator, axis.String()).Add(float64(ms))
}

func (c *GuideCollector) Handoff(actuator string) {
	if c == nil {
		return
	}
	c.Handoffs.WithLabelValues(actuator).Inc()
}

func (c *GuideCollector) Calibration(ok bool) {
	if c == nil {
		return
	}
	c.Calibrations.WithLabelValues(result(ok)).Inc()
}

func (c *GuideCollector) Dither(ok bool) {
	if c == nil {
		return
	}
	c.Dithers.WithLabelValues(result(ok)).Inc()
}

func (c *GuideCollector) Deviation(ra, dec float64) {
	if c == nil {
		return
	}
	c.Deviations.WithLabelValues("RA").Set(ra)
	c.Deviations.WithLabelValues("DEC").Set(dec)
}

func (c *GuideCollector) State(name string) {
	if c == nil {
		return
	}
	c.setState(name)
}

func (c *GuideCollector) setState(name string) {
	for _, s := range stateNames {
		v := 0.0
		if s == name {
			v = 1
		}
		c.States.WithLabelValues(s).Set(v)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
