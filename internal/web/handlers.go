package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"time"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/logic/calibration"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
	"github.com/cjeanneret/GoGuide/internal/logic/guide"
	"github.com/cjeanneret/GoGuide/internal/logic/guider"
)

// Session is the part of the guide session driven over HTTP. *guide.Guide
// implements it.
type Session interface {
	StartCalibration() error
	StartAutoCalibrateGuiding() error
	ContinueCalibration() error
	StopCalibration() bool
	StartGuiding() error
	StopGuiding() bool
	Suspend(enable bool) error
	Dither() error

	Status() guide.Status
	Log() []string
	ClearLog()
	Subscribe(fn func(guide.Event)) (cancel func())

	SetExposure(d time.Duration)
	SetDarkFrame(on bool)
	SetImageFilter(name string) error
	SetGuideBoxSize(n int) error
	SetGuideAlgorithm(name string) error
	SetGuideSubFrame(on bool)
	SetGuideRapid(on bool)
	SetDither(on bool, amplitude float64)
	SetDECSwap(on bool)
	SetAOLimit(arcsec float64)
	SetCalibrationAutoStar(on bool)
	SetST4(name string) error
	ST4Devices() []string
	SelectStar(x, y float64)
}

// OptionsRequest holds the session options changed by POST /options. Absent
// fields are left unchanged.
type OptionsRequest struct {
	ExposureMs      *int     `json:"exposure_ms,omitempty"`
	DarkFrame       *bool    `json:"dark_frame,omitempty"`
	Filter          *string  `json:"filter,omitempty"`
	BoxSize         *int     `json:"box_size,omitempty"`
	Algorithm       *string  `json:"algorithm,omitempty"`
	SubFrame        *bool    `json:"subframe,omitempty"`
	Rapid           *bool    `json:"rapid,omitempty"`
	Dither          *bool    `json:"dither,omitempty"`
	DitherAmplitude *float64 `json:"dither_amplitude,omitempty"`
	DECSwap         *bool    `json:"dec_swap,omitempty"`
	AOLimit         *float64 `json:"ao_limit,omitempty"`
	AutoStar        *bool    `json:"auto_star,omitempty"`
	ST4             *string  `json:"st4,omitempty"`
	StarX           *float64 `json:"star_x,omitempty"`
	StarY           *float64 `json:"star_y,omitempty"`
}

// FormConfig holds the values the control page needs to build its form.
type FormConfig struct {
	ExposureMs      int      `json:"exposure_ms"`
	Algorithm       string   `json:"algorithm"`
	Algorithms      []string `json:"algorithms"`
	Filters         []string `json:"filters"`
	BoxSize         int      `json:"box_size"`
	DitherAmplitude float64  `json:"dither_amplitude"`
	AOLimit         float64  `json:"ao_limit"`
	ST4Devices      []string `json:"st4_devices"`
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// ValidateOptions checks that the present fields are within valid ranges.
func ValidateOptions(o OptionsRequest) error {
	if o.ExposureMs != nil && (*o.ExposureMs < 1 || *o.ExposureMs > 60000) {
		return fmt.Errorf("exposure_ms must be between 1 and 60000, got %d", *o.ExposureMs)
	}
	if o.BoxSize != nil && (*o.BoxSize < 8 || *o.BoxSize > 256) {
		return fmt.Errorf("box_size must be between 8 and 256, got %d", *o.BoxSize)
	}
	if o.DitherAmplitude != nil {
		if v := *o.DitherAmplitude; !finite(v) || v < 0 || v > 50 {
			return fmt.Errorf("dither_amplitude must be between 0 and 50, got %g", v)
		}
	}
	if o.AOLimit != nil {
		if v := *o.AOLimit; !finite(v) || v <= 0 || v > 60 {
			return fmt.Errorf("ao_limit must be between 0 and 60 arcsec, got %g", v)
		}
	}
	if o.Filter != nil && !knownFilter(*o.Filter) {
		return fmt.Errorf("%w: %q", guide.ErrUnknownFilter, *o.Filter)
	}
	if o.Algorithm != nil {
		if _, err := guider.NewAlgorithm(*o.Algorithm, guider.AlgorithmOptions{}); err != nil {
			return err
		}
	}
	if (o.StarX == nil) != (o.StarY == nil) {
		return errors.New("star_x and star_y must be given together")
	}
	if o.StarX != nil && (!finite(*o.StarX) || !finite(*o.StarY) || *o.StarX < 0 || *o.StarY < 0) {
		return fmt.Errorf("star position (%g, %g) is invalid", *o.StarX, *o.StarY)
	}
	return nil
}

func knownFilter(name string) bool {
	for _, f := range gmath.Filters {
		if f == name {
			return true
		}
	}
	return false
}

// checkST4 rejects an st4 name no bound actuator carries.
func checkST4(s Session, o OptionsRequest) error {
	if o.ST4 == nil {
		return nil
	}
	for _, name := range s.ST4Devices() {
		if name == *o.ST4 {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", guide.ErrUnknownDevice, *o.ST4)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Session      Session
	FormDefaults FormConfig
	staticFS     fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If session is nil, the control routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, session Session, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Session:      session,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
	}
}

// Forward publishes the session events to the stream clients until the
// returned function is called. Log events are skipped: log book lines already
// reach the streams through the debug output.
func (h *Handlers) Forward() (cancel func()) {
	if h.Session == nil {
		return func() {}
	}
	return h.Session.Subscribe(func(ev guide.Event) {
		if ev.Kind == guide.EventLog {
			return
		}
		h.Broadcaster.Publish(ev)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(fmt.Errorf("web: encode response: %w", err))
	}
}

// statusFor maps a session error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, guide.ErrNoCamera),
		errors.Is(err, guide.ErrCameraDisconnected),
		errors.Is(err, guide.ErrExposureTimeout),
		errors.Is(err, guide.ErrNoActuator),
		errors.Is(err, guide.ErrRapidUnsupported):
		return http.StatusServiceUnavailable
	case errors.Is(err, guide.ErrBusy),
		errors.Is(err, guide.ErrExposureInFlight),
		errors.Is(err, guider.ErrNotCalibrated),
		errors.Is(err, guider.ErrNotGuiding),
		errors.Is(err, guider.ErrDitherDisabled),
		errors.Is(err, calibration.ErrInProgress),
		errors.Is(err, calibration.ErrNotWaiting):
		return http.StatusConflict
	case errors.Is(err, guide.ErrUnknownDevice),
		errors.Is(err, guide.ErrUnknownFilter),
		errors.Is(err, guider.ErrUnknownAlgorithm):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// control wraps a session action: 503 without a session, the mapped error
// code on failure, the session status otherwise.
func (h *Handlers) control(action func(Session) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Session == nil {
			http.Error(w, "guide session not configured", http.StatusServiceUnavailable)
			return
		}
		if err := action(h.Session); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusOK, h.Session.Status())
	}
}

// HandleCalibrate handles POST /calibrate; ?guide=1 starts guiding once the
// calibration succeeds.
func (h *Handlers) HandleCalibrate(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error {
		if r.URL.Query().Get("guide") == "1" {
			return s.StartAutoCalibrateGuiding()
		}
		return s.StartCalibration()
	})(w, r)
}

// HandleCalibrateContinue handles POST /calibrate/continue.
func (h *Handlers) HandleCalibrateContinue(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error { return s.ContinueCalibration() })(w, r)
}

// HandleCalibrateStop handles POST /calibrate/stop.
func (h *Handlers) HandleCalibrateStop(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error {
		s.StopCalibration()
		return nil
	})(w, r)
}

// HandleGuideStart handles POST /guide/start.
func (h *Handlers) HandleGuideStart(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error { return s.StartGuiding() })(w, r)
}

// HandleGuideStop handles POST /guide/stop.
func (h *Handlers) HandleGuideStop(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error {
		s.StopGuiding()
		return nil
	})(w, r)
}

// HandleSuspend handles POST /guide/suspend.
func (h *Handlers) HandleSuspend(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error { return s.Suspend(true) })(w, r)
}

// HandleResume handles POST /guide/resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error { return s.Suspend(false) })(w, r)
}

// HandleDither handles POST /dither.
func (h *Handlers) HandleDither(w http.ResponseWriter, r *http.Request) {
	h.control(func(s Session) error { return s.Dither() })(w, r)
}

// HandleOptions handles POST /options.
func (h *Handlers) HandleOptions(w http.ResponseWriter, r *http.Request) {
	var o OptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOptions(o); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.control(func(s Session) error {
		if err := checkST4(s, o); err != nil {
			return err
		}
		return applyOptions(s, o)
	})(w, r)
}

// applyOptions pushes the present fields to the session, stopping at the
// first rejected value.
func applyOptions(s Session, o OptionsRequest) error {
	if o.ExposureMs != nil {
		s.SetExposure(time.Duration(*o.ExposureMs) * time.Millisecond)
	}
	if o.DarkFrame != nil {
		s.SetDarkFrame(*o.DarkFrame)
	}
	if o.Filter != nil {
		if err := s.SetImageFilter(*o.Filter); err != nil {
			return err
		}
	}
	if o.BoxSize != nil {
		if err := s.SetGuideBoxSize(*o.BoxSize); err != nil {
			return err
		}
	}
	if o.Algorithm != nil {
		if err := s.SetGuideAlgorithm(*o.Algorithm); err != nil {
			return err
		}
	}
	if o.SubFrame != nil {
		s.SetGuideSubFrame(*o.SubFrame)
	}
	if o.Rapid != nil {
		s.SetGuideRapid(*o.Rapid)
	}
	if o.Dither != nil || o.DitherAmplitude != nil {
		st := s.Status()
		on, amp := st.Dither, st.DitherAmplitude
		if o.Dither != nil {
			on = *o.Dither
		}
		if o.DitherAmplitude != nil {
			amp = *o.DitherAmplitude
		}
		s.SetDither(on, amp)
	}
	if o.DECSwap != nil {
		s.SetDECSwap(*o.DECSwap)
	}
	if o.AOLimit != nil {
		s.SetAOLimit(*o.AOLimit)
	}
	if o.AutoStar != nil {
		s.SetCalibrationAutoStar(*o.AutoStar)
	}
	if o.ST4 != nil {
		if err := s.SetST4(*o.ST4); err != nil {
			return err
		}
	}
	if o.StarX != nil {
		s.SelectStar(*o.StarX, *o.StarY)
	}
	return nil
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.control(func(Session) error { return nil })(w, r)
}

// HandleLog handles GET /log (newest first) and DELETE /log.
func (h *Handlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	if h.Session == nil {
		http.Error(w, "guide session not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodDelete {
		h.Session.ClearLog()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	lines := h.Session.Log()
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, lines)
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
