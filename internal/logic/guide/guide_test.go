package guide

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/GoGuide/internal/config"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/hw/mount"
	"github.com/cjeanneret/GoGuide/internal/hw/sim"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/logic/calibration"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
	"github.com/cjeanneret/GoGuide/internal/logic/guider"
	"github.com/cjeanneret/GoGuide/internal/reactor"
)

// memSettings is an in-memory Settings.
type memSettings map[string]string

func (m memSettings) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m memSettings) Set(key, value string) error {
	m[key] = value
	return nil
}

// recorder is a Recorder counting what it sees.
type recorder struct {
	frames    map[camera.FrameType]int
	pulses    int
	handoffs  []string
	calOK     []bool
	ditherOK  []bool
	states    []string
	deviation int
}

func newRecorder() *recorder { return &recorder{frames: make(map[camera.FrameType]int)} }

func (r *recorder) Frame(t camera.FrameType)    { r.frames[t]++ }
func (r *recorder) Pulse(string, st4.Axis, int) { r.pulses++ }
func (r *recorder) Handoff(name string)         { r.handoffs = append(r.handoffs, name) }
func (r *recorder) Calibration(ok bool)         { r.calOK = append(r.calOK, ok) }
func (r *recorder) Dither(ok bool)              { r.ditherOK = append(r.ditherOK, ok) }
func (r *recorder) Deviation(float64, float64)  { r.deviation++ }
func (r *recorder) State(name string)           { r.states = append(r.states, name) }

type rig struct {
	loop    *reactor.Manual
	sky     *sim.Sky
	cam     *sim.Camera
	mount   *sim.Mount
	g       *Guide
	metrics *recorder
	events  []Event
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Exposure = time.Second
	opts.Guide.Aggressiveness = 1
	opts.Calibration = calibration.Options{
		PulseMs: 1000, MaxSteps: 5, MinTravel: 10, NoiseFloor: 2, AutoStar: true, BoxSize: 64,
	}
	return opts
}

func quietSky() *sim.Sky {
	return sim.NewSky(sim.SkyConfig{
		Width: 200, Height: 160, StarX: 100, StarY: 80,
		Flux: 10000, Sigma: 1.5, Background: 100, Seed: 1,
	})
}

type rigConfig struct {
	opts      *Options
	noScope   bool
	rapid     bool
	raGain    float64
	settings  Settings
	noMount   bool
	noCamera  bool
	mountName string
}

func newRig(t *testing.T, rc rigConfig) *rig {
	t.Helper()
	opts := testOptions()
	if rc.opts != nil {
		opts = *rc.opts
	}
	r := &rig{loop: reactor.NewManual(), sky: quietSky(), metrics: newRecorder()}
	g, err := New(r.loop, opts, rc.settings, r.metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.g = g
	g.SetClock(func() time.Time { return time.Date(2026, 10, 18, 21, 30, 0, 0, time.UTC) })
	g.Subscribe(func(ev Event) { r.events = append(r.events, ev) })

	if !rc.noCamera {
		if rc.rapid {
			rcam := sim.NewRapidCamera(sim.CameraConfig{Name: "Rapid Cam"}, r.sky, r.loop)
			r.cam = rcam.Camera
			g.BindImagingDevice(rcam, true)
		} else {
			r.cam = sim.NewCamera(sim.CameraConfig{Name: "Sim Cam"}, r.sky, r.loop)
			g.BindImagingDevice(r.cam, true)
		}
	}
	if !rc.noScope {
		g.BindMountDevice(mount.NewStatic(config.TelescopeConfig{FocalLengthMm: 1000, ApertureMm: 200}))
	}
	if !rc.noMount {
		raGain := rc.raGain
		if raGain == 0 {
			raGain = 0.005
		}
		name := rc.mountName
		if name == "" {
			name = "Sim Mount"
		}
		r.mount = sim.NewMount(name, r.sky, 30, raGain, 0.004)
		g.BindPulseActuator(r.mount)
	}
	return r
}

func (r *rig) calibrate(t *testing.T) calibration.Params {
	t.Helper()
	if err := r.g.StartCalibration(); err != nil {
		t.Fatalf("StartCalibration: %v", err)
	}
	r.loop.Advance(60 * time.Second)
	if st := r.g.CalibrationStage(); st != calibration.Complete {
		t.Fatalf("calibration stage = %s, want complete; log:\n%s", st, strings.Join(r.g.Log(), "\n"))
	}
	params, _ := r.g.cal.Params()
	return params
}

// guide starts guiding and lets the first frame lock the star.
func (r *rig) guide(t *testing.T) {
	t.Helper()
	if err := r.g.StartGuiding(); err != nil {
		t.Fatalf("StartGuiding: %v", err)
	}
	r.loop.Advance(1500 * time.Millisecond)
	if r.g.State() != Guiding {
		t.Fatalf("state = %s, want guiding", r.g.State())
	}
}

func (r *rig) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func logContains(g *Guide, text string) int {
	n := 0
	for _, line := range g.Log() {
		if strings.Contains(line, text) {
			n++
		}
	}
	return n
}

// ---------- Exposure cycle ----------

func TestBeginExposureCycle_LightOnlyWithoutDark(t *testing.T) {
	opts := testOptions()
	opts.Exposure = 2 * time.Second
	r := newRig(t, rigConfig{opts: &opts})

	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatalf("BeginExposureCycle: %v", err)
	}
	caps := r.cam.Captures()
	if len(caps) != 1 {
		t.Fatalf("captures = %+v, want one", caps)
	}
	if caps[0].Type != camera.Light || caps[0].Exposure != 2*time.Second {
		t.Errorf("capture = %+v, want a 2s light frame", caps[0])
	}
}

func TestBeginExposureCycle_DarkOnlyWhenExposureChanges(t *testing.T) {
	opts := testOptions()
	opts.Exposure = 2 * time.Second
	opts.DarkFrame = true
	r := newRig(t, rigConfig{opts: &opts})

	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(5 * time.Second)

	// Same exposure: no new dark.
	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(3 * time.Second)

	r.g.SetExposure(3 * time.Second)
	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(7 * time.Second)

	want := []sim.Capture{
		{Type: camera.Dark, Exposure: 2 * time.Second},
		{Type: camera.Light, Exposure: 2 * time.Second},
		{Type: camera.Light, Exposure: 2 * time.Second},
		{Type: camera.Dark, Exposure: 3 * time.Second},
		{Type: camera.Light, Exposure: 3 * time.Second},
	}
	caps := r.cam.Captures()
	if len(caps) != len(want) {
		t.Fatalf("captures = %+v, want %d", caps, len(want))
	}
	for i, w := range want {
		if caps[i].Type != w.Type || caps[i].Exposure != w.Exposure {
			t.Errorf("capture %d = %s %v, want %s %v", i, caps[i].Type, caps[i].Exposure, w.Type, w.Exposure)
		}
	}
	if n := logContains(r.g, "Taking a dark frame"); n != 2 {
		t.Errorf("dark notifications = %d, want 2", n)
	}
	if r.metrics.frames[camera.Dark] != 2 || r.metrics.frames[camera.Light] != 3 {
		t.Errorf("frame metrics = %v", r.metrics.frames)
	}
}

func TestBeginExposureCycle_Failures(t *testing.T) {
	noCam := newRig(t, rigConfig{noCamera: true})
	if err := noCam.g.BeginExposureCycle(); !errors.Is(err, ErrNoCamera) {
		t.Errorf("no camera: %v, want ErrNoCamera", err)
	}

	r := newRig(t, rigConfig{})
	r.cam.SetConnected(false)
	if err := r.g.BeginExposureCycle(); !errors.Is(err, ErrCameraDisconnected) {
		t.Errorf("disconnected: %v, want ErrCameraDisconnected", err)
	}
	if logContains(r.g, "lost connection") != 1 {
		t.Errorf("log = %v, want a connection error", r.g.Log())
	}

	r.cam.SetConnected(true)
	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatal(err)
	}
	if err := r.g.BeginExposureCycle(); !errors.Is(err, ErrExposureInFlight) {
		t.Errorf("second cycle: %v, want ErrExposureInFlight", err)
	}
	if n := len(r.cam.Captures()); n != 1 {
		t.Errorf("captures = %d, want 1", n)
	}
}

// ---------- Actuators ----------

func TestSelectActuator(t *testing.T) {
	cases := []struct {
		name   string
		ao     bool
		limit  float64
		dx, dy float64
		wantAO bool
	}{
		{"inside limit", true, 0.1, 0.05, 0.02, true},
		{"tight limit", true, 0.01, 0.05, 0.02, false},
		{"one axis outside", true, 0.1, 0.05, -0.2, false},
		{"no AO bound", false, 0.1, 0.05, 0.02, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, rigConfig{})
			ao := sim.NewAO("Sim AO", r.sky, 0.01, 5)
			if tc.ao {
				r.g.BindAdaptiveOptics(ao)
			}
			r.g.SetAOLimit(tc.limit)
			got := r.g.SelectActuator(tc.dx, tc.dy)
			if (got == st4.Pulser(ao)) != tc.wantAO {
				t.Errorf("SelectActuator(%v, %v) = %s, want AO %v", tc.dx, tc.dy, got.Name(), tc.wantAO)
			}
			if !tc.wantAO && got != st4.Pulser(r.mount) {
				t.Errorf("fallback = %s, want the mount", got.Name())
			}
		})
	}
}

func TestSelectActuator_HandoffLoggedOnce(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.g.BindAdaptiveOptics(sim.NewAO("Sim AO", r.sky, 0.01, 5))
	r.g.SetAOLimit(0.1)

	r.g.SelectActuator(0.05, 0.02)
	r.g.SelectActuator(0.05, 0.02)
	if n := logContains(r.g, "Using Sim AO"); n != 1 {
		t.Errorf("AO hand-off logged %d times, want 1", n)
	}
	r.g.SelectActuator(1, 1)
	r.g.SelectActuator(1, 1)
	if n := logContains(r.g, "Using Sim Mount"); n != 1 {
		t.Errorf("mount hand-off logged %d times, want 1", n)
	}
	if len(r.metrics.handoffs) != 2 {
		t.Errorf("hand-off metrics = %v, want 2", r.metrics.handoffs)
	}
}

func TestIssueCorrection_RequiresActuatorAndDirection(t *testing.T) {
	r := newRig(t, rigConfig{noMount: true})
	if ok, err := r.g.IssueCorrection(st4.East, 100, st4.None, 0); ok || !errors.Is(err, ErrNoActuator) {
		t.Errorf("no actuator: %v, %v; want false, ErrNoActuator", ok, err)
	}
	if ok, err := r.g.IssuePulse(st4.North, 100); ok || !errors.Is(err, ErrNoActuator) {
		t.Errorf("no actuator pulse: %v, %v; want false, ErrNoActuator", ok, err)
	}

	m := newRig(t, rigConfig{})
	if ok, err := m.g.IssueCorrection(st4.None, 100, st4.None, 100); ok || !errors.Is(err, st4.ErrNoDirection) {
		t.Errorf("no direction: %v, %v; want false, ErrNoDirection", ok, err)
	}
	if ok, err := m.g.IssueCorrection(st4.West, 100, st4.South, 50); !ok || err != nil {
		t.Fatalf("IssueCorrection: %v, %v", ok, err)
	}
	if p := m.mount.Pulses(); len(p) != 2 || p[0] != (sim.Pulse{Dir: st4.West, Ms: 100}) {
		t.Errorf("pulses = %v", p)
	}
	if m.loop.Pending() != 0 {
		t.Error("a correction outside calibration must not schedule an exposure")
	}
}

func TestST4Preference(t *testing.T) {
	settings := memSettings{config.KeyST4Driver: "LX200"}
	r := newRig(t, rigConfig{settings: settings})
	lx := sim.NewMount("LX200", r.sky, 0, 0.01, 0.01)
	r.g.BindPulseActuator(lx)

	if got := r.g.ActiveActuator(); got != st4.Pulser(lx) {
		t.Errorf("active = %s, want the persisted LX200", got.Name())
	}
	if names := r.g.ST4Devices(); len(names) != 2 || names[0] != "Sim Mount" || names[1] != "LX200" {
		t.Errorf("ST4Devices() = %v", names)
	}
	if err := r.g.SetST4("Sim Mount"); err != nil {
		t.Fatal(err)
	}
	if settings[config.KeyST4Driver] != "Sim Mount" {
		t.Errorf("persisted = %q, want Sim Mount", settings[config.KeyST4Driver])
	}
	if err := r.g.SetST4("Parallel Port"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("SetST4 unknown = %v, want ErrUnknownDevice", err)
	}
}

func TestPersistedOptions(t *testing.T) {
	settings := memSettings{
		config.KeyBoxSize:   "24",
		config.KeyAlgorithm: "hysteresis",
		config.KeyFilter:    "median",
	}
	r := newRig(t, rigConfig{settings: settings})
	o := r.g.Options()
	if o.Guide.BoxSize != 24 || o.Guide.Algorithm != "hysteresis" || o.Filter != "median" {
		t.Errorf("options = box %d algo %s filter %s, want persisted values", o.Guide.BoxSize, o.Guide.Algorithm, o.Filter)
	}
	if err := r.g.SetGuideAlgorithm("lowpass"); err != nil {
		t.Fatal(err)
	}
	if settings[config.KeyAlgorithm] != "lowpass" {
		t.Errorf("algorithm not persisted: %v", settings)
	}
	if err := r.g.SetGuideAlgorithm("pid"); !errors.Is(err, guider.ErrUnknownAlgorithm) {
		t.Errorf("SetGuideAlgorithm(pid) = %v", err)
	}
	if err := r.g.SetImageFilter("sharpen"); !errors.Is(err, ErrUnknownFilter) {
		t.Errorf("SetImageFilter(sharpen) = %v", err)
	}
}

func TestGeometryFallback(t *testing.T) {
	r := newRig(t, rigConfig{noScope: true})
	if r.g.Engine().Geometry().Valid() {
		t.Fatal("geometry should be incomplete without a telescope")
	}
	r.g.BindMountDevice(mount.NewStatic(config.TelescopeConfig{
		FocalLengthMm: 1000, ApertureMm: 200, GuiderFocalLength: 180, GuiderApertureMm: 50,
	}))
	geom := r.g.Engine().Geometry()
	if geom.FocalLength != 180 || geom.Aperture != 50 || geom.PixelX != 5.2 {
		t.Errorf("geometry = %+v, want the guide scope optics", geom)
	}
}

func TestCameraSelection(t *testing.T) {
	r := newRig(t, rigConfig{})
	head := sim.NewCamera(sim.CameraConfig{Name: "Head Cam", GuideHead: true}, r.sky, r.loop)
	r.g.BindImagingDevice(head, false)
	if st := r.g.Status(); st.Camera != "Sim Cam" {
		t.Fatalf("camera = %q, a secondary device must not take over", st.Camera)
	}

	if err := r.g.SetCamera("Head Cam"); err != nil {
		t.Fatal(err)
	}
	r.g.UseGuideHead(true)
	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatal(err)
	}
	caps := head.Captures()
	if len(caps) != 1 || caps[0].Chip != camera.GuideChip {
		t.Errorf("captures = %+v, want one on the guide chip", caps)
	}
	if err := r.g.SetCamera("Webcam"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("SetCamera unknown = %v, want ErrUnknownDevice", err)
	}
}

func TestClearImage(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.g.Engine().SetImage(gmath.NewImage(camera.Frame{Width: 2, Height: 2, Pixels: make([]uint16, 4)}))
	r.g.ClearImage()
	if r.g.Engine().Image() != nil {
		t.Error("ClearImage kept the image")
	}
}

func TestLogBook(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.cam.SetConnected(false)
	_ = r.g.BeginExposureCycle()
	r.cam.SetConnected(true)
	_ = r.g.StartCalibration()

	lines := r.g.Log()
	if len(lines) < 2 {
		t.Fatalf("log = %v", lines)
	}
	if !strings.HasPrefix(lines[0], "2026-10-18T21:30:00 Calibration started") {
		t.Errorf("newest entry = %q", lines[0])
	}
	if !strings.Contains(lines[len(lines)-1], "lost connection") {
		t.Errorf("oldest entry = %q", lines[len(lines)-1])
	}
	if r.count(EventLog) < 2 {
		t.Error("log entries should be published")
	}
	r.g.ClearLog()
	if len(r.g.Log()) != 0 {
		t.Error("ClearLog left entries")
	}
}

// ---------- Calibration ----------

func TestCalibration_WithSimulator(t *testing.T) {
	r := newRig(t, rigConfig{})
	startX, startY := r.sky.Star()
	p := r.calibrate(t)

	if math.Abs(p.Angle.Deg()-30) > 1 {
		t.Errorf("angle = %.2f°, want 30°", p.Angle.Deg())
	}
	if math.Abs(p.RAGain-0.005)/0.005 > 0.05 || math.Abs(p.DECGain-0.004)/0.004 > 0.05 {
		t.Errorf("gains = %.5f/%.5f, want 0.005/0.004", p.RAGain, p.DECGain)
	}
	if p.DECSign != 1 {
		t.Errorf("DECSign = %v, want 1", p.DECSign)
	}
	if r.g.State() != Idle || !r.g.guider.Ready() {
		t.Errorf("state %s ready %v, want idle and ready", r.g.State(), r.g.guider.Ready())
	}
	if r.count(EventGuideReady) != 1 || r.count(EventCalibrationComplete) != 1 {
		t.Errorf("events = %v", r.events)
	}
	if len(r.metrics.calOK) != 1 || !r.metrics.calOK[0] {
		t.Errorf("calibration metrics = %v", r.metrics.calOK)
	}
	if x, y := r.sky.Star(); math.Hypot(x-startX, y-startY) > 1e-9 {
		t.Errorf("star ended at (%v, %v), want back at start", x, y)
	}
	var sawWest, sawNorth bool
	for _, pl := range r.mount.Pulses() {
		sawWest = sawWest || pl.Dir == st4.West
		sawNorth = sawNorth || pl.Dir == st4.North
	}
	if !sawWest || !sawNorth {
		t.Error("calibration must probe both axes")
	}
	if r.loop.Pending() != 0 {
		t.Errorf("pending timers after calibration = %d", r.loop.Pending())
	}
}

func TestCalibration_InsufficientMotionFails(t *testing.T) {
	r := newRig(t, rigConfig{raGain: 0.0001})
	if err := r.g.StartCalibration(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(120 * time.Second)

	if st := r.g.CalibrationStage(); st != calibration.Failed {
		t.Fatalf("stage = %s, want failed", st)
	}
	if r.g.State() != Idle || r.g.guider.Ready() {
		t.Error("failed calibration must not enable guiding")
	}
	if r.count(EventGuideReady) != 0 {
		t.Error("GuideReady published after a failure")
	}
	if err := r.g.StartGuiding(); !errors.Is(err, guider.ErrNotCalibrated) {
		t.Errorf("StartGuiding = %v, want ErrNotCalibrated", err)
	}
}

func TestCalibration_ManualContinue(t *testing.T) {
	opts := testOptions()
	opts.Calibration.AutoStar = false
	r := newRig(t, rigConfig{opts: &opts})
	r.g.SelectStar(100, 80)

	if err := r.g.StartCalibration(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(5 * time.Second)
	if st := r.g.Status(); !st.Waiting || st.CalibrationStage != calibration.CaptureImage.String() {
		t.Fatalf("status = %+v, want waiting after the reference image", st)
	}
	if len(r.mount.Pulses()) != 0 {
		t.Fatal("no pulse before continue")
	}

	if err := r.g.ContinueCalibration(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(30 * time.Second)
	if st := r.g.Status(); !st.Waiting || st.CalibrationStage != calibration.ProbeDEC.String() {
		t.Fatalf("status = %+v, want waiting before DEC", st)
	}

	if err := r.g.ContinueCalibration(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(30 * time.Second)
	if st := r.g.CalibrationStage(); st != calibration.Complete {
		t.Fatalf("stage = %s, want complete", st)
	}
}

func TestStopCalibration_CancelsReexposure(t *testing.T) {
	r := newRig(t, rigConfig{})
	if err := r.g.StartCalibration(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(1500 * time.Millisecond) // reference image in, first probe pulse out
	if len(r.mount.Pulses()) != 1 {
		t.Fatalf("pulses = %v, want the first probe", r.mount.Pulses())
	}
	if !r.g.StopCalibration() {
		t.Fatal("StopCalibration should report a running calibration")
	}
	n := len(r.cam.Captures())
	r.loop.Advance(30 * time.Second)

	if got := len(r.cam.Captures()); got != n {
		t.Errorf("captures after stop = %d, want %d", got, n)
	}
	if r.g.CalibrationStage() != calibration.Aborted || r.g.State() != Idle {
		t.Errorf("stage %s state %s, want aborted and idle", r.g.CalibrationStage(), r.g.State())
	}
	if r.g.StopCalibration() {
		t.Error("second StopCalibration should report nothing to stop")
	}
}

func TestStartCalibration_NoActuator(t *testing.T) {
	r := newRig(t, rigConfig{noMount: true})
	if err := r.g.StartCalibration(); !errors.Is(err, ErrNoActuator) {
		t.Errorf("StartCalibration = %v, want ErrNoActuator", err)
	}
	if r.g.State() != Idle || len(r.cam.Captures()) != 0 {
		t.Error("nothing should start without an actuator")
	}
}

// ---------- Guiding ----------

func TestGuiding_CorrectsOffset(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	before := len(r.mount.Pulses())

	r.sky.Nudge(3, 0)
	r.loop.Advance(2 * time.Second)

	pulses := r.mount.Pulses()[before:]
	if len(pulses) < 2 {
		t.Fatalf("pulses = %v, want RA and DEC corrections", pulses)
	}
	// (3, 0) px at 30°: 2.6 px along RA, -1.5 px along DEC.
	if pulses[0].Dir != st4.East || math.Abs(float64(pulses[0].Ms)-520) > 30 {
		t.Errorf("RA pulse = %+v, want East ~520 ms", pulses[0])
	}
	if pulses[1].Dir != st4.North || math.Abs(float64(pulses[1].Ms)-375) > 25 {
		t.Errorf("DEC pulse = %+v, want North ~375 ms", pulses[1])
	}
	if ra, dec := r.g.Deviation(); ra == 0 && dec == 0 {
		t.Error("deviation should be updated")
	}
	if r.metrics.deviation == 0 || r.metrics.pulses == 0 {
		t.Error("metrics should record deviation and pulses")
	}
}

func TestGuiding_IncompleteGeometryIssuesNoCorrection(t *testing.T) {
	r := newRig(t, rigConfig{noScope: true})
	r.calibrate(t)
	r.guide(t)
	before := len(r.mount.Pulses())

	r.sky.Nudge(3, 2)
	r.loop.Advance(5 * time.Second)

	if got := r.mount.Pulses()[before:]; len(got) != 0 {
		t.Errorf("pulses with incomplete geometry = %v, want none", got)
	}
	if r.g.State() != Guiding {
		t.Errorf("state = %s, guiding should continue", r.g.State())
	}
}

func TestGuiding_AOHandoff(t *testing.T) {
	r := newRig(t, rigConfig{})
	ao := sim.NewAO("Sim AO", r.sky, 0.01, 5)
	r.g.BindAdaptiveOptics(ao)
	r.calibrate(t)
	r.guide(t)

	r.g.SetAOLimit(0.1)
	r.g.OnAxisDelta(0.05, 0.02)
	if got := r.g.ActiveActuator(); got != st4.Pulser(ao) {
		t.Errorf("actuator = %s, want AO", got.Name())
	}

	r.g.SetAOLimit(0.01)
	r.g.OnAxisDelta(0.05, 0.02)
	if got := r.g.ActiveActuator(); got != st4.Pulser(r.mount) {
		t.Errorf("actuator = %s, want mount", got.Name())
	}
	if ra, dec := r.g.Deviation(); ra != 0.05 || dec != 0.02 {
		t.Errorf("Deviation() = %v, %v", ra, dec)
	}
}

func TestGuiding_StarLostAborts(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	before := len(r.mount.Pulses())

	r.sky.Nudge(60, 60)
	r.loop.Advance(5 * time.Second)

	if r.g.State() != Idle {
		t.Errorf("state = %s, want idle", r.g.State())
	}
	if logContains(r.g, "Lost track of the guide star") != 1 {
		t.Errorf("log = %v", r.g.Log())
	}
	if got := r.mount.Pulses()[before:]; len(got) != 0 {
		t.Errorf("pulses after star loss = %v", got)
	}
	n := len(r.cam.Captures())
	r.loop.Advance(5 * time.Second)
	if len(r.cam.Captures()) != n {
		t.Error("no exposure after guiding aborted")
	}
}

func TestSuspend_FramesAreTerminal(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)

	if err := r.g.Suspend(true); err != nil {
		t.Fatal(err)
	}
	if err := r.g.Suspend(true); err != nil {
		t.Fatal(err)
	}
	if r.g.State() != Suspended {
		t.Fatalf("state = %s, want suspended", r.g.State())
	}
	before := len(r.mount.Pulses())
	r.sky.Nudge(3, 0)
	r.loop.Advance(3 * time.Second) // an in-flight frame may land here
	n := len(r.cam.Captures())
	r.loop.Advance(10 * time.Second)

	if len(r.cam.Captures()) != n {
		t.Error("exposures continued while suspended")
	}
	if got := r.mount.Pulses()[before:]; len(got) != 0 {
		t.Errorf("pulses while suspended = %v", got)
	}
	if c := logContains(r.g, "Guiding suspended"); c != 1 {
		t.Errorf("suspend logged %d times, want 1", c)
	}

	if err := r.g.Suspend(false); err != nil {
		t.Fatal(err)
	}
	if r.g.State() != Guiding {
		t.Errorf("state = %s, want guiding", r.g.State())
	}
	if len(r.cam.Captures()) != n+1 {
		t.Error("resume should start an exposure immediately")
	}
	r.loop.Advance(2 * time.Second)
	if len(r.mount.Pulses()) == before {
		t.Error("guiding should correct the offset after resuming")
	}
}

func TestSuspend_RequiresGuiding(t *testing.T) {
	r := newRig(t, rigConfig{})
	if err := r.g.Suspend(true); !errors.Is(err, guider.ErrNotGuiding) {
		t.Errorf("Suspend = %v, want ErrNotGuiding", err)
	}
	if err := r.g.Suspend(false); err != nil {
		t.Errorf("resume when not suspended = %v", err)
	}
}

func TestStopGuiding(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	if !r.g.StopGuiding() {
		t.Fatal("StopGuiding should report guiding ran")
	}
	n := len(r.cam.Captures())
	r.loop.Advance(10 * time.Second)
	if len(r.cam.Captures()) != n {
		t.Error("exposure after StopGuiding")
	}
	if r.g.StopGuiding() {
		t.Error("second StopGuiding should report false")
	}
	if r.count(EventGuidingToggled) != 2 {
		t.Errorf("guiding toggles = %d, want on and off", r.count(EventGuidingToggled))
	}
}

// untilDark advances the loop until a dark exposure is in flight.
func (r *rig) untilDark(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		caps := r.cam.Captures()
		if len(caps) > 0 && caps[len(caps)-1].Type == camera.Dark {
			return
		}
		r.loop.Advance(100 * time.Millisecond)
	}
	t.Fatalf("no dark exposure started; captures = %+v", r.cam.Captures())
}

func TestDarkInFlight_NoReexposureAfterCancel(t *testing.T) {
	cases := []struct {
		name  string
		stop  func(g *Guide) error
		state State
	}{
		{"suspend", func(g *Guide) error { return g.Suspend(true) }, Suspended},
		{"stop", func(g *Guide) error {
			if !g.StopGuiding() {
				return errors.New("guiding was not running")
			}
			return nil
		}, Idle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, rigConfig{})
			r.calibrate(t)
			r.guide(t)
			r.g.SetDarkFrame(true)
			r.untilDark(t)

			if err := tc.stop(r.g); err != nil {
				t.Fatal(err)
			}
			n := len(r.cam.Captures())
			r.loop.Advance(5 * time.Second)

			if r.metrics.frames[camera.Dark] != 1 {
				t.Fatalf("dark frames = %d, want the in-flight one delivered", r.metrics.frames[camera.Dark])
			}
			if got := r.cam.Captures(); len(got) != n {
				t.Errorf("captures after the dark = %+v, want none new", got[n:])
			}
			if r.g.State() != tc.state {
				t.Errorf("state = %s, want %s", r.g.State(), tc.state)
			}
		})
	}
}

func TestDarkInFlight_ResumeContinues(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	r.g.SetDarkFrame(true)
	r.untilDark(t)

	if err := r.g.Suspend(true); err != nil {
		t.Fatal(err)
	}
	if err := r.g.Suspend(false); err != nil {
		t.Fatal(err)
	}
	n := len(r.cam.Captures())
	r.loop.Advance(1500 * time.Millisecond)

	caps := r.cam.Captures()
	if len(caps) <= n || caps[n].Type != camera.Light {
		t.Errorf("captures after resume = %+v, want a light frame after the dark", caps[n:])
	}
}

func TestDisconnectMidExposure_AbortsGuiding(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	r.cam.SetConnected(false) // the in-flight frame is dropped

	r.loop.Advance(exposureTimeout + 3*time.Second)
	if r.g.State() != Idle || r.g.guider.IsGuiding() {
		t.Fatalf("state = %s guiding %v, want idle", r.g.State(), r.g.guider.IsGuiding())
	}
	if logContains(r.g, "lost connection to Sim Cam") != 1 {
		t.Errorf("log = %v, want a connection error", r.g.Log())
	}
	if logContains(r.g, "Autoguiding aborted") != 1 {
		t.Errorf("log = %v, want guiding aborted", r.g.Log())
	}
	if r.count(EventGuidingToggled) != 2 {
		t.Errorf("guiding toggles = %d, want on and off", r.count(EventGuidingToggled))
	}

	r.cam.SetConnected(true)
	if err := r.g.StartGuiding(); err != nil {
		t.Fatalf("StartGuiding after reconnect: %v", err)
	}
	r.loop.Advance(1500 * time.Millisecond)
	if r.g.State() != Guiding {
		t.Errorf("state = %s, want guiding", r.g.State())
	}
}

func TestDisconnectMidExposure_StopReleasesCycle(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	r.cam.SetConnected(false)
	r.loop.Advance(time.Second)

	if !r.g.StopGuiding() {
		t.Fatal("StopGuiding should report guiding ran")
	}
	r.cam.SetConnected(true)
	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatalf("BeginExposureCycle after reconnect: %v", err)
	}
	r.loop.Advance(exposureTimeout + 3*time.Second)
	if r.g.State() != Idle {
		t.Errorf("state = %s, want idle", r.g.State())
	}
	if logContains(r.g, "lost connection") != 0 {
		t.Errorf("log = %v, a delivered frame must disarm the watchdog", r.g.Log())
	}
}

func TestBeginExposureCycle_DisconnectReportedWhileLatched(t *testing.T) {
	r := newRig(t, rigConfig{})
	if err := r.g.BeginExposureCycle(); err != nil {
		t.Fatal(err)
	}
	r.cam.SetConnected(false)
	if err := r.g.BeginExposureCycle(); !errors.Is(err, ErrCameraDisconnected) {
		t.Errorf("BeginExposureCycle = %v, want ErrCameraDisconnected", err)
	}
}

func TestStopCalibration_IdleIsSilent(t *testing.T) {
	r := newRig(t, rigConfig{})
	if r.g.StopCalibration() {
		t.Error("StopCalibration should report nothing to stop")
	}
	if r.count(EventCalibrationComplete) != 0 {
		t.Errorf("events = %v, want no calibration result", r.events)
	}
	if logContains(r.g, "Calibration aborted") != 0 {
		t.Errorf("log = %v", r.g.Log())
	}
	if r.g.CalibrationStage() != calibration.Idle {
		t.Errorf("stage = %s, want idle", r.g.CalibrationStage())
	}
}

func TestAutoCalibrateGuiding(t *testing.T) {
	r := newRig(t, rigConfig{})
	if err := r.g.StartAutoCalibrateGuiding(); err != nil {
		t.Fatal(err)
	}
	r.loop.Advance(60 * time.Second)
	if r.g.State() != Guiding {
		t.Fatalf("state = %s, want guiding; log:\n%s", r.g.State(), strings.Join(r.g.Log(), "\n"))
	}
	if logContains(r.g, "Auto calibration successful") != 1 {
		t.Error("missing auto calibration log entry")
	}
}

func TestDither_Completes(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	if err := r.g.Dither(); err != nil {
		t.Fatal(err)
	}
	if r.g.State() != Dithering {
		t.Fatalf("state = %s, want dithering", r.g.State())
	}
	r.loop.Advance(15 * time.Second)

	if r.count(EventDitherComplete) != 1 {
		t.Fatalf("dither complete events = %d; log:\n%s", r.count(EventDitherComplete), strings.Join(r.g.Log(), "\n"))
	}
	if r.g.State() != Guiding {
		t.Errorf("state = %s, want guiding", r.g.State())
	}
	if len(r.metrics.ditherOK) != 1 || !r.metrics.ditherOK[0] {
		t.Errorf("dither metrics = %v", r.metrics.ditherOK)
	}
}

func TestDither_StarLostFails(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.guide(t)
	if err := r.g.Dither(); err != nil {
		t.Fatal(err)
	}
	r.sky.Nudge(60, 60)
	r.loop.Advance(5 * time.Second)

	if r.count(EventDitherFailed) != 1 {
		t.Errorf("dither failed events = %d, want 1", r.count(EventDitherFailed))
	}
	if r.g.State() != Idle {
		t.Errorf("state = %s, want idle", r.g.State())
	}
	if logContains(r.g, "Dithering failed. Autoguiding aborted.") != 1 {
		t.Errorf("log = %v", r.g.Log())
	}
}

func TestDither_RequiresGuiding(t *testing.T) {
	r := newRig(t, rigConfig{})
	if err := r.g.Dither(); !errors.Is(err, guider.ErrNotGuiding) {
		t.Errorf("Dither = %v, want ErrNotGuiding", err)
	}
}

// ---------- Rapid guiding ----------

func TestRapidGuide_SentinelAbortsWithoutPulse(t *testing.T) {
	r := newRig(t, rigConfig{rapid: true})
	r.calibrate(t)
	r.g.SetGuideRapid(true)
	r.guide(t)
	before := len(r.mount.Pulses())

	r.g.OnRapidStarData(camera.StarData{DX: -1, DY: -1, Fit: -1})
	r.loop.Advance(5 * time.Second)

	if r.g.State() != Idle {
		t.Errorf("state = %s, want idle", r.g.State())
	}
	if got := r.mount.Pulses()[before:]; len(got) != 0 {
		t.Errorf("pulses after sentinel = %v, want none", got)
	}
	if logContains(r.g, "Rapid guide aborted") != 1 {
		t.Errorf("log = %v", r.g.Log())
	}
	if r.g.Engine().RapidGuide() {
		t.Error("rapid mode should be switched off")
	}
}

func TestRapidGuide_SentinelWhileSuspendedIsTerminal(t *testing.T) {
	r := newRig(t, rigConfig{rapid: true})
	r.calibrate(t)
	r.g.SetGuideRapid(true)
	r.guide(t)
	if err := r.g.Suspend(true); err != nil {
		t.Fatal(err)
	}
	before := len(r.mount.Pulses())

	r.g.OnRapidStarData(camera.StarData{DX: -1, DY: -1, Fit: -1})
	if r.g.State() != Suspended || !r.g.guider.IsGuiding() {
		t.Fatalf("state = %s guiding %v, want suspended guiding", r.g.State(), r.g.guider.IsGuiding())
	}
	if logContains(r.g, "Rapid guide aborted") != 0 {
		t.Errorf("log = %v", r.g.Log())
	}
	if got := r.mount.Pulses()[before:]; len(got) != 0 {
		t.Errorf("pulses while suspended = %v", got)
	}
	if err := r.g.Suspend(false); err != nil {
		t.Fatal(err)
	}
	if r.g.State() != Guiding {
		t.Errorf("state = %s, want guiding", r.g.State())
	}
}

func TestRapidGuide_Corrects(t *testing.T) {
	r := newRig(t, rigConfig{rapid: true})
	r.calibrate(t)
	r.g.SetGuideRapid(true)
	r.guide(t)
	before := len(r.mount.Pulses())

	r.sky.Nudge(3, 0)
	r.loop.Advance(2 * time.Second)
	if pulses := r.mount.Pulses()[before:]; len(pulses) == 0 || pulses[0].Dir != st4.East {
		t.Errorf("pulses = %v, want an East correction", pulses)
	}
}

func TestRapidGuide_Unsupported(t *testing.T) {
	r := newRig(t, rigConfig{})
	r.calibrate(t)
	r.g.SetGuideRapid(true)
	if err := r.g.StartGuiding(); !errors.Is(err, ErrRapidUnsupported) {
		t.Fatalf("StartGuiding = %v, want ErrRapidUnsupported", err)
	}
	if r.g.State() != Idle || r.g.guider.IsGuiding() {
		t.Error("guiding should fall back to idle")
	}
}
