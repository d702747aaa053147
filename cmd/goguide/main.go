package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/GoGuide/internal/config"
	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/ao"
	"github.com/cjeanneret/GoGuide/internal/hw/camera"
	"github.com/cjeanneret/GoGuide/internal/hw/gpio"
	"github.com/cjeanneret/GoGuide/internal/hw/lx200"
	"github.com/cjeanneret/GoGuide/internal/hw/mount"
	"github.com/cjeanneret/GoGuide/internal/hw/sim"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/hw/stepper"
	"github.com/cjeanneret/GoGuide/internal/logic/gmath"
	"github.com/cjeanneret/GoGuide/internal/logic/guide"
	"github.com/cjeanneret/GoGuide/internal/logic/guider"
	"github.com/cjeanneret/GoGuide/internal/observability"
	"github.com/cjeanneret/GoGuide/internal/reactor"
	"github.com/cjeanneret/GoGuide/internal/web"
)

// Simulated mount response: RA axis rotated 30° from the sensor X axis.
const (
	simMountAngleDeg = 30
	simRAGain        = 0.005 // px/ms
	simDECGain       = 0.004 // px/ms
	simAOGain        = 0.01  // px/ms
	simAOLimitPx     = 6
)

// overrides are the command line values applied over the configuration file.
// Zero values mean "use config".
type overrides struct {
	ExposureMs     float64
	Aggressiveness float64
	MaxPulseMs     float64
	Algorithm      string
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	exposureMs := flag.Float64("exposure_ms", 0, "override guide exposure in ms (1-60000)")
	aggressiveness := flag.Float64("aggressiveness", 0, "override guide aggressiveness (0-1]")
	maxPulseMs := flag.Float64("max_pulse_ms", 0, "override longest correction pulse in ms (1-9999)")
	algorithm := flag.String("algorithm", "", "override guide algorithm")
	calibrateOnly := flag.Bool("calibrate", false, "without -web: calibrate once and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(*exposureMs, *aggressiveness, *maxPulseMs, *algorithm); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides{
		ExposureMs:     *exposureMs,
		Aggressiveness: *aggressiveness,
		MaxPulseMs:     *maxPulseMs,
		Algorithm:      *algorithm,
	})

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	loop := reactor.New()

	// Initialize devices
	debug.Step(2, "Initializing guide camera")
	cam, sky, err := newCameraFromConfig(cfg, loop)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.PrintStruct("Camera config", cfg.Camera)

	debug.Step(3, "Initializing pulse actuators")
	pulser, err := newST4FromConfig(gpioDriver, cfg, sky)
	if err != nil {
		log.Fatalf("init ST4 failed: %v", err)
	}
	if c, ok := pulser.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				log.Printf("closing %s failed: %v", pulser.Name(), err)
			}
		}()
	}
	debug.PrintStruct("ST4 config", cfg.ST4)
	aoUnit := newAOFromConfig(gpioDriver, cfg, sky)
	debug.Value("AO type", cfg.AO.Type)

	// Initialize the guide session
	debug.Step(4, "Initializing guide session")
	store, err := config.OpenStore(cfg.Defaults.StateFile)
	if err != nil {
		log.Fatalf("open state file failed: %v", err)
	}
	collector, err := observability.NewGuideCollector(nil)
	if err != nil {
		log.Fatalf("register metrics failed: %v", err)
	}
	session, err := guide.New(loop, guide.OptionsFromConfig(cfg), store, collector)
	if err != nil {
		log.Fatalf("init guide session failed: %v", err)
	}
	bindDevices(session, cfg, cam, pulser, aoUnit)

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()
	defer func() {
		session.StopCalibration()
		session.StopGuiding()
		cancel()
		<-loopDone
	}()

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		formDefaults := web.FormConfig{
			ExposureMs:      cfg.Camera.ExposureMs,
			Algorithm:       cfg.Guide.Algorithm,
			Algorithms:      guider.Algorithms(),
			Filters:         gmath.Filters,
			BoxSize:         cfg.Guide.BoxSize,
			DitherAmplitude: cfg.Guide.DitherAmplitudePx,
			AOLimit:         cfg.AO.Limit,
			ST4Devices:      session.ST4Devices(),
		}
		srv := web.NewServer(webAddr, broadcaster, session, collector.Handler(), formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	if err := runHeadless(ctx, session, *calibrateOnly); err != nil {
		log.Fatalf("guiding failed: %v", err)
	}
}

// runHeadless calibrates then guides until ctx is cancelled. With
// calibrateOnly it returns once the calibration has finished.
func runHeadless(ctx context.Context, session *guide.Guide, calibrateOnly bool) error {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	unsub := session.Subscribe(func(ev guide.Event) {
		switch {
		case ev.Kind == guide.EventCalibrationComplete && !ev.OK:
			finish(errors.New("calibration failed"))
		case ev.Kind == guide.EventCalibrationComplete && calibrateOnly:
			finish(nil)
		case ev.Kind == guide.EventGuidingToggled && !ev.OK:
			finish(errors.New("guiding stopped"))
		}
	})
	defer unsub()

	start := session.StartAutoCalibrateGuiding
	if calibrateOnly {
		start = session.StartCalibration
	}
	if err := start(); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(exposureMs, aggressiveness, maxPulseMs float64, algorithm string) error {
	if exposureMs != 0 {
		if math.IsNaN(exposureMs) || math.IsInf(exposureMs, 0) || exposureMs < 1 || exposureMs > 60000 {
			return fmt.Errorf("exposure_ms must be between 1 and 60000, got %g", exposureMs)
		}
	}
	if aggressiveness != 0 {
		if math.IsNaN(aggressiveness) || aggressiveness <= 0 || aggressiveness > 1 {
			return fmt.Errorf("aggressiveness must be in (0, 1], got %g", aggressiveness)
		}
	}
	if maxPulseMs != 0 {
		if math.IsNaN(maxPulseMs) || math.IsInf(maxPulseMs, 0) || maxPulseMs < 1 || maxPulseMs > lx200.MaxPulseMs {
			return fmt.Errorf("max_pulse_ms must be between 1 and %d, got %g", lx200.MaxPulseMs, maxPulseMs)
		}
	}
	if algorithm != "" {
		if _, err := guider.NewAlgorithm(algorithm, guider.AlgorithmOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.ExposureMs > 0 {
		cfg.Camera.ExposureMs = int(math.Round(o.ExposureMs))
	}
	if o.Aggressiveness > 0 {
		cfg.Guide.Aggressiveness = o.Aggressiveness
	}
	if o.MaxPulseMs > 0 {
		cfg.Guide.MaxPulseMs = int(math.Round(o.MaxPulseMs))
	}
	if o.Algorithm != "" {
		cfg.Guide.Algorithm = o.Algorithm
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// bindDevices hands the configured devices to the session. aoUnit may be nil.
func bindDevices(session *guide.Guide, cfg *config.Config, cam camera.Camera, pulser, aoUnit st4.Pulser) {
	session.BindMountDevice(mount.NewStatic(cfg.Telescope))
	session.BindImagingDevice(cam, true)
	session.UseGuideHead(cfg.Camera.GuideHead)
	session.BindPulseActuator(pulser)
	if aoUnit != nil {
		session.BindAdaptiveOptics(aoUnit)
	}
}

// newCameraFromConfig selects a camera implementation based on configuration.
// The simulated camera comes with the sky the simulated actuators move.
func newCameraFromConfig(cfg *config.Config, loop reactor.Loop) (camera.Camera, *sim.Sky, error) {
	switch cfg.Camera.Type {
	case "sim":
		skyCfg := sim.DefaultSkyConfig()
		skyCfg.Width, skyCfg.Height = cfg.Camera.WidthPx, cfg.Camera.HeightPx
		skyCfg.StarX, skyCfg.StarY = 0, 0
		skyCfg.DriftX, skyCfg.DriftY = 0.05, -0.02
		if cfg.Camera.Seed != 0 {
			skyCfg.Seed = cfg.Camera.Seed
		}
		sky := sim.NewSky(skyCfg)
		camCfg := sim.CameraConfig{
			Name:       cfg.Camera.Name,
			PixelUm:    cfg.Camera.PixelUm,
			GuideHead:  cfg.Camera.GuideHead,
			RapidGuide: cfg.Camera.RapidGuide,
		}
		if cfg.Camera.RapidGuide {
			return sim.NewRapidCamera(camCfg, sky, loop), sky, nil
		}
		return sim.NewCamera(camCfg, sky, loop), sky, nil
	default:
		return nil, nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// newST4FromConfig selects the pulse actuator and applies the DEC line swap.
func newST4FromConfig(g gpio.Driver, cfg *config.Config, sky *sim.Sky) (st4.Pulser, error) {
	var p st4.Pulser
	switch cfg.ST4.Type {
	case "gpio":
		port, err := st4.NewGPIO(cfg.ST4.Name, g, st4.Pins{
			North: cfg.ST4.NorthPin,
			South: cfg.ST4.SouthPin,
			East:  cfg.ST4.EastPin,
			West:  cfg.ST4.WestPin,
		})
		if err != nil {
			return nil, err
		}
		p = port
	case "lx200":
		m, err := lx200.Open(cfg.ST4.Name, cfg.ST4.SerialPort, cfg.ST4.Baud)
		if err != nil {
			return nil, err
		}
		p = m
	case "sim":
		p = sim.NewMount(cfg.ST4.Name, sky, simMountAngleDeg, simRAGain, simDECGain)
	default:
		return nil, fmt.Errorf("unsupported st4 type: %s", cfg.ST4.Type)
	}
	if s, ok := p.(st4.DECSwapper); ok {
		s.SetDECSwap(cfg.ST4.DECSwap)
	}
	return p, nil
}

// newAOFromConfig returns the adaptive optics unit, or nil when none is configured.
func newAOFromConfig(g gpio.Driver, cfg *config.Config, sky *sim.Sky) st4.Pulser {
	switch cfg.AO.Type {
	case "stepper":
		motor := func(name string, sc config.StepperConfig) *stepper.Stepper {
			return stepper.NewStepper(g, stepper.Config{
				Name:      name,
				StepPin:   sc.StepPin,
				DirPin:    sc.DirPin,
				EnablePin: sc.EnablePin,
				MaxSteps:  cfg.AO.MaxSteps,
				StepDelay: sc.StepDelay(),
			})
		}
		return ao.New(ao.Config{
			Name:       cfg.AO.Name,
			StepsPerMs: cfg.AO.StepsPerMs,
			MaxSteps:   cfg.AO.MaxSteps,
		}, motor("tip", cfg.AO.Tip), motor("tilt", cfg.AO.Tilt))
	case "sim":
		return sim.NewAO(cfg.AO.Name, sky, simAOGain, simAOLimitPx)
	default:
		return nil
	}
}
