package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// CameraConfig describes the guide camera.
// Type selects a concrete implementation (only "sim" ships; sensor drivers live elsewhere).
type CameraConfig struct {
	Type       string  `yaml:"type" toml:"type"`               // e.g., "sim"
	Name       string  `yaml:"name" toml:"name"`               // device name shown in logs
	GuideHead  bool    `yaml:"guide_head" toml:"guide_head"`   // use the secondary (guide) sensor when present
	ExposureMs int     `yaml:"exposure_ms" toml:"exposure_ms"` // guide exposure (ms)
	PixelUm    float64 `yaml:"pixel_um" toml:"pixel_um"`       // sim: pixel size (µm)
	WidthPx    int     `yaml:"width_px" toml:"width_px"`       // sim: sensor width
	HeightPx   int     `yaml:"height_px" toml:"height_px"`     // sim: sensor height
	Seed       int64   `yaml:"seed" toml:"seed"`               // sim: noise seed
	RapidGuide bool    `yaml:"rapid_guide" toml:"rapid_guide"` // sim: device-side centroiding available
}

// ST4Config describes the pulse actuator wired to the mount's guide port.
type ST4Config struct {
	Type       string `yaml:"type" toml:"type"`               // "gpio", "lx200" or "sim"
	Name       string `yaml:"name" toml:"name"`               // device name
	NorthPin   int    `yaml:"north_pin" toml:"north_pin"`     // gpio: DEC+ opto line (BCM)
	SouthPin   int    `yaml:"south_pin" toml:"south_pin"`     // gpio: DEC- opto line (BCM)
	EastPin    int    `yaml:"east_pin" toml:"east_pin"`       // gpio: RA- opto line (BCM)
	WestPin    int    `yaml:"west_pin" toml:"west_pin"`       // gpio: RA+ opto line (BCM)
	SerialPort string `yaml:"serial_port" toml:"serial_port"` // lx200: e.g., "/dev/ttyUSB0"
	Baud       int    `yaml:"baud" toml:"baud"`               // lx200: serial speed
	DECSwap    bool   `yaml:"dec_swap" toml:"dec_swap"`       // swap north/south lines
}

// AOConfig describes the optional adaptive optics unit.
type AOConfig struct {
	Type       string        `yaml:"type" toml:"type"`                 // "none", "stepper" or "sim"
	Name       string        `yaml:"name" toml:"name"`                 // device name
	Limit      float64       `yaml:"limit" toml:"limit"`               // AO correction envelope (arcsec of deviation)
	Tip        StepperConfig `yaml:"tip" toml:"tip"`                   // stepper: RA-side motor
	Tilt       StepperConfig `yaml:"tilt" toml:"tilt"`                 // stepper: DEC-side motor
	StepsPerMs float64       `yaml:"steps_per_ms" toml:"steps_per_ms"` // stepper: steps per pulse millisecond
	MaxSteps   int           `yaml:"max_steps" toml:"max_steps"`       // stepper: travel limit from center
}

// StepperConfig holds the configuration for a stepper motor.
type StepperConfig struct {
	StepPin   int `yaml:"step_pin" toml:"step_pin"`
	DirPin    int `yaml:"dir_pin" toml:"dir_pin"`
	EnablePin int `yaml:"enable_pin" toml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepUs    int `yaml:"step_us" toml:"step_us"`       // half-cycle of the STEP pulse (µs)
}

// TelescopeConfig describes the optics. Guider fields take precedence when non-zero.
type TelescopeConfig struct {
	Name              string  `yaml:"name" toml:"name"`
	ApertureMm        float64 `yaml:"aperture_mm" toml:"aperture_mm"`
	FocalLengthMm     float64 `yaml:"focal_length_mm" toml:"focal_length_mm"`
	GuiderApertureMm  float64 `yaml:"guider_aperture_mm" toml:"guider_aperture_mm"`
	GuiderFocalLength float64 `yaml:"guider_focal_length_mm" toml:"guider_focal_length_mm"`
}

// GuideConfig holds the steady-state guiding options.
type GuideConfig struct {
	BoxSize             int     `yaml:"box_size" toml:"box_size"`                           // search box around the star (px)
	Algorithm           string  `yaml:"algorithm" toml:"algorithm"`                         // proportional, hysteresis, lowpass, resist_switch
	Aggressiveness      float64 `yaml:"aggressiveness" toml:"aggressiveness"`               // 0-1 fraction of error corrected
	Hysteresis          float64 `yaml:"hysteresis" toml:"hysteresis"`                       // 0-1 weight of previous output
	MinMovePx           float64 `yaml:"min_move_px" toml:"min_move_px"`                     // ignore smaller errors
	MaxPulseMs          int     `yaml:"max_pulse_ms" toml:"max_pulse_ms"`                   // clamp for a single pulse
	SubFrame            bool    `yaml:"subframe" toml:"subframe"`                           // capture only around the star
	RapidGuide          bool    `yaml:"rapid_guide" toml:"rapid_guide"`                     // device-side centroiding
	Dither              bool    `yaml:"dither" toml:"dither"`                               // allow dithering
	DitherAmplitudePx   float64 `yaml:"dither_amplitude_px" toml:"dither_amplitude_px"`     // max random offset
	DitherTolerancePx   float64 `yaml:"dither_tolerance_px" toml:"dither_tolerance_px"`     // settled when error below
	DitherMaxIterations int     `yaml:"dither_max_iterations" toml:"dither_max_iterations"` // give up after
	DarkFrame           bool    `yaml:"dark_frame" toml:"dark_frame"`                       // subtract a dark reference
	Filter              string  `yaml:"filter" toml:"filter"`                               // none, median, smooth
}

// CalibrationConfig holds the calibration protocol options.
type CalibrationConfig struct {
	PulseMs      int     `yaml:"pulse_ms" toml:"pulse_ms"`             // first probe pulse (ms)
	BoxSize      int     `yaml:"box_size" toml:"box_size"`             // search box while calibrating (px)
	MaxSteps     int     `yaml:"max_steps" toml:"max_steps"`           // probe pulses per axis
	MinTravelPx  float64 `yaml:"min_travel_px" toml:"min_travel_px"`   // stop probing once reached
	NoiseFloorPx float64 `yaml:"noise_floor_px" toml:"noise_floor_px"` // fail below this travel
	AutoStar     bool    `yaml:"auto_star" toml:"auto_star"`           // pick the star and skip confirmations
	DarkFrame    bool    `yaml:"dark_frame" toml:"dark_frame"`         // use dark while calibrating
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int    `yaml:"debug_level" toml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio" toml:"mock_gpio"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	StateFile  string `yaml:"state_file" toml:"state_file"`   // persisted settings (last ST4 driver, ...)
}

// Config aggregates all application configuration.
type Config struct {
	Camera      CameraConfig      `yaml:"camera" toml:"camera"`
	ST4         ST4Config         `yaml:"st4" toml:"st4"`
	AO          AOConfig          `yaml:"ao" toml:"ao"`
	Telescope   TelescopeConfig   `yaml:"telescope" toml:"telescope"`
	Guide       GuideConfig       `yaml:"guide" toml:"guide"`
	Calibration CalibrationConfig `yaml:"calibration" toml:"calibration"`
	Defaults    DefaultsConfig    `yaml:"defaults" toml:"defaults"`
}

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ValidateConfigPath checks that path names a .yaml or .toml file directly
// inside a "configs" directory, without traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	switch filepath.Ext(path) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config path %q must end in .yaml or .toml", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML (or, for a .toml extension, TOML) file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal toml: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	// Basic validation
	if cfg.Camera.Type == "" {
		return fmt.Errorf("camera.type is required")
	}
	if cfg.ST4.Type == "" {
		return fmt.Errorf("st4.type is required")
	}
	switch cfg.ST4.Type {
	case "gpio", "lx200", "sim":
	default:
		return fmt.Errorf("unsupported st4.type: %s", cfg.ST4.Type)
	}
	if cfg.ST4.Type == "lx200" && cfg.ST4.SerialPort == "" {
		return fmt.Errorf("st4.serial_port is required for lx200")
	}
	if cfg.AO.Type == "" {
		cfg.AO.Type = "none"
	}
	switch cfg.AO.Type {
	case "none", "stepper", "sim":
	default:
		return fmt.Errorf("unsupported ao.type: %s", cfg.AO.Type)
	}

	if cfg.Camera.Name == "" {
		cfg.Camera.Name = "Guide Camera"
	}
	if cfg.Camera.ExposureMs <= 0 {
		cfg.Camera.ExposureMs = 1000 // 1s guide exposure
	}
	if cfg.Camera.PixelUm <= 0 {
		cfg.Camera.PixelUm = 5.2
	}
	if cfg.Camera.WidthPx <= 0 {
		cfg.Camera.WidthPx = 640
	}
	if cfg.Camera.HeightPx <= 0 {
		cfg.Camera.HeightPx = 480
	}

	if cfg.ST4.Name == "" {
		cfg.ST4.Name = "ST4 " + cfg.ST4.Type
	}
	if cfg.ST4.Baud <= 0 {
		cfg.ST4.Baud = 9600
	}
	if cfg.AO.Name == "" {
		cfg.AO.Name = "AO " + cfg.AO.Type
	}
	if cfg.AO.Limit <= 0 {
		cfg.AO.Limit = 2.0
	}
	if cfg.AO.StepsPerMs <= 0 {
		cfg.AO.StepsPerMs = 0.1
	}
	if cfg.AO.MaxSteps <= 0 {
		cfg.AO.MaxSteps = 200
	}

	if cfg.Telescope.FocalLengthMm < 0 || cfg.Telescope.ApertureMm < 0 {
		return fmt.Errorf("telescope focal length and aperture must be >= 0")
	}

	if cfg.Guide.BoxSize <= 0 {
		cfg.Guide.BoxSize = 32
	}
	if cfg.Guide.BoxSize < 8 || cfg.Guide.BoxSize > 256 {
		return fmt.Errorf("guide.box_size must be between 8 and 256, got %d", cfg.Guide.BoxSize)
	}
	if cfg.Guide.Algorithm == "" {
		cfg.Guide.Algorithm = "proportional"
	}
	if cfg.Guide.Aggressiveness <= 0 {
		cfg.Guide.Aggressiveness = 0.7
	}
	if cfg.Guide.Aggressiveness > 1 {
		return fmt.Errorf("guide.aggressiveness must be <= 1, got %.2f", cfg.Guide.Aggressiveness)
	}
	if cfg.Guide.Hysteresis < 0 || cfg.Guide.Hysteresis >= 1 {
		return fmt.Errorf("guide.hysteresis must be in [0, 1), got %.2f", cfg.Guide.Hysteresis)
	}
	if cfg.Guide.Hysteresis == 0 {
		cfg.Guide.Hysteresis = 0.1
	}
	if cfg.Guide.MinMovePx <= 0 {
		cfg.Guide.MinMovePx = 0.15
	}
	if cfg.Guide.MaxPulseMs <= 0 {
		cfg.Guide.MaxPulseMs = 2500
	}
	if cfg.Guide.DitherAmplitudePx <= 0 {
		cfg.Guide.DitherAmplitudePx = 3
	}
	if cfg.Guide.DitherTolerancePx <= 0 {
		cfg.Guide.DitherTolerancePx = 0.5
	}
	if cfg.Guide.DitherMaxIterations <= 0 {
		cfg.Guide.DitherMaxIterations = 10
	}
	if cfg.Guide.Filter == "" {
		cfg.Guide.Filter = "none"
	}

	if cfg.Calibration.PulseMs <= 0 {
		cfg.Calibration.PulseMs = 1000
	}
	if cfg.Calibration.BoxSize <= 0 {
		cfg.Calibration.BoxSize = cfg.Guide.BoxSize
	}
	if cfg.Calibration.MaxSteps <= 0 {
		cfg.Calibration.MaxSteps = 5
	}
	if cfg.Calibration.MinTravelPx <= 0 {
		cfg.Calibration.MinTravelPx = 15
	}
	if cfg.Calibration.NoiseFloorPx <= 0 {
		cfg.Calibration.NoiseFloorPx = 2
	}
	if cfg.Calibration.NoiseFloorPx >= cfg.Calibration.MinTravelPx {
		return fmt.Errorf("calibration.noise_floor_px (%.2f) must be below min_travel_px (%.2f)",
			cfg.Calibration.NoiseFloorPx, cfg.Calibration.MinTravelPx)
	}

	if cfg.Defaults.StateFile == "" {
		cfg.Defaults.StateFile = filepath.Join("state", "guide.yaml")
	}
	return nil
}

// Exposure returns the guide exposure duration.
func (c *Config) Exposure() time.Duration {
	return time.Duration(c.Camera.ExposureMs) * time.Millisecond
}

// CalibrationPulse returns the first probe pulse duration.
func (c *Config) CalibrationPulse() time.Duration {
	return time.Duration(c.Calibration.PulseMs) * time.Millisecond
}

// MaxPulse returns the longest single correction pulse.
func (c *Config) MaxPulse() time.Duration {
	return time.Duration(c.Guide.MaxPulseMs) * time.Millisecond
}

// StepDelay returns the half-cycle delay of a stepper's STEP pulse.
func (s StepperConfig) StepDelay() time.Duration {
	return time.Duration(s.StepUs) * time.Microsecond
}

// FocalLength returns the guider focal length, falling back to the telescope's.
func (t TelescopeConfig) FocalLength() float64 {
	if t.GuiderFocalLength != 0 {
		return t.GuiderFocalLength
	}
	return t.FocalLengthMm
}

// Aperture returns the guider aperture, falling back to the telescope's.
func (t TelescopeConfig) Aperture() float64 {
	if t.GuiderApertureMm != 0 {
		return t.GuiderApertureMm
	}
	return t.ApertureMm
}
