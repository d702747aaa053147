package debug

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (session state, calibration result)
	LevelLive    = 2 // Live info (frames, pulses, deviations)
	LevelVerbose = 3 // Verbose (centroid details, algorithm internals)
	LevelTrace   = 4 // Trace (GPIO, serial, very low level)
)

var (
	level   int
	logger  *log.Logger
	colored bool
)

var (
	infoTag    = color.New(color.FgGreen).SprintFunc()
	liveTag    = color.New(color.FgCyan).SprintFunc()
	verboseTag = color.New(color.FgBlue).SprintFunc()
	traceTag   = color.New(color.FgMagenta).SprintFunc()
	errorTag   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (session state, calibration result, actuator hand-off)
// 2 = live info (frames received, pulses issued, deviations)
// 3 = verbose (centroid details, probe measurements, algorithm output)
// 4 = trace (GPIO, serial commands)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(os.Stdout, "[GoGuide] ", log.LstdFlags|log.Lmicroseconds)
		colored = !color.NoColor
	}
}

// SetOutput redirects debug output. Colors are only kept on stdout.
func SetOutput(w io.Writer) {
	if logger == nil {
		return
	}
	logger.SetOutput(w)
	colored = w == os.Stdout && !color.NoColor
}

// Level returns the current debug level.
func Level() int {
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

func tag(paint func(a ...interface{}) string, name string) string {
	if colored {
		return paint(name)
	}
	return name
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tag(infoTag, "[INFO]")+" "+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("═══════════════════════════════════════")
		logger.Printf("  %s", title)
		logger.Printf("═══════════════════════════════════════")
	}
}

// Calibration prints a calibration result (level 1).
func Calibration(angleDeg, raGain, decGain float64) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("%s Calibration: angle=%.2f° RA=%.4f px/ms DEC=%.4f px/ms",
			tag(infoTag, "[INFO]"), angleDeg, raGain, decGain)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf(tag(liveTag, "[LIVE]")+" "+format, args...)
	}
}

// Pulse prints a correction pulse (level 2).
func Pulse(actuator string, direction string, ms int) {
	if level >= LevelLive && logger != nil {
		logger.Printf("%s Pulse %s: %s %d ms", tag(liveTag, "[LIVE]"), actuator, direction, ms)
	}
}

// Frame prints a received frame (level 2).
func Frame(kind string, width, height int) {
	if level >= LevelLive && logger != nil {
		logger.Printf("%s Frame received: %s %dx%d", tag(liveTag, "[LIVE]"), kind, width, height)
	}
}

// Deviation prints the current guide deviation in arcseconds (level 2).
func Deviation(ra, dec float64) {
	if level >= LevelLive && logger != nil {
		logger.Printf("%s Deviation: RA=%+.2f\" DEC=%+.2f\"", tag(liveTag, "[LIVE]"), ra, dec)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf(tag(verboseTag, "[VERBOSE]")+" "+format, args...)
	}
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("%s %s: %+v", tag(verboseTag, "[VERBOSE]"), name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("%s Step %d: %s", tag(verboseTag, "[VERBOSE]"), num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("%s   %s = %v", tag(infoTag, "[INFO]"), name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf(tag(traceTag, "[TRACE]")+" "+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("%s %s pin=%d value=%v", tag(traceTag, "[GPIO]"), operation, pin, value)
	}
}

// Serial prints a serial command (level 4).
func Serial(port string, command string) {
	if level >= LevelTrace && logger != nil {
		logger.Printf("%s %s <- %q", tag(traceTag, "[SERIAL]"), port, command)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("%s %v", tag(errorTag, "[ERROR]"), err)
	}
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if level > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
