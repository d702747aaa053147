// Package lx200 pulse-guides a mount through its LX200 serial protocol.
package lx200

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/cjeanneret/GoGuide/internal/debug"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
)

// MaxPulseMs is the longest pulse the :Mg command can express.
const MaxPulseMs = 9999

// Mount sends :Mg pulse-guide commands. The mount times the pulse itself;
// an axis is considered busy until its last pulse has elapsed.
type Mount struct {
	name string
	port string
	w    io.Writer
	c    io.Closer
	now  func() time.Time

	mu        sync.Mutex
	busyUntil [2]time.Time
	swap      bool
}

// Open connects to the mount on a serial port.
func Open(name, port string, baud int) (*Mount, error) {
	cfg := &serial.Config{Name: port, Baud: baud, ReadTimeout: 500 * time.Millisecond}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("lx200: open %s: %w", port, err)
	}
	debug.Info("LX200 mount %q on %s (%d baud)", name, port, baud)
	m := New(name, port, p)
	m.c = p
	return m, nil
}

// New wraps an already open connection.
func New(name, port string, w io.Writer) *Mount {
	return &Mount{name: name, port: port, w: w, now: time.Now}
}

func (m *Mount) Name() string { return m.name }

// SetDECSwap swaps north and south commands.
func (m *Mount) SetDECSwap(swap bool) {
	m.mu.Lock()
	m.swap = swap
	m.mu.Unlock()
}

// Command formats a pulse-guide command.
func Command(dir st4.Direction, ms int) (string, error) {
	var c byte
	switch dir {
	case st4.North:
		c = 'n'
	case st4.South:
		c = 's'
	case st4.East:
		c = 'e'
	case st4.West:
		c = 'w'
	default:
		return "", st4.ErrNoDirection
	}
	if ms > MaxPulseMs {
		ms = MaxPulseMs
	}
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf(":Mg%c%04d#", c, ms), nil
}

func (m *Mount) PulseAxis(dir st4.Direction, ms int) (bool, error) {
	if dir.Axis() == st4.DEC {
		return m.Pulse(st4.None, 0, dir, ms)
	}
	return m.Pulse(dir, ms, st4.None, 0)
}

// Pulse sends both axes back to back.
func (m *Mount) Pulse(raDir st4.Direction, raMs int, decDir st4.Direction, decMs int) (bool, error) {
	moves := st4.Moves(raDir, raMs, decDir, decMs)
	if len(moves) == 0 {
		return false, st4.ErrNoDirection
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, mv := range moves {
		if now.Before(m.busyUntil[mv.Dir.Axis()]) {
			debug.Verbose("LX200 %s: %s axis busy, pulse rejected", m.name, mv.Dir.Axis())
			return false, nil
		}
	}

	for _, mv := range moves {
		dir := st4.Swap(mv.Dir, m.swap)
		cmd, err := Command(dir, mv.Ms)
		if err != nil {
			return false, err
		}
		debug.Serial(m.port, cmd)
		if _, err := io.WriteString(m.w, cmd); err != nil {
			return false, fmt.Errorf("lx200: write %s: %w", cmd, err)
		}
		debug.Pulse("LX200", dir.String(), mv.Ms)
		ms := mv.Ms
		if ms > MaxPulseMs {
			ms = MaxPulseMs
		}
		m.busyUntil[mv.Dir.Axis()] = now.Add(time.Duration(ms) * time.Millisecond)
	}
	return true, nil
}

// Close closes the serial port when the mount was opened with Open.
func (m *Mount) Close() error {
	if m.c == nil {
		return nil
	}
	return m.c.Close()
}
