package ao

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/GoGuide/internal/hw/gpio"
	"github.com/cjeanneret/GoGuide/internal/hw/st4"
	"github.com/cjeanneret/GoGuide/internal/hw/stepper"
)

func newUnit(t *testing.T, maxSteps int) *Unit {
	t.Helper()
	drv := gpio.NewMockDriver()
	tip := stepper.NewStepper(drv, stepper.Config{Name: "tip", StepPin: 5, DirPin: 6, MaxSteps: maxSteps, StepDelay: time.Microsecond})
	tilt := stepper.NewStepper(drv, stepper.Config{Name: "tilt", StepPin: 13, DirPin: 19, MaxSteps: maxSteps, StepDelay: time.Microsecond})
	return New(Config{Name: "AO", StepsPerMs: 0.1, MaxSteps: maxSteps}, tip, tilt)
}

func TestUnit_Steps(t *testing.T) {
	u := newUnit(t, 0)
	cases := []struct {
		dir  st4.Direction
		ms   int
		want int
	}{
		{st4.West, 100, 10},
		{st4.East, 100, -10},
		{st4.North, 25, 3},
		{st4.South, 24, -2},
	}
	for _, tc := range cases {
		if got := u.Steps(tc.dir, tc.ms); got != tc.want {
			t.Errorf("Steps(%s, %d) = %d, want %d", tc.dir, tc.ms, got, tc.want)
		}
	}
}

func TestUnit_PulseMovesMotors(t *testing.T) {
	u := newUnit(t, 0)
	ok, err := u.Pulse(st4.West, 100, st4.South, 50)
	if err != nil || !ok {
		t.Fatalf("Pulse = %v, %v", ok, err)
	}
	u.Wait()
	tip, tilt := u.Position()
	if tip != 10 || tilt != -5 {
		t.Errorf("Position() = (%d, %d), want (10, -5)", tip, tilt)
	}
}

func TestUnit_ClampsToTravel(t *testing.T) {
	u := newUnit(t, 8)
	if ok, _ := u.PulseAxis(st4.West, 500); !ok {
		t.Fatal("pulse rejected")
	}
	u.Wait()
	if tip, _ := u.Position(); tip != 8 {
		t.Errorf("tip = %d, want clamped to 8", tip)
	}
	if err := u.Center(); err != nil {
		t.Fatalf("Center: %v", err)
	}
	if tip, tilt := u.Position(); tip != 0 || tilt != 0 {
		t.Errorf("after Center position = (%d, %d)", tip, tilt)
	}
}

func TestUnit_DECSwap(t *testing.T) {
	u := newUnit(t, 0)
	u.SetDECSwap(true)
	if ok, _ := u.PulseAxis(st4.North, 30); !ok {
		t.Fatal("pulse rejected")
	}
	u.Wait()
	if _, tilt := u.Position(); tilt != -3 {
		t.Errorf("tilt = %d, want -3 with DEC swap", tilt)
	}
}

type slowMotor struct {
	release chan struct{}
	pos     int
}

func (m *slowMotor) MoveSteps(n int) error { <-m.release; m.pos += n; return nil }
func (m *slowMotor) Position() int         { return m.pos }
func (m *slowMotor) Center() error         { m.pos = 0; return nil }

func TestUnit_RejectsWhileMoving(t *testing.T) {
	tip := &slowMotor{release: make(chan struct{})}
	tilt := &slowMotor{release: make(chan struct{})}
	u := New(Config{Name: "AO", StepsPerMs: 1}, tip, tilt)

	if ok, _ := u.PulseAxis(st4.West, 5); !ok {
		t.Fatal("first pulse rejected")
	}
	if ok, _ := u.PulseAxis(st4.North, 5); ok {
		t.Error("second pulse should be rejected while moving")
	}
	close(tip.release)
	close(tilt.release)
	u.Wait()
	if ok, _ := u.PulseAxis(st4.North, 5); !ok {
		t.Error("pulse should be accepted once idle")
	}
	u.Wait()
}

func TestUnit_NoDirection(t *testing.T) {
	u := newUnit(t, 0)
	if _, err := u.Pulse(st4.None, 10, st4.None, 10); !errors.Is(err, st4.ErrNoDirection) {
		t.Errorf("error = %v, want ErrNoDirection", err)
	}
}
