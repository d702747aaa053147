package camera

import (
	"testing"
	"time"
)

type plainCamera struct{}

func (plainCamera) Name() string                { return "plain" }
func (plainCamera) Connected() bool             { return true }
func (plainCamera) Chip(ChipKind) (Chip, error) { return nil, ErrNoChip }
func (plainCamera) SetFrameHandler(func(Frame)) {}

type fullCamera struct{ plainCamera }

func (fullCamera) HasGuideHead() bool                 { return true }
func (fullCamera) SetRapidGuide(ChipKind, bool) error { return nil }
func (fullCamera) SetStarHandler(func(StarData))      {}

func TestProbe(t *testing.T) {
	if caps := Probe(plainCamera{}); caps.GuideHead || caps.RapidGuide {
		t.Errorf("plain camera caps = %+v, want none", caps)
	}
	caps := Probe(fullCamera{})
	if !caps.GuideHead || !caps.RapidGuide {
		t.Errorf("full camera caps = %+v, want both", caps)
	}
}

func TestFrame_Valid(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
		want bool
	}{
		{"complete", Frame{Width: 2, Height: 2, Pixels: make([]uint16, 4)}, true},
		{"short buffer", Frame{Width: 2, Height: 2, Pixels: make([]uint16, 3)}, false},
		{"empty", Frame{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Valid(); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFrame_At(t *testing.T) {
	f := Frame{Width: 3, Height: 2, Pixels: []uint16{0, 1, 2, 3, 4, 5}, Exposure: time.Second}
	if got := f.At(2, 1); got != 5 {
		t.Errorf("At(2,1) = %d, want 5", got)
	}
}

func TestStarData_Lost(t *testing.T) {
	if !(StarData{-1, -1, -1}).Lost() {
		t.Error("(-1,-1,-1) should be lost")
	}
	if (StarData{-1, -1, 0.5}).Lost() {
		t.Error("a sample with fit 0.5 is not lost")
	}
}

func TestRegion_Empty(t *testing.T) {
	if !(Region{}).Empty() {
		t.Error("zero region should be empty")
	}
	if (Region{X: 1, Y: 1, W: 10, H: 10}).Empty() {
		t.Error("10x10 region is not empty")
	}
}
