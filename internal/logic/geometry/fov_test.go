package geometry

import (
	"math"
	"testing"

	"github.com/cjeanneret/GoGuide/internal/hw/camera"
)

const epsilon = 0.01 // tolerance for float comparisons

func validGuider() Guider {
	return NewGuider().
		WithSensor(camera.SensorInfo{PixelX: 5.2, PixelY: 5.2}).
		WithOptics(1000, 200)
}

func TestGuider_NewIsUnknown(t *testing.T) {
	g := NewGuider()
	if g.Valid() {
		t.Error("new geometry should not be valid")
	}
	if g.PixelX != Unknown || g.Aperture != Unknown {
		t.Errorf("new geometry = %+v, want all Unknown", g)
	}
}

func TestGuider_ValidRequiresAllFields(t *testing.T) {
	full := validGuider()
	if !full.Valid() {
		t.Fatal("complete geometry should be valid")
	}
	mutators := map[string]func(*Guider){
		"pixelX":      func(g *Guider) { g.PixelX = Unknown },
		"pixelY":      func(g *Guider) { g.PixelY = Unknown },
		"focalLength": func(g *Guider) { g.FocalLength = Unknown },
		"aperture":    func(g *Guider) { g.Aperture = Unknown },
	}
	for name, mutate := range mutators {
		t.Run(name, func(t *testing.T) {
			g := full
			mutate(&g)
			if g.Valid() {
				t.Errorf("geometry missing %s should be invalid", name)
			}
			if _, _, ok := g.PixelScale(); ok {
				t.Error("PixelScale should be suppressed")
			}
			if _, _, ok := g.ToArcsec(1, 1); ok {
				t.Error("ToArcsec should be suppressed")
			}
			if _, _, ok := g.FOV(640, 480); ok {
				t.Error("FOV should be suppressed")
			}
			if _, ok := g.FocalRatio(); ok {
				t.Error("FocalRatio should be suppressed")
			}
		})
	}
}

// Reference: 5.2µm pixels at 1000mm ~ 1.0726 arcsec/px
func TestGuider_PixelScale(t *testing.T) {
	x, y, ok := validGuider().PixelScale()
	if !ok {
		t.Fatal("PixelScale not ok")
	}
	want := 206.265 * 5.2 / 1000
	if math.Abs(x.Sec()-want) > epsilon || math.Abs(y.Sec()-want) > epsilon {
		t.Errorf("PixelScale() = %v/%v arcsec, want ~%v", x.Sec(), y.Sec(), want)
	}
}

func TestGuider_ToArcsecRoundTrip(t *testing.T) {
	g := validGuider()
	ax, _, ok := g.ToArcsec(10, 0)
	if !ok {
		t.Fatal("ToArcsec not ok")
	}
	px, ok := g.FromArcsec(ax)
	if !ok || math.Abs(px-10) > 1e-9 {
		t.Errorf("FromArcsec(ToArcsec(10)) = %v, want 10", px)
	}
}

func TestGuider_FOV(t *testing.T) {
	w, h, ok := validGuider().FOV(640, 480)
	if !ok {
		t.Fatal("FOV not ok")
	}
	wantW := 2 * math.Atan(640*5.2/1000/2000) * 180 / math.Pi
	wantH := 2 * math.Atan(480*5.2/1000/2000) * 180 / math.Pi
	if math.Abs(w.Deg()-wantW) > 1e-6 || math.Abs(h.Deg()-wantH) > 1e-6 {
		t.Errorf("FOV() = %v° x %v°, want %v° x %v°", w.Deg(), h.Deg(), wantW, wantH)
	}
}

func TestGuider_FocalRatio(t *testing.T) {
	f, ok := validGuider().FocalRatio()
	if !ok || f != 5 {
		t.Errorf("FocalRatio() = %v, %v; want 5", f, ok)
	}
}

func TestFallback(t *testing.T) {
	cases := []struct {
		guider, telescope, want float64
	}{
		{180, 1000, 180},
		{0, 1000, 1000},
		{0, 0, Unknown},
		{-1, 0, Unknown},
	}
	for _, tc := range cases {
		if got := Fallback(tc.guider, tc.telescope); got != tc.want {
			t.Errorf("Fallback(%v, %v) = %v, want %v", tc.guider, tc.telescope, got, tc.want)
		}
	}
}
