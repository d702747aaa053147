// Package gmath locates the guide star in a frame and turns its displacement
// from the lock position into pixel and angular errors.
package gmath

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cjeanneret/GoGuide/internal/hw/camera"
)

var imageSeq atomic.Uint64

// Image is a frame converted to float pixels. OriginX/OriginY place it on the
// sensor when it comes from a subframe.
type Image struct {
	ID      uint64
	Width   int
	Height  int
	OriginX int
	OriginY int
	Pix     []float64

	darkID uint64
}

// NewImage converts a frame. Every image gets a distinct ID.
func NewImage(f camera.Frame) *Image {
	im := &Image{
		ID:      imageSeq.Add(1),
		Width:   f.Width,
		Height:  f.Height,
		OriginX: f.Region.X,
		OriginY: f.Region.Y,
		Pix:     make([]float64, len(f.Pixels)),
	}
	for i, v := range f.Pixels {
		im.Pix[i] = float64(v)
	}
	return im
}

// At returns the pixel at image coordinates (x, y).
func (im *Image) At(x, y int) float64 {
	return im.Pix[y*im.Width+x]
}

// DarkID returns the ID of the dark last subtracted, 0 if none.
func (im *Image) DarkID() uint64 { return im.darkID }

// SubtractDark removes dark from the image. It does nothing and returns false
// when that dark was already applied. The dark must cover the image region.
func (im *Image) SubtractDark(dark *Image) (bool, error) {
	if dark == nil || dark.ID == im.darkID {
		return false, nil
	}
	ox, oy := im.OriginX-dark.OriginX, im.OriginY-dark.OriginY
	if ox < 0 || oy < 0 || ox+im.Width > dark.Width || oy+im.Height > dark.Height {
		return false, fmt.Errorf("gmath: dark %dx%d@(%d,%d) does not cover image %dx%d@(%d,%d)",
			dark.Width, dark.Height, dark.OriginX, dark.OriginY,
			im.Width, im.Height, im.OriginX, im.OriginY)
	}
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			v := im.Pix[y*im.Width+x] - dark.At(x+ox, y+oy)
			if v < 0 {
				v = 0
			}
			im.Pix[y*im.Width+x] = v
		}
	}
	im.darkID = dark.ID
	return true, nil
}

// Filters lists the accepted ApplyFilter names.
var Filters = []string{"none", "median", "smooth"}

// ApplyFilter runs a 3x3 filter over the image. Border pixels are kept.
func (im *Image) ApplyFilter(name string) error {
	switch name {
	case "", "none":
		return nil
	case "median":
		im.convolve(median3)
	case "smooth":
		im.convolve(smooth3)
	default:
		return fmt.Errorf("gmath: unknown filter %q", name)
	}
	return nil
}

func (im *Image) convolve(fn func(n *[9]float64) float64) {
	if im.Width < 3 || im.Height < 3 {
		return
	}
	out := make([]float64, len(im.Pix))
	copy(out, im.Pix)
	var n [9]float64
	for y := 1; y < im.Height-1; y++ {
		for x := 1; x < im.Width-1; x++ {
			im.neighborhood(x, y, &n)
			out[y*im.Width+x] = fn(&n)
		}
	}
	im.Pix = out
}

func (im *Image) neighborhood(x, y int, n *[9]float64) {
	k := 0
	for j := -1; j <= 1; j++ {
		row := (y + j) * im.Width
		for i := -1; i <= 1; i++ {
			n[k] = im.Pix[row+x+i]
			k++
		}
	}
}

func median3(n *[9]float64) float64 {
	s := *n
	sort.Float64s(s[:])
	return s[4]
}

// smooth3 is a [1 2 1] x [1 2 1] kernel.
func smooth3(n *[9]float64) float64 {
	return (n[0] + 2*n[1] + n[2] +
		2*n[3] + 4*n[4] + 2*n[5] +
		n[6] + 2*n[7] + n[8]) / 16
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}
