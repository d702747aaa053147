// Package mount provides telescope metadata to the guide session.
package mount

import "github.com/cjeanneret/GoGuide/internal/config"

// Info is the optical description of a telescope. Zero means unset.
type Info struct {
	Aperture          float64 // mm
	FocalLength       float64 // mm
	GuiderAperture    float64 // mm
	GuiderFocalLength float64 // mm
}

// Telescope is a source of telescope metadata.
type Telescope interface {
	Name() string
	TelescopeInfo() (Info, error)
}

// Static is a Telescope whose optics come from the configuration file.
type Static struct {
	name string
	info Info
}

// NewStatic builds a Static from the telescope configuration section.
func NewStatic(cfg config.TelescopeConfig) *Static {
	name := cfg.Name
	if name == "" {
		name = "Telescope"
	}
	return &Static{
		name: name,
		info: Info{
			Aperture:          cfg.ApertureMm,
			FocalLength:       cfg.FocalLengthMm,
			GuiderAperture:    cfg.GuiderApertureMm,
			GuiderFocalLength: cfg.GuiderFocalLength,
		},
	}
}

func (s *Static) Name() string                 { return s.name }
func (s *Static) TelescopeInfo() (Info, error) { return s.info, nil }
