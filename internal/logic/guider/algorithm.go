package guider

import (
	"fmt"
	"sort"
)

// Algorithm turns an axis error (px) into the move to correct (px).
type Algorithm interface {
	Name() string
	Result(input float64) float64
	Reset()
}

// AlgorithmOptions tune the algorithms.
type AlgorithmOptions struct {
	Aggressiveness float64 // 0-1
	Hysteresis     float64 // 0-1, hysteresis only
}

type factory func(AlgorithmOptions) Algorithm

var algorithms = map[string]factory{
	"proportional":  func(o AlgorithmOptions) Algorithm { return &proportional{aggr: o.Aggressiveness} },
	"hysteresis":    func(o AlgorithmOptions) Algorithm { return &hysteresis{aggr: o.Aggressiveness, h: o.Hysteresis} },
	"lowpass":       func(o AlgorithmOptions) Algorithm { return &lowpass{alpha: o.Aggressiveness} },
	"resist_switch": func(o AlgorithmOptions) Algorithm { return &resistSwitch{aggr: o.Aggressiveness} },
}

// Algorithms returns the accepted algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for n := range algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewAlgorithm builds an algorithm by name.
func NewAlgorithm(name string, o AlgorithmOptions) (Algorithm, error) {
	f, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	if o.Aggressiveness <= 0 || o.Aggressiveness > 1 {
		o.Aggressiveness = 1
	}
	if o.Hysteresis < 0 || o.Hysteresis >= 1 {
		o.Hysteresis = 0
	}
	return f(o), nil
}

// proportional corrects a fixed fraction of the error.
type proportional struct{ aggr float64 }

func (p *proportional) Name() string              { return "proportional" }
func (p *proportional) Result(in float64) float64 { return p.aggr * in }
func (p *proportional) Reset()                    {}

// hysteresis blends the error with the previous output.
type hysteresis struct {
	aggr, h float64
	last    float64
}

func (a *hysteresis) Name() string { return "hysteresis" }

func (a *hysteresis) Result(in float64) float64 {
	out := a.aggr * ((1-a.h)*in + a.h*a.last)
	a.last = out
	return out
}

func (a *hysteresis) Reset() { a.last = 0 }

// lowpass follows an exponential average of the error, ignoring single
// seeing spikes.
type lowpass struct {
	alpha   float64
	state   float64
	started bool
}

func (a *lowpass) Name() string { return "lowpass" }

func (a *lowpass) Result(in float64) float64 {
	if !a.started {
		a.state = in
		a.started = true
	} else {
		a.state += a.alpha * (in - a.state)
	}
	return a.alpha * a.state
}

func (a *lowpass) Reset() { a.state, a.started = 0, false }

// resistSwitchRun is how many consecutive errors on the other side are
// needed before resistSwitch reverses direction.
const resistSwitchRun = 3

// resistSwitch refuses to reverse the correction direction until the error
// has stayed on the other side for several frames.
type resistSwitch struct {
	aggr float64
	side int
	run  int
}

func (a *resistSwitch) Name() string { return "resist_switch" }

func (a *resistSwitch) Result(in float64) float64 {
	s := sign(in)
	if s == 0 {
		a.run = 0
		return 0
	}
	if a.side == 0 || s == a.side {
		a.side = s
		a.run = 0
		return a.aggr * in
	}
	a.run++
	if a.run < resistSwitchRun {
		return 0
	}
	a.side = s
	a.run = 0
	return a.aggr * in
}

func (a *resistSwitch) Reset() { a.side, a.run = 0, 0 }

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
