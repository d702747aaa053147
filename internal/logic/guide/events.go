package guide

// EventKind names the signals the session publishes.
type EventKind int

const (
	EventGuideReady EventKind = iota
	EventCalibrationComplete
	EventGuidingToggled
	EventDitherComplete
	EventDitherFailed
	EventAxisDelta
	EventLog
)

func (k EventKind) String() string {
	switch k {
	case EventGuideReady:
		return "guide_ready"
	case EventCalibrationComplete:
		return "calibration_complete"
	case EventGuidingToggled:
		return "guiding_toggled"
	case EventDitherComplete:
		return "dither_complete"
	case EventDitherFailed:
		return "dither_failed"
	case EventAxisDelta:
		return "axis_delta"
	case EventLog:
		return "log"
	default:
		return "unknown"
	}
}

// Event is an observational signal. Subscribers must not rely on it to drive
// the session.
type Event struct {
	Kind EventKind `json:"-"`
	Name string    `json:"event"`
	OK   bool      `json:"ok,omitempty"`   // calibration and guiding toggles
	RA   float64   `json:"ra,omitempty"`   // axis delta, arcsec
	DEC  float64   `json:"dec,omitempty"`  // axis delta, arcsec
	Text string    `json:"text,omitempty"` // log line, empty after ClearLog
}

// Subscribe registers fn for every event and returns a function removing it.
// fn runs after the session lock is released and may call back into the Guide.
func (g *Guide) Subscribe(fn func(Event)) (cancel func()) {
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs = append(g.subs, subscriber{id: id, fn: fn})
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subs {
			if s.id == id {
				g.subs = append(g.subs[:i:i], g.subs[i+1:]...)
				return
			}
		}
	}
}

type subscriber struct {
	id int
	fn func(Event)
}

func (g *Guide) emit(ev Event) {
	ev.Name = ev.Kind.String()
	g.outbox = append(g.outbox, ev)
}
