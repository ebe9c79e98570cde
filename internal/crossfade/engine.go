// Package crossfade blends the Φ modulation value from one source to another
// without discontinuities.
package crossfade

import (
	"sync/atomic"

	"github.com/satindergrewal/phisync/internal/audio"
	"github.com/satindergrewal/phisync/internal/phi"
)

// DefaultDurationMs is the transition length used when none is requested.
const DefaultDurationMs = 100

// completion slack so that accumulated block lengths land on exactly 1.0
const epsilonMs = 1e-9

// State describes the arbitration between sources.
type State struct {
	Active     phi.Kind  `json:"active"`
	Pending    *phi.Kind `json:"pending,omitempty"`
	Progress   float64   `json:"progress"`
	DurationMs float64   `json:"duration_ms"`
}

// Config configures an Engine.
type Config struct {
	Initial    phi.Kind
	DurationMs float64
	Curve      audio.Curve
}

// Engine owns the crossfade state. BeginTransition and Advance run on the
// audio goroutine; Snapshot is safe from any goroutine.
type Engine struct {
	bank      *phi.Bank
	curve     audio.Curve
	defaultMs float64

	active     phi.Kind
	pending    phi.Kind
	hasPending bool
	anchored   bool // a replaced transition blends from a frozen value
	anchor     float64
	elapsedMs  float64
	durationMs float64
	progress   float64

	last     phi.Output
	samples  [len(phiKinds)]phi.Sample
	snapshot atomic.Pointer[State]
}

var phiKinds = [...]phi.Kind{phi.Manual, phi.EnvelopeFollower, phi.ExternalController, phi.Sensor, phi.Oscillator}

// New returns an engine resting on cfg.Initial.
func New(bank *phi.Bank, cfg Config) *Engine {
	if cfg.DurationMs <= 0 {
		cfg.DurationMs = DefaultDurationMs
	}
	if !cfg.Initial.Valid() {
		cfg.Initial = phi.Oscillator
	}
	e := &Engine{
		bank:       bank,
		curve:      cfg.Curve,
		defaultMs:  cfg.DurationMs,
		active:     cfg.Initial,
		durationMs: cfg.DurationMs,
	}
	e.last = phi.Output{Source: cfg.Initial}
	e.publish()
	return e
}

// BeginTransition starts blending toward target. If a transition is already
// in flight, the current blended value becomes the new starting point and
// progress restarts. Unknown kinds are ignored.
func (e *Engine) BeginTransition(target phi.Kind, durationMs float64) {
	if !target.Valid() {
		return
	}
	if durationMs <= 0 {
		durationMs = e.defaultMs
	}
	switch {
	case !e.hasPending && target == e.active:
		return
	case e.hasPending && target == e.pending:
		return
	case e.hasPending:
		e.anchored = true
		e.anchor = e.last.Value
	}
	e.pending = target
	e.hasPending = true
	e.elapsedMs = 0
	e.progress = 0
	e.durationMs = durationMs
	e.publish()
}

// Advance samples the sources for block b and returns the modulation output.
func (e *Engine) Advance(blockMs float64, b audio.Block) phi.Output {
	for i, k := range phiKinds {
		e.samples[i] = e.bank.Get(k).Sample(b)
	}
	from := e.samples[e.active]
	if !e.hasPending {
		e.last = phi.Output{
			Value:     from.Value,
			Source:    e.active,
			Timestamp: b.Timestamp,
			Stale:     from.Stale,
		}
		return e.last
	}

	to := e.samples[e.pending]
	e.elapsedMs += blockMs
	if e.elapsedMs >= e.durationMs-epsilonMs {
		e.progress = 1
	} else {
		e.progress = e.elapsedMs / e.durationMs
	}

	start := from.Value
	stale := to.Stale
	if e.anchored {
		start = e.anchor
	} else {
		stale = stale || from.Stale
	}
	gOut, gIn := e.curve.Gains(e.progress)
	out := phi.Output{
		Value:     clamp01(start*gOut + to.Value*gIn),
		Source:    e.active,
		Timestamp: b.Timestamp,
		Blending:  true,
		Stale:     stale,
	}
	if e.progress >= 0.5 {
		out.Source = e.pending
	}

	if e.progress == 1 {
		e.active = e.pending
		e.hasPending = false
		e.anchored = false
		out.Value = to.Value
		out.Source = e.active
		out.Blending = false
		out.Stale = to.Stale
	}
	e.last = out
	e.publish()
	return out
}

// Active returns the source currently at full weight.
func (e *Engine) Active() phi.Kind { return e.active }

// State returns the crossfade state. Audio goroutine only.
func (e *Engine) State() State {
	st := State{Active: e.active, Progress: e.progress, DurationMs: e.durationMs}
	if e.hasPending {
		p := e.pending
		st.Pending = &p
	}
	return st
}

// Last returns the most recent output.
func (e *Engine) Last() phi.Output { return e.last }

// Snapshot returns the last published state.
func (e *Engine) Snapshot() State { return *e.snapshot.Load() }

func (e *Engine) publish() {
	st := e.State()
	e.snapshot.Store(&st)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
