package phi

import (
	"errors"
	"sync/atomic"
	"time"
)

// DefaultFallbackAfter is how long the selected source may stay stale before
// the router falls back to the oscillator.
const DefaultFallbackAfter = 2 * time.Second

// ErrUnknownSource is returned for a selection outside the declared kinds.
var ErrUnknownSource = errors.New("phi: unknown source")

// AutoSwitchOrder ranks the sources the router may pick by itself, highest
// priority first. Manual is only ever selected explicitly.
var AutoSwitchOrder = []Kind{Sensor, ExternalController, EnvelopeFollower, Oscillator}

// Selection is a request to make Kind the driving source.
type Selection struct {
	Kind       Kind    `json:"source"`
	DurationMs float64 `json:"duration_ms"`
}

// Arbiter performs transitions between sources.
type Arbiter interface {
	BeginTransition(target Kind, durationMs float64)
}

// RouterStatus is the router view published for other goroutines.
type RouterStatus struct {
	Preferred  Kind   `json:"preferred"`
	Fallback   bool   `json:"fallback"`
	Fallbacks  uint64 `json:"fallbacks"`
	AutoSwitch bool   `json:"auto_switch"`
	Switches   uint64 `json:"auto_switches"`
}

// RouterConfig configures the watchdog.
type RouterConfig struct {
	Initial       Kind
	FallbackAfter time.Duration
	DurationMs    float64 // crossfade length for fallback, recovery and auto switches
	AutoSwitch    bool    // follow the highest-priority live source
}

// Router owns the choice of source. Select may be called from any goroutine;
// Tick runs on the audio goroutine.
type Router struct {
	cfg       RouterConfig
	requests  chan Selection
	preferred Kind
	staleFor  time.Duration
	fallback  bool
	fallbacks uint64
	switches  uint64
	live      uint32 // bit per kind, as seen at the last tick
	status    atomic.Pointer[RouterStatus]
}

// NewRouter returns a router that starts on cfg.Initial.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = DefaultFallbackAfter
	}
	if cfg.DurationMs <= 0 {
		cfg.DurationMs = 100
	}
	if !cfg.Initial.Valid() {
		cfg.Initial = Oscillator
	}
	r := &Router{
		cfg:       cfg,
		requests:  make(chan Selection, 1),
		preferred: cfg.Initial,
		live:      1 << Oscillator,
	}
	r.publish()
	return r
}

// Select requests a new driving source. A newer request replaces one that has
// not been picked up yet. With auto switching on, the choice holds until the
// set of live sources changes.
func (r *Router) Select(sel Selection) error {
	if !sel.Kind.Valid() {
		return ErrUnknownSource
	}
	for {
		select {
		case r.requests <- sel:
			return nil
		default:
		}
		select {
		case <-r.requests:
		default:
		}
	}
}

// Status returns the last published router state.
func (r *Router) Status() RouterStatus { return *r.status.Load() }

// Tick applies a pending selection and runs the staleness watchdog for the
// block starting at now.
func (r *Router) Tick(a Arbiter, bank *Bank, now, blockDur time.Duration) {
	changed := false
	selected := false
	select {
	case sel := <-r.requests:
		dur := sel.DurationMs
		if dur <= 0 {
			dur = r.cfg.DurationMs
		}
		r.preferred = sel.Kind
		r.fallback = false
		r.staleFor = 0
		a.BeginTransition(sel.Kind, dur)
		changed = true
		selected = true
	default:
	}

	if r.cfg.AutoSwitch {
		live, best := r.scan(bank, now)
		if live != r.live {
			r.live = live
			if !selected && (best != r.preferred || r.fallback) {
				r.preferred = best
				r.fallback = false
				r.staleFor = 0
				r.switches++
				a.BeginTransition(best, r.cfg.DurationMs)
				changed = true
			}
		}
	}

	stale := bank.Stale(r.preferred, now)
	switch {
	case r.fallback && !stale:
		r.fallback = false
		r.staleFor = 0
		a.BeginTransition(r.preferred, r.cfg.DurationMs)
		changed = true
	case !r.fallback && stale:
		r.staleFor += blockDur
		if r.staleFor >= r.cfg.FallbackAfter && r.preferred != Oscillator {
			r.fallback = true
			r.fallbacks++
			a.BeginTransition(Oscillator, r.cfg.DurationMs)
			changed = true
		}
	case !stale:
		r.staleFor = 0
	}
	if changed {
		r.publish()
	}
}

// scan returns the live set as a bit per kind and the highest-priority live
// source.
func (r *Router) scan(bank *Bank, now time.Duration) (live uint32, best Kind) {
	best = Oscillator
	found := false
	for _, k := range AutoSwitchOrder {
		if !bank.Live(k, now) {
			continue
		}
		live |= 1 << k
		if !found {
			best, found = k, true
		}
	}
	return live, best
}

func (r *Router) publish() {
	r.status.Store(&RouterStatus{
		Preferred:  r.preferred,
		Fallback:   r.fallback,
		Fallbacks:  r.fallbacks,
		AutoSwitch: r.cfg.AutoSwitch,
		Switches:   r.switches,
	})
}
