package phi

import (
	"errors"
	"slices"
	"testing"
	"time"
)

type recorder struct {
	targets []Kind
}

func (r *recorder) BeginTransition(target Kind, durationMs float64) {
	r.targets = append(r.targets, target)
}

func TestRouterLatestSelectionWins(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Oscillator})
	bank := NewBank(DefaultBankConfig(48000))
	rec := &recorder{}

	r.Select(Selection{Kind: Sensor})
	r.Select(Selection{Kind: Manual, DurationMs: 50})
	r.Tick(rec, bank, 0, 10*time.Millisecond)
	r.Tick(rec, bank, 10*time.Millisecond, 10*time.Millisecond)

	if len(rec.targets) != 1 || rec.targets[0] != Manual {
		t.Fatalf("transitions = %v, want [manual]", rec.targets)
	}
	if st := r.Status(); st.Preferred != Manual || st.Fallback {
		t.Errorf("Status = %+v", st)
	}
}

func TestRouterFallsBackAndRecovers(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Oscillator})
	bank := NewBank(DefaultBankConfig(48000))
	rec := &recorder{}
	step := 10 * time.Millisecond

	r.Select(Selection{Kind: ExternalController})
	bank.Controller().Update(0.7)
	for i := 0; i < 300; i++ {
		r.Tick(rec, bank, time.Duration(i)*step, step)
	}
	want := []Kind{ExternalController, Oscillator}
	if len(rec.targets) != len(want) || rec.targets[0] != want[0] || rec.targets[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", rec.targets, want)
	}
	st := r.Status()
	if !st.Fallback || st.Fallbacks != 1 || st.Preferred != ExternalController {
		t.Errorf("Status = %+v", st)
	}

	bank.Controller().Update(0.2)
	r.Tick(rec, bank, 300*step, step)
	if last := rec.targets[len(rec.targets)-1]; last != ExternalController {
		t.Errorf("recovery target = %v, want controller", last)
	}
	if r.Status().Fallback {
		t.Error("still in fallback after fresh update")
	}
}

func TestRouterNeverFallsBackFromOscillator(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Manual, FallbackAfter: 50 * time.Millisecond})
	bank := NewBank(DefaultBankConfig(48000))
	rec := &recorder{}
	for i := 0; i < 100; i++ {
		r.Tick(rec, bank, time.Duration(i)*10*time.Millisecond, 10*time.Millisecond)
	}
	if len(rec.targets) != 0 {
		t.Errorf("manual never goes stale, got transitions %v", rec.targets)
	}
}

func TestRouterRejectsUnknownKind(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Oscillator})
	rec := &recorder{}
	if err := r.Select(Selection{Kind: Kind(42)}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("Select(42) = %v, want ErrUnknownSource", err)
	}
	r.Tick(rec, NewBank(DefaultBankConfig(48000)), 0, 10*time.Millisecond)
	if len(rec.targets) != 0 {
		t.Errorf("transitions = %v, want none", rec.targets)
	}
}

func TestRouterAutoSwitchFollowsPriority(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Oscillator, AutoSwitch: true})
	bank := NewBank(DefaultBankConfig(48000)) // stale after 500 ms
	rec := &recorder{}
	step := 10 * time.Millisecond
	tick := func(i int) { r.Tick(rec, bank, time.Duration(i)*step, step) }

	tick(0)
	if len(rec.targets) != 0 {
		t.Fatalf("switched with nothing live: %v", rec.targets)
	}
	bank.Controller().Update(0.5)
	tick(1)
	bank.Sensor().Push(0.3)
	tick(2)
	// both go quiet; the controller expires first but ranks below the sensor
	for i := 3; i < 60; i++ {
		tick(i)
	}

	want := []Kind{ExternalController, Sensor, Oscillator}
	if !slices.Equal(rec.targets, want) {
		t.Fatalf("transitions = %v, want %v", rec.targets, want)
	}
	if st := r.Status(); st.Switches != 3 || st.Preferred != Oscillator || !st.AutoSwitch {
		t.Errorf("Status = %+v", st)
	}
}

func TestRouterAutoSwitchKeepsExplicitChoice(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Oscillator, AutoSwitch: true})
	bank := NewBank(DefaultBankConfig(48000))
	rec := &recorder{}
	step := 10 * time.Millisecond

	bank.Controller().Update(0.5)
	r.Tick(rec, bank, 0, step)
	if err := r.Select(Selection{Kind: Manual}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 20; i++ {
		bank.Controller().Update(0.5)
		r.Tick(rec, bank, time.Duration(i)*step, step)
	}
	bank.Sensor().Push(0.9)
	r.Tick(rec, bank, 20*step, step)

	want := []Kind{ExternalController, Manual, Sensor}
	if !slices.Equal(rec.targets, want) {
		t.Fatalf("transitions = %v, want %v", rec.targets, want)
	}
}

func TestRouterWithoutAutoSwitchIgnoresLiveSources(t *testing.T) {
	r := NewRouter(RouterConfig{Initial: Oscillator})
	bank := NewBank(DefaultBankConfig(48000))
	rec := &recorder{}
	bank.Sensor().Push(0.4)
	bank.Controller().Update(0.4)
	for i := 0; i < 10; i++ {
		r.Tick(rec, bank, time.Duration(i)*10*time.Millisecond, 10*time.Millisecond)
	}
	if len(rec.targets) != 0 {
		t.Errorf("transitions = %v, want none", rec.targets)
	}
}
