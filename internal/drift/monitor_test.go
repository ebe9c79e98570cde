package drift

import (
	"math"
	"testing"
	"time"
)

func TestNoCorrectionBeforeObservations(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	if _, ok := m.ShouldCorrect(); ok {
		t.Fatal("ShouldCorrect on empty monitor = true, want false")
	}
}

func TestEWMASmoothsNoise(t *testing.T) {
	m := NewMonitor(Config{Alpha: 0.2, OffsetThresholdMs: 10})
	for i := 0; i < 200; i++ {
		noise := 0.1
		if i%2 == 1 {
			noise = -0.1
		}
		m.Observe(Sample{Timestamp: time.Duration(i) * time.Second, EstimatedOffsetMs: 1 + noise})
	}
	if got := m.Stats().EWMAMs; math.Abs(got-1) > 0.06 {
		t.Errorf("EWMA = %v, want about 1", got)
	}
}

func TestDriftRateEstimate(t *testing.T) {
	m := NewMonitor(Config{OffsetThresholdMs: 100})
	var s Sample
	for i := 0; i <= 600; i++ {
		ts := time.Duration(i) * time.Second
		s = m.Observe(Sample{Timestamp: ts, EstimatedOffsetMs: 0.15 * ts.Minutes()})
	}
	if math.Abs(s.WindowDriftRateMsPerMin-0.15) > 1e-9 {
		t.Errorf("rate = %v ms/min, want 0.15", s.WindowDriftRateMsPerMin)
	}
}

func TestOffsetThresholdTriggers(t *testing.T) {
	m := NewMonitor(Config{Alpha: 1, OffsetThresholdMs: 0.5})
	m.Observe(Sample{Timestamp: time.Second, EstimatedOffsetMs: 0.4})
	if _, ok := m.ShouldCorrect(); ok {
		t.Fatal("0.4ms should not trigger with 0.5ms threshold")
	}
	m.Observe(Sample{Timestamp: 2 * time.Second, EstimatedOffsetMs: -0.7})
	c, ok := m.ShouldCorrect()
	if !ok || c != -0.7 {
		t.Fatalf("ShouldCorrect = (%v, %v), want (-0.7, true)", c, ok)
	}
}

func TestDriftRateTriggers(t *testing.T) {
	// 0.3 ms/min projects to 3ms over 10 minutes, above the 2ms threshold,
	// while the offset itself stays under the offset threshold.
	m := NewMonitor(Config{Alpha: 1, OffsetThresholdMs: 5, DriftThresholdMs: 2, Horizon: 10 * time.Minute, MinSamples: 10})
	for i := 0; i < 30; i++ {
		ts := time.Duration(i) * time.Second
		m.Observe(Sample{Timestamp: ts, EstimatedOffsetMs: 0.3 * ts.Minutes()})
	}
	c, ok := m.ShouldCorrect()
	if !ok {
		t.Fatal("expected drift-rate trigger")
	}
	if c <= 0 {
		t.Errorf("correction = %v, want positive", c)
	}
}

func TestCooldownAfterAcknowledge(t *testing.T) {
	m := NewMonitor(Config{Alpha: 1, OffsetThresholdMs: 0.5, Cooldown: 10 * time.Second})
	m.Observe(Sample{Timestamp: time.Second, EstimatedOffsetMs: 1})
	c, ok := m.ShouldCorrect()
	if !ok {
		t.Fatal("expected trigger")
	}
	m.Acknowledge(c)
	if got := m.Stats().EWMAMs; got != 0 {
		t.Errorf("EWMA after acknowledge = %v, want 0", got)
	}
	m.Observe(Sample{Timestamp: 5 * time.Second, EstimatedOffsetMs: 2})
	if _, ok := m.ShouldCorrect(); ok {
		t.Error("correction inside cooldown")
	}
	m.Observe(Sample{Timestamp: 12 * time.Second, EstimatedOffsetMs: 2})
	if _, ok := m.ShouldCorrect(); !ok {
		t.Error("no correction after cooldown expired")
	}
	if st := m.Stats(); st.Corrections != 1 || st.CumulativeMs != 1 {
		t.Errorf("stats = %+v, want 1 correction of 1ms", st)
	}
}

func TestAcknowledgeKeepsSlope(t *testing.T) {
	m := NewMonitor(Config{OffsetThresholdMs: 100})
	for i := 0; i < 60; i++ {
		ts := time.Duration(i) * time.Second
		m.Observe(Sample{Timestamp: ts, EstimatedOffsetMs: 0.6 * ts.Minutes()})
	}
	before := m.Stats().RateMsPerMin
	m.Acknowledge(0.3)
	s := m.Observe(Sample{Timestamp: 60 * time.Second, EstimatedOffsetMs: 0.6 - 0.3})
	if math.Abs(s.WindowDriftRateMsPerMin-before) > 1e-6 {
		t.Errorf("rate after acknowledge = %v, want %v", s.WindowDriftRateMsPerMin, before)
	}
}

func TestWindowEvictsOldSamples(t *testing.T) {
	m := NewMonitor(Config{Window: time.Minute, Capacity: 1000})
	for i := 0; i < 300; i++ {
		m.Observe(Sample{Timestamp: time.Duration(i) * time.Second})
	}
	if got := m.Stats().Samples; got != 61 {
		t.Errorf("retained = %d, want 61 (one minute inclusive)", got)
	}
}

func TestCapacityBoundsWindow(t *testing.T) {
	m := NewMonitor(Config{Capacity: 16})
	for i := 0; i < 100; i++ {
		m.Observe(Sample{Timestamp: time.Duration(i) * time.Millisecond})
	}
	if got := m.Stats().Samples; got != 16 {
		t.Errorf("retained = %d, want 16", got)
	}
}

func TestNonFiniteIgnored(t *testing.T) {
	m := NewMonitor(Config{Alpha: 1})
	m.Observe(Sample{Timestamp: time.Second, EstimatedOffsetMs: 0.2})
	m.Observe(Sample{Timestamp: 2 * time.Second, EstimatedOffsetMs: math.NaN()})
	if got := m.Stats(); got.EWMAMs != 0.2 || got.Samples != 1 {
		t.Errorf("stats after NaN = %+v", got)
	}
}

func TestReset(t *testing.T) {
	m := NewMonitor(Config{Alpha: 1, OffsetThresholdMs: 0.1})
	m.Observe(Sample{Timestamp: time.Second, EstimatedOffsetMs: 1})
	m.Reset()
	if _, ok := m.ShouldCorrect(); ok {
		t.Error("correction after reset")
	}
	if m.Stats().Samples != 0 {
		t.Error("samples retained after reset")
	}
}
