// Package drift tracks slow divergence between the compensation offset and the
// real path latency, and decides when a correction is due.
package drift

import (
	"math"
	"time"
)

// Sample is one alignment observation. EstimatedOffsetMs is positive when the
// path needs more delay than is currently applied.
type Sample struct {
	Timestamp               time.Duration
	EstimatedOffsetMs       float64
	WindowDriftRateMsPerMin float64
}

// Config holds the monitor thresholds.
type Config struct {
	Alpha             float64       // EWMA smoothing factor in (0,1]
	Window            time.Duration // rolling window for the slope estimate
	Capacity          int           // hard bound on retained samples
	OffsetThresholdMs float64       // correct when |EWMA| reaches this
	DriftThresholdMs  float64       // correct when the projected drift over Horizon reaches this
	Horizon           time.Duration
	MinSamples        int // samples required before the slope is trusted
	Cooldown          time.Duration
}

// DefaultConfig triggers when drift would exceed 2ms over 10 minutes.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.1,
		Window:            10 * time.Minute,
		Capacity:          1200,
		OffsetThresholdMs: 0.5,
		DriftThresholdMs:  2.0,
		Horizon:           10 * time.Minute,
		MinSamples:        10,
		Cooldown:          5 * time.Second,
	}
}

// Stats is a read-only summary for diagnostics.
type Stats struct {
	EWMAMs          float64 `json:"ewma_ms" yaml:"ewma_ms"`
	RateMsPerMin    float64 `json:"rate_ms_per_min" yaml:"rate_ms_per_min"`
	Samples         int     `json:"samples" yaml:"samples"`
	Corrections     int     `json:"corrections" yaml:"corrections"`
	CumulativeMs    float64 `json:"cumulative_ms" yaml:"cumulative_ms"`
	LastObservation Sample  `json:"-" yaml:"-"`
}

// Monitor keeps an EWMA of the alignment error and a least-squares drift rate
// over a bounded rolling window. It is owned by a single goroutine.
type Monitor struct {
	cfg Config

	ring  []Sample
	head  int // index of the oldest sample
	count int

	ewma       float64
	primed     bool
	rate       float64
	last       Sample
	lastFix    time.Duration
	fixed      bool
	fixes      int
	cumulative float64
}

// NewMonitor returns a monitor; zero or invalid fields fall back to DefaultConfig.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Capacity <= 1 {
		cfg.Capacity = def.Capacity
	}
	if cfg.OffsetThresholdMs <= 0 {
		cfg.OffsetThresholdMs = def.OffsetThresholdMs
	}
	if cfg.DriftThresholdMs <= 0 {
		cfg.DriftThresholdMs = def.DriftThresholdMs
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 2
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Monitor{cfg: cfg, ring: make([]Sample, cfg.Capacity)}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// Observe records a sample and returns it with the window drift rate filled in.
// Non-finite offsets are ignored.
func (m *Monitor) Observe(s Sample) Sample {
	if math.IsNaN(s.EstimatedOffsetMs) || math.IsInf(s.EstimatedOffsetMs, 0) {
		return m.last
	}
	if !m.primed {
		m.ewma = s.EstimatedOffsetMs
		m.primed = true
	} else {
		m.ewma += m.cfg.Alpha * (s.EstimatedOffsetMs - m.ewma)
	}

	m.evict(s.Timestamp)
	if m.count == len(m.ring) {
		m.head = (m.head + 1) % len(m.ring)
		m.count--
	}
	m.ring[(m.head+m.count)%len(m.ring)] = s
	m.count++

	m.rate = m.slope()
	s.WindowDriftRateMsPerMin = m.rate
	m.last = s
	return s
}

// ShouldCorrect returns a signed correction in milliseconds when the smoothed
// offset or the projected drift crosses its threshold.
func (m *Monitor) ShouldCorrect() (float64, bool) {
	if !m.primed {
		return 0, false
	}
	if m.fixed && m.last.Timestamp-m.lastFix < m.cfg.Cooldown {
		return 0, false
	}
	if math.Abs(m.ewma) >= m.cfg.OffsetThresholdMs {
		return m.ewma, true
	}
	if m.count >= m.cfg.MinSamples {
		projected := m.rate * m.cfg.Horizon.Minutes()
		if math.Abs(projected) >= m.cfg.DriftThresholdMs {
			// lead the drift by one cooldown period
			lead := m.rate * m.cfg.Cooldown.Minutes()
			if c := m.ewma + lead; c != 0 {
				return c, true
			}
		}
	}
	return 0, false
}

// Acknowledge records that deltaMs of correction was committed. The EWMA and
// the retained window are shifted so the same error is not corrected twice.
func (m *Monitor) Acknowledge(deltaMs float64) {
	m.ewma -= deltaMs
	for i := 0; i < m.count; i++ {
		m.ring[(m.head+i)%len(m.ring)].EstimatedOffsetMs -= deltaMs
	}
	m.lastFix = m.last.Timestamp
	m.fixed = true
	m.fixes++
	m.cumulative += deltaMs
}

// Reset forgets all history.
func (m *Monitor) Reset() {
	m.head, m.count = 0, 0
	m.ewma, m.rate = 0, 0
	m.primed, m.fixed = false, false
	m.last = Sample{}
	m.fixes = 0
	m.cumulative = 0
}

// Stats returns the current summary.
func (m *Monitor) Stats() Stats {
	return Stats{
		EWMAMs:          m.ewma,
		RateMsPerMin:    m.rate,
		Samples:         m.count,
		Corrections:     m.fixes,
		CumulativeMs:    m.cumulative,
		LastObservation: m.last,
	}
}

func (m *Monitor) evict(now time.Duration) {
	for m.count > 0 {
		oldest := m.ring[m.head]
		if now-oldest.Timestamp <= m.cfg.Window {
			return
		}
		m.head = (m.head + 1) % len(m.ring)
		m.count--
	}
}

// slope is the least-squares fit of offset against time, in ms per minute.
func (m *Monitor) slope() float64 {
	if m.count < 2 {
		return 0
	}
	t0 := m.ring[m.head].Timestamp
	var sx, sy, sxx, sxy float64
	n := float64(m.count)
	for i := 0; i < m.count; i++ {
		s := m.ring[(m.head+i)%len(m.ring)]
		x := (s.Timestamp - t0).Minutes()
		y := s.EstimatedOffsetMs
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}
