package diagnostics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Sink receives published frames. Send must not block.
type Sink interface {
	Send(Frame)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Frame)

func (f SinkFunc) Send(fr Frame) { f(fr) }

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	RateHz    float64       // publish ticks per second
	WarnEvery time.Duration // minimum spacing of repeated warnings
	Logger    *logrus.Entry
}

// Publisher drains a Queue at a fixed low rate and fans the latest frame out
// to its sinks.
type Publisher struct {
	q      *Queue
	cfg    PublisherConfig
	log    *logrus.Entry
	warn   *rate.Limiter
	latest atomic.Pointer[Frame]

	mu    sync.RWMutex
	sinks []Sink

	lastMisses  uint64
	lastDropped uint64
}

// NewPublisher returns a publisher for q.
func NewPublisher(q *Queue, cfg PublisherConfig, sinks ...Sink) *Publisher {
	if cfg.RateHz <= 0 {
		cfg.RateHz = 20
	}
	if cfg.WarnEvery <= 0 {
		cfg.WarnEvery = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{
		q:     q,
		cfg:   cfg,
		log:   cfg.Logger.WithField("component", "diagnostics"),
		warn:  rate.NewLimiter(rate.Every(cfg.WarnEvery), 1),
		sinks: sinks,
	}
}

// AddSink registers another sink.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
}

// Latest returns the most recently published frame.
func (p *Publisher) Latest() (Frame, bool) {
	f := p.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return *f, true
}

// Run publishes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / p.cfg.RateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick performs one publish step.
func (p *Publisher) Tick() {
	f, n := p.q.Drain()
	if n == 0 {
		return
	}
	f.Dropped = p.q.Dropped()
	p.latest.Store(&f)
	p.check(f)

	p.mu.RLock()
	for _, s := range p.sinks {
		s.Send(f)
	}
	p.mu.RUnlock()
}

func (p *Publisher) check(f Frame) {
	var reasons []string
	if f.DeadlineMisses > p.lastMisses {
		reasons = append(reasons, "deadline risk")
	}
	if f.Dropped > p.lastDropped {
		reasons = append(reasons, "frames dropped")
	}
	if f.Degraded {
		reasons = append(reasons, "degraded alignment")
	}
	if f.Phi.Stale {
		reasons = append(reasons, "stale modulation source")
	}
	p.lastMisses = f.DeadlineMisses
	p.lastDropped = f.Dropped
	if len(reasons) == 0 || !p.warn.Allow() {
		return
	}
	p.log.WithFields(logrus.Fields{
		"block":           f.BlockID,
		"deadline_misses": f.DeadlineMisses,
		"dropped":         f.Dropped,
		"offset_ms":       f.OffsetMs,
		"cpu_load":        f.CPULoad,
		"source":          f.Phi.Source.String(),
	}).Warnf("audio health: %v", reasons)
}

// LogSink writes every published frame at debug level.
type LogSink struct {
	Logger *logrus.Entry
}

func (s LogSink) Send(f Frame) {
	if !s.Logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"block":       f.BlockID,
		"offset_ms":   f.OffsetMs,
		"drift_ms":    f.DriftErrorMs,
		"phi":         f.Phi.Value,
		"source":      f.Phi.Source.String(),
		"blending":    f.Phi.Blending,
		"calibrating": f.Calibrating,
		"cpu_load":    f.CPULoad,
	}).Debug("diagnostics")
}
