package main

import (
	"github.com/satindergrewal/phisync/internal/diagnostics"
	"github.com/satindergrewal/phisync/internal/host"
	"github.com/satindergrewal/phisync/internal/scheduler"
	"github.com/satindergrewal/phisync/internal/stream"
	"github.com/satindergrewal/phisync/internal/synth"
)

// loop is the audio side of the process: scheduler, driver and backend.
type loop struct {
	backendName string
	queue       *diagnostics.Queue
	sched       *scheduler.Scheduler
	tap         *stream.Tap
	backend     host.Backend
}

// newLoop wires the scheduler to the configured backend. realTime only
// affects the headless backend.
func newLoop(a *app, realTime bool) (*loop, error) {
	cfg := a.cfg
	name := host.Resolve(cfg.Backend)

	sim := host.NewSimPath(host.SimConfig{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		BlockSize:       cfg.BlockSize,
		LatencyMs:       cfg.Headless.LatencyMs,
		DriftMsPer10Min: cfg.Headless.DriftMsPer10Min,
	})
	reported := &host.ReportedLatency{}
	var est scheduler.LatencyEstimator = reported
	if name == "headless" {
		est = sim
	}

	q := diagnostics.NewQueue(cfg.Diagnostics.Queue)
	sched, err := scheduler.New(cfg.Scheduler(), scheduler.WithEstimator(est), scheduler.WithDiagnostics(q))
	if err != nil {
		return nil, err
	}

	tap := stream.NewTap(cfg.SampleRate, cfg.Channels)
	gen := synth.NewTone(cfg.SampleRate, cfg.Channels, cfg.Synth.BaseHz, cfg.Synth.Gain)
	driver := host.NewDriver(sched, gen, tap)
	backend, err := host.Open(name, driver, host.Options{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BlockSize:  cfg.BlockSize,
		Sim:        sim,
		Reported:   reported,
		RealTime:   realTime,
		Log:        a.log,
	})
	if err != nil {
		return nil, err
	}
	return &loop{
		backendName: backend.Name(),
		queue:       q,
		sched:       sched,
		tap:         tap,
		backend:     backend,
	}, nil
}
