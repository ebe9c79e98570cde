//go:build portaudio && !headless

package host

import (
	"context"
	"fmt"
	"time"

	pa "github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

const portaudioAvailable = true

// Portaudio is a duplex backend: the capture side feeds calibration and the
// envelope follower, and the reported stream latencies feed drift tracking.
type Portaudio struct {
	d      *Driver
	opts   Options
	stream *pa.Stream
	log    *logrus.Entry
}

func newPortaudio(d *Driver, opts Options) (Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("host: portaudio init: %w", err)
	}
	p := &Portaudio{d: d, opts: opts, log: opts.Log.WithField("backend", "portaudio")}
	stream, err := pa.OpenDefaultStream(
		opts.Channels, opts.Channels,
		float64(opts.SampleRate),
		opts.BlockSize,
		p.callback,
	)
	if err != nil {
		pa.Terminate()
		return nil, fmt.Errorf("host: open duplex stream: %w", err)
	}
	p.stream = stream
	return p, nil
}

func (p *Portaudio) Name() string { return "portaudio" }

// callback runs on the portaudio audio thread.
func (p *Portaudio) callback(in, out []float32) {
	p.d.ProcessInto(in, out)
}

// Run starts the stream and blocks until ctx is cancelled.
func (p *Portaudio) Run(ctx context.Context) error {
	defer func() {
		p.stream.Close()
		if err := pa.Terminate(); err != nil {
			p.log.WithError(err).Warn("terminate")
		}
	}()

	info := p.stream.Info()
	inMs := float64(info.InputLatency) / float64(time.Millisecond)
	outMs := float64(info.OutputLatency) / float64(time.Millisecond)
	p.d.Scheduler().SetHardwareLatency(inMs, outMs)
	if p.opts.Reported != nil {
		blockMs := float64(p.d.Scheduler().BlockDuration()) / float64(time.Millisecond)
		p.opts.Reported.Set(inMs + outMs + blockMs)
	}

	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("host: start stream: %w", err)
	}
	p.log.WithFields(logrus.Fields{
		"sample_rate":   info.SampleRate,
		"input_ms":      inMs,
		"output_ms":     outMs,
		"frames_buffer": p.opts.BlockSize,
	}).Info("audio loop started")

	<-ctx.Done()
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("host: stop stream: %w", err)
	}
	p.log.Info("audio loop stopped")
	return nil
}
