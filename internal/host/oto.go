//go:build !headless

package host

import (
	"context"
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/phisync/internal/audio"
)

const otoAvailable = true

// Oto is an output-only backend. The oto player pulls bytes and each pull
// renders as many blocks as it needs, so the device clock paces the loop.
type Oto struct {
	d      *Driver
	opts   Options
	ctx    *oto.Context
	buffer time.Duration
	reader *otoReader
	log    *logrus.Entry
}

type otoReader struct {
	d   *Driver
	buf []float32
}

// Read is called on oto's audio goroutine.
func (r *otoReader) Read(p []byte) (int, error) {
	n := len(p) / 4
	if len(r.buf) < n {
		r.buf = make([]float32, n)
	}
	samples := r.buf[:n]
	r.d.Read(samples)
	return audio.Float32ToBytes(p, samples), nil
}

func newOto(d *Driver, opts Options) (Backend, error) {
	buffer := 2 * d.Scheduler().BlockDuration()
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   opts.SampleRate,
		ChannelCount: opts.Channels,
		Format:       oto.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("host: oto context: %w", err)
	}
	<-ready
	return &Oto{
		d:      d,
		opts:   opts,
		ctx:    ctx,
		buffer: buffer,
		reader: &otoReader{d: d, buf: make([]float32, 4096)},
		log:    opts.Log.WithField("backend", "oto"),
	}, nil
}

func (o *Oto) Name() string { return "oto" }

// Run plays until ctx is cancelled. Output latency is estimated from the
// player's buffered bytes once a second.
func (o *Oto) Run(ctx context.Context) error {
	player := o.ctx.NewPlayer(o.reader)
	player.Play()
	defer player.Close()
	o.log.WithField("buffer", o.buffer).Info("audio loop started")

	bytesPerMs := float64(o.opts.SampleRate*o.opts.Channels*4) / 1000
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.log.Info("audio loop stopped")
			return nil
		case <-ticker.C:
			if err := player.Err(); err != nil {
				return fmt.Errorf("host: oto player: %w", err)
			}
			ms := float64(player.BufferedSize())/bytesPerMs + float64(o.buffer)/float64(time.Millisecond)
			o.d.Scheduler().SetHardwareLatency(0, ms)
			if o.opts.Reported != nil {
				o.opts.Reported.Set(ms)
			}
		}
	}
}
