// Package scheduler is the per-block entry point of the audio control loop.
// It owns the delay line, compensation controller, drift monitor, source
// router and crossfade engine, all of which are touched only from the
// goroutine that calls ProcessBlock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/phisync/internal/audio"
	"github.com/satindergrewal/phisync/internal/calibrate"
	"github.com/satindergrewal/phisync/internal/compensation"
	"github.com/satindergrewal/phisync/internal/crossfade"
	"github.com/satindergrewal/phisync/internal/delay"
	"github.com/satindergrewal/phisync/internal/diagnostics"
	"github.com/satindergrewal/phisync/internal/drift"
	"github.com/satindergrewal/phisync/internal/phi"
)

// ErrCalibrationBusy is returned when a calibration is already in progress.
var ErrCalibrationBusy = errors.New("scheduler: calibration already running")

// LatencyEstimator estimates the current path latency. ok is false when no
// estimate is available for this block.
type LatencyEstimator interface {
	PathLatencyMs(b audio.Block) (ms float64, ok bool)
}

// Config wires the scheduler's components.
type Config struct {
	SampleRate       int
	Channels         int
	BlockSize        int
	DelayCapacity    int // frames
	Interpolation    delay.Interpolation
	MaxStepSamples   float64
	AutoCorrect      bool
	Drift            drift.Config
	DriftEvalBlocks  int
	Calibration      calibrate.Config
	Bank             phi.BankConfig
	Crossfade        crossfade.Config
	Router           phi.RouterConfig
	DeadlineFraction float64 // share of the block period after which a block counts as at risk
	SeedCurve        audio.Curve
}

// DefaultConfig returns a configuration for 10 ms stereo blocks at 48 kHz.
func DefaultConfig() Config {
	sr := audio.DefaultSampleRate
	return Config{
		SampleRate:       sr,
		Channels:         audio.DefaultChannels,
		BlockSize:        audio.DefaultBlockSize,
		DelayCapacity:    compensation.CapacityFor(500, sr),
		MaxStepSamples:   0.5,
		AutoCorrect:      true,
		Drift:            drift.DefaultConfig(),
		DriftEvalBlocks:  100,
		Calibration:      calibrate.DefaultConfig(),
		Bank:             phi.DefaultBankConfig(sr),
		Crossfade:        crossfade.Config{Initial: phi.Oscillator, DurationMs: crossfade.DefaultDurationMs},
		Router:           phi.RouterConfig{Initial: phi.Oscillator, FallbackAfter: phi.DefaultFallbackAfter},
		DeadlineFraction: 0.8,
	}
}

// Result is what one block produced. Audio is owned by the scheduler and is
// valid until the next ProcessBlock call.
type Result struct {
	Audio      []float32
	Modulation phi.Output
	Block      audio.Block
}

// Scheduler runs the control loop one block at a time.
type Scheduler struct {
	cfg     Config
	blockMs float64
	period  time.Duration

	line   *delay.Line
	ctrl   *compensation.Controller
	mon    *drift.Monitor
	bank   *phi.Bank
	router *phi.Router
	xfade  *crossfade.Engine
	cal    *calibrate.Engine
	est    LatencyEstimator
	queue  *diagnostics.Queue

	out      []float32
	outgoing []float32
	incoming []float32
	silence  []float32

	blockID     uint64
	wasCal      bool
	driftStats  atomic.Pointer[drift.Stats]
	resetDrift  atomic.Bool
	session     atomic.Pointer[session]
	lastResult  atomic.Pointer[calibrate.Result]
	blocks      atomic.Uint64
	misses      atomic.Uint64
	degraded    atomic.Uint64
	hwInputMs   atomic.Uint64 // float64 bits
	hwOutputMs  atomic.Uint64 // float64 bits
	calibrating atomic.Bool
	now         func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithEstimator sets the latency estimator used for drift evaluation.
func WithEstimator(p LatencyEstimator) Option { return func(s *Scheduler) { s.est = p } }

// WithDiagnostics sets the queue that receives one frame per block.
func WithDiagnostics(q *diagnostics.Queue) Option { return func(s *Scheduler) { s.queue = q } }

// New validates cfg and builds the scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("scheduler: invalid format %d Hz, %d ch, %d frames", cfg.SampleRate, cfg.Channels, cfg.BlockSize)
	}
	if cfg.DelayCapacity < cfg.BlockSize {
		return nil, fmt.Errorf("scheduler: delay capacity %d smaller than block %d", cfg.DelayCapacity, cfg.BlockSize)
	}
	if cfg.DriftEvalBlocks <= 0 {
		cfg.DriftEvalBlocks = 100
	}
	if cfg.DeadlineFraction <= 0 || cfg.DeadlineFraction > 1 {
		cfg.DeadlineFraction = 0.8
	}
	cfg.Calibration.SampleRate = cfg.SampleRate
	cfg.Bank.SampleRate = cfg.SampleRate
	cfg.Bank.BlockSize = cfg.BlockSize

	line, err := delay.New(cfg.DelayCapacity, cfg.Channels, cfg.BlockSize, delay.WithInterpolation(cfg.Interpolation))
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	ctrl, err := compensation.New(compensation.Config{
		SampleRate:     cfg.SampleRate,
		Capacity:       cfg.DelayCapacity,
		MaxStepSamples: cfg.MaxStepSamples,
		AutoCorrect:    cfg.AutoCorrect,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	n := cfg.BlockSize * cfg.Channels
	s := &Scheduler{
		cfg:      cfg,
		blockMs:  audio.SamplesToMs(float64(cfg.BlockSize), cfg.SampleRate),
		period:   audio.BlockDuration(cfg.SampleRate, cfg.BlockSize),
		line:     line,
		ctrl:     ctrl,
		mon:      drift.NewMonitor(cfg.Drift),
		bank:     phi.NewBank(cfg.Bank),
		router:   phi.NewRouter(cfg.Router),
		out:      make([]float32, n),
		outgoing: make([]float32, n),
		incoming: make([]float32, n),
		silence:  make([]float32, n),
		now:      time.Now,
	}
	s.xfade = crossfade.New(s.bank, cfg.Crossfade)
	s.cal = calibrate.NewEngine(s, cfg.Calibration)
	for _, o := range opts {
		o(s)
	}
	st := s.mon.Stats()
	s.driftStats.Store(&st)
	return s, nil
}

// ProcessBlock runs one block: raw is the synthesized output, capture is the
// input recorded during the same period (nil for output-only hosts). Both are
// interleaved; raw may be shorter than a full block. Nothing here blocks or
// fails the block.
func (s *Scheduler) ProcessBlock(raw, capture []float32) Result {
	started := s.now()
	id := s.blockID
	s.blockID++

	n := len(raw)
	if n > len(s.out) {
		n = len(s.out)
	}
	n -= n % s.cfg.Channels
	out := s.out[:n]
	b := audio.Block{
		ID:        id,
		Timestamp: time.Duration(id) * s.period,
		Samples:   capture,
		Channels:  s.cfg.Channels,
	}

	// 1. history
	_ = s.line.Write(raw[:n])

	// 2. compensation
	step := s.ctrl.Step(id)
	if step.Jumped && step.Before != step.After {
		s.read(step.Before, s.outgoing[:n])
		s.read(step.After, s.incoming[:n])
		audio.CrossfadeInto(out, s.outgoing[:n], s.incoming[:n], s.cfg.Channels, s.cfg.SeedCurve)
	} else {
		s.read(step.After, out)
	}

	// 3. calibration replaces the output with the stimulus
	calibrating := s.runSession(out, capture)

	// 4. drift
	if s.resetDrift.Swap(false) {
		s.mon.Reset()
		s.publishDrift()
	}
	if !calibrating && s.est != nil && (id+1)%uint64(s.cfg.DriftEvalBlocks) == 0 {
		s.evaluateDrift(b)
	}

	// 5. modulation
	s.router.Tick(s.xfade, s.bank, b.Timestamp, s.period)
	mod := s.xfade.Advance(s.blockMs, b)

	elapsed := s.now().Sub(started)
	if elapsed > time.Duration(float64(s.period)*s.cfg.DeadlineFraction) {
		s.misses.Add(1)
	}
	s.blocks.Add(1)
	s.push(b, mod, calibrating, elapsed)

	b.Samples = out
	return Result{Audio: out, Modulation: mod, Block: b}
}

// read fills dst from the delay line at a fractional sample offset.
func (s *Scheduler) read(offset float64, dst []float32) {
	whole := math.Floor(offset)
	if err := s.line.Read(int(whole), offset-whole, dst); err != nil {
		s.degraded.Add(1)
	}
}

func (s *Scheduler) evaluateDrift(b audio.Block) {
	ms, ok := s.est.PathLatencyMs(b)
	if !ok {
		return
	}
	s.mon.Observe(drift.Sample{
		Timestamp:         b.Timestamp,
		EstimatedOffsetMs: ms - s.ctrl.TargetMs(),
	})
	if delta, ok := s.mon.ShouldCorrect(); ok && s.ctrl.AutoCorrect() {
		s.ctrl.ApplyCorrection(delta)
		s.mon.Acknowledge(delta)
	}
	s.publishDrift()
}

func (s *Scheduler) publishDrift() {
	st := s.mon.Stats()
	s.driftStats.Store(&st)
}

func (s *Scheduler) push(b audio.Block, mod phi.Output, calibrating bool, elapsed time.Duration) {
	if s.queue == nil {
		return
	}
	i, f := s.ctrl.CurrentOffset()
	st := s.xfade.State()
	ds := s.mon.Stats()
	s.queue.Push(diagnostics.Frame{
		BlockID:           b.ID,
		Timestamp:         b.Timestamp,
		OffsetMs:          audio.SamplesToMs(float64(i)+f, s.cfg.SampleRate),
		IntegerOffset:     i,
		FractionalOffset:  f,
		PendingMs:         s.ctrl.PendingMs(),
		Degraded:          s.ctrl.Degraded(),
		DriftErrorMs:      ds.EWMAMs,
		DriftRateMsPerMin: ds.RateMsPerMin,
		DriftCorrections:  ds.Corrections,
		Phi:               mod,
		CrossfadeProgress: st.Progress,
		Calibrating:       calibrating,
		CPULoad:           float64(elapsed) / float64(s.period),
		DeadlineMisses:    s.misses.Load(),
	})
}

// Calibrate measures the path latency through the live host and, on success,
// seeds the compensation offset with it. The previous offset stays in force
// on failure.
func (s *Scheduler) Calibrate(ctx context.Context, kind calibrate.StimulusKind) calibrate.Result {
	res := s.cal.Run(ctx, kind)
	if res.Succeeded {
		if err := s.ctrl.Seed(res.MeasuredLatencyMs); err != nil {
			res.Succeeded = false
			res.Err = err
			res.Reason = err.Error()
		}
	}
	s.lastResult.Store(&res)
	return res
}

// Seed applies an externally obtained calibration result.
func (s *Scheduler) Seed(res calibrate.Result) error {
	if !res.Succeeded {
		return fmt.Errorf("scheduler: refusing failed calibration: %s", res.Reason)
	}
	if err := s.ctrl.Seed(res.MeasuredLatencyMs); err != nil {
		return err
	}
	s.lastResult.Store(&res)
	return nil
}

// SetHardwareLatency records the host-reported device latencies used in the
// latency breakdown.
func (s *Scheduler) SetHardwareLatency(inputMs, outputMs float64) {
	s.hwInputMs.Store(math.Float64bits(inputMs))
	s.hwOutputMs.Store(math.Float64bits(outputMs))
}

// ResetDrift clears the drift monitor history at the next block.
func (s *Scheduler) ResetDrift() { s.resetDrift.Store(true) }

// Controller exposes the compensation controller for its goroutine-safe requests.
func (s *Scheduler) Controller() *compensation.Controller { return s.ctrl }

// Bank exposes the modulation sources for their goroutine-safe inputs.
func (s *Scheduler) Bank() *phi.Bank { return s.bank }

// Router exposes source selection.
func (s *Scheduler) Router() *phi.Router { return s.router }

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// BlockDuration returns the block period.
func (s *Scheduler) BlockDuration() time.Duration { return s.period }
