package stream

import (
	"time"

	"github.com/satindergrewal/phisync/internal/audio"
)

// FrameDuration is the length of one monitor frame.
const FrameDuration = 20 * time.Millisecond

// MonitorBuffer is the listener buffer for monitor broadcasters, one second
// of frames.
const MonitorBuffer = 50

// tapRing bounds how many frames may be in flight between the tap and its
// consumers. It must exceed the tap channel capacity plus MonitorBuffer plus
// one frame held by each stage.
const (
	tapRing  = 128
	tapQueue = 8
)

// Tap converts compensated output blocks into 20ms int16 frames for monitor
// streams. Write is called on the audio goroutine and does not allocate or
// block; frames nobody picks up in time are dropped.
type Tap struct {
	sampleRate int
	channels   int
	ring       [][]int16
	idx        int
	fill       int
	out        chan []int16
	dropped    uint64
}

// NewTap returns a tap for the given format.
func NewTap(sampleRate, channels int) *Tap {
	n := int(float64(sampleRate)*FrameDuration.Seconds()) * channels
	ring := make([][]int16, tapRing)
	for i := range ring {
		ring[i] = make([]int16, n)
	}
	return &Tap{
		sampleRate: sampleRate,
		channels:   channels,
		ring:       ring,
		out:        make(chan []int16, tapQueue),
	}
}

// Frames returns the channel of completed frames.
func (t *Tap) Frames() <-chan []int16 { return t.out }

// SampleRate returns the tap sample rate.
func (t *Tap) SampleRate() int { return t.sampleRate }

// Channels returns the interleaved channel count.
func (t *Tap) Channels() int { return t.channels }

// FrameSamples is the number of interleaved samples per frame.
func (t *Tap) FrameSamples() int { return len(t.ring[0]) }

// Write appends interleaved samples.
func (t *Tap) Write(samples []float32) {
	for len(samples) > 0 {
		frame := t.ring[t.idx]
		room := len(frame) - t.fill
		if room > len(samples) {
			room = len(samples)
		}
		audio.ToInt16(frame[t.fill:t.fill+room], samples[:room])
		t.fill += room
		samples = samples[room:]
		if t.fill == len(frame) {
			select {
			case t.out <- frame:
			default:
				t.dropped++
			}
			t.idx = (t.idx + 1) % len(t.ring)
			t.fill = 0
		}
	}
}

// Dropped returns the number of frames the consumer missed. Only the audio
// goroutine may call it.
func (t *Tap) Dropped() uint64 { return t.dropped }
