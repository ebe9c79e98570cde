package audio

import "time"

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	DefaultBlockSize  = 480 // frames per block, 10ms at 48kHz
)

// Phi is the golden ratio.
const Phi = 1.618033988749895

// Block is one fixed-size chunk of interleaved samples handed to the scheduler.
// A Block is immutable once produced.
type Block struct {
	ID        uint64
	Timestamp time.Duration // monotonic, since scheduler start
	Samples   []float32     // interleaved
	Channels  int
}

// Frames returns the number of frames (samples per channel) in the block.
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// BlockDuration returns the wall-clock length of a block of the given size.
func BlockDuration(sampleRate, blockSize int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(blockSize) * time.Second / time.Duration(sampleRate)
}

// MsToSamples converts milliseconds to (fractional) samples.
func MsToSamples(ms float64, sampleRate int) float64 {
	return ms * float64(sampleRate) / 1000
}

// SamplesToMs converts (fractional) samples to milliseconds.
func SamplesToMs(samples float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return samples * 1000 / float64(sampleRate)
}
