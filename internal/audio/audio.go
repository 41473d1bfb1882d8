package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/jhead12/orpheus-engine/internal/timeline"
)

const (
	SampleRate = 44100
	BufferSize = 512 // frames per processing cycle
	Channels   = 2
)

// Format describes the engine's processing block.
type Format struct {
	SampleRate int `json:"sample_rate"`
	BufferSize int `json:"buffer_size"`
	Channels   int `json:"channels"`
}

// DefaultFormat is 512 frames of stereo at 44.1kHz (~11.6ms per buffer).
var DefaultFormat = Format{SampleRate: SampleRate, BufferSize: BufferSize, Channels: Channels}

// Validate rejects formats that would give a zero or undefined buffer duration.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", f.BufferSize)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// BufferSeconds is the nominal audio time covered by one buffer.
func (f Format) BufferSeconds() float64 {
	return float64(f.BufferSize) / float64(f.SampleRate)
}

// BufferDuration is BufferSeconds as a time.Duration.
func (f Format) BufferDuration() time.Duration {
	return time.Duration(f.BufferSeconds() * float64(time.Second))
}

// Buffer is one processing block handed to a Mixer.
type Buffer struct {
	Position timeline.Position // playhead at the start of the block
	Frames   int
	Tracks   int
	Samples  []float32 // interleaved, len Frames*Channels
}

// Mixer renders one buffer of the project at the playhead. The engine calls
// it once per cycle; it must return promptly.
type Mixer interface {
	Process(ctx context.Context, buf *Buffer) error
}

// Silence is the placeholder mix step: it clears the block and does nothing
// else.
type Silence struct{}

func (Silence) Process(_ context.Context, buf *Buffer) error {
	clear(buf.Samples)
	return nil
}

// MixerFunc adapts a function to the Mixer interface.
type MixerFunc func(ctx context.Context, buf *Buffer) error

func (f MixerFunc) Process(ctx context.Context, buf *Buffer) error {
	return f(ctx, buf)
}
