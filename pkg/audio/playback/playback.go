// Package playback schedules decoded audio against an output clock.
//
// An [Output] exposes a monotonic clock in seconds and accepts buffers
// scheduled to start at an absolute time on that clock. The [Scheduler] sits
// on top of an Output and places each incoming buffer at
// max(now, cursor), advancing the cursor by the buffer duration, so buffers
// play back-to-back in arrival order and never overlap.
//
// [Timeline] is a software Output driven by a render callback; the PortAudio
// speaker wraps one.
package playback

import (
	"context"
	"errors"

	"github.com/MrWong99/omniflow/pkg/audio"
)

var (
	// ErrVoiceEnded is returned by [Voice.Stop] when the voice already
	// finished or was stopped before.
	ErrVoiceEnded = errors.New("playback: voice already ended")

	// ErrFormatMismatch is returned by [Output.Schedule] when a buffer's
	// sample rate or channel count does not match the output.
	ErrFormatMismatch = errors.New("playback: buffer format does not match output")

	// ErrClosed is returned when scheduling on a closed output or a stopped
	// scheduler.
	ErrClosed = errors.New("playback: closed")
)

// Buffer is decoded audio ready for scheduling. Samples are normalised to
// [-1, 1] and interleaved when Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// BufferFromPCM16 decodes little-endian int16 mono PCM into a Buffer.
func BufferFromPCM16(pcm []byte, sampleRate int) Buffer {
	return Buffer{
		Samples:    audio.PCM16ToFloat32(pcm),
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// Frames returns the number of samples per channel.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playing time of the buffer in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Voice is one scheduled buffer on an [Output].
type Voice interface {
	// Stop silences the voice immediately. It returns [ErrVoiceEnded] if the
	// voice already finished or was stopped.
	Stop() error
}

// Output is a playback device with its own clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// SampleRate is the rate buffers must be scheduled at.
	SampleRate() int

	// CurrentTime reports the output clock in seconds. It never decreases.
	CurrentTime() float64

	// Resume starts the clock if the output is suspended.
	Resume(ctx context.Context) error

	// Schedule queues buf to start at the absolute clock time at. A time in
	// the past starts the buffer immediately. onEnded, if non-nil, is invoked
	// exactly once when the voice finishes or is stopped; it is never invoked
	// from within Schedule itself.
	Schedule(buf Buffer, at float64, onEnded func()) (Voice, error)
}
