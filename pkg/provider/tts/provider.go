// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and returns the complete
// utterance as raw PCM. The voice guide plays the result through a playback
// scheduler, so providers report the sample rate of what they return.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"time"
)

// ErrNoAudio is returned when the backend answered without any audio data.
var ErrNoAudio = errors.New("tts: response contained no audio")

// Speech is one synthesised utterance.
type Speech struct {
	// PCM holds little-endian int16 samples, interleaved when Channels > 1.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono.
	Channels int
}

// Duration returns the playing time of the utterance.
func (s Speech) Duration() time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	frames := len(s.PCM) / (2 * s.Channels)
	return time.Duration(frames) * time.Second / time.Duration(s.SampleRate)
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the named voice. An empty voice selects
	// the provider default. Returns an error wrapping [ErrNoAudio] if the
	// backend produced no audio.
	Synthesize(ctx context.Context, text, voice string) (Speech, error)
}
