package audio

import "time"

// AudioFrame is one fixed-size block of captured audio. Frames are the unit
// the capture device pushes and the unit the dialer transmits; they are never
// split or batched on the way to the remote session.
type AudioFrame struct {
	// Data holds little-endian int16 PCM samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (16000 for the outbound capture clock).
	SampleRate int

	// Channels: 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playing time represented by the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format returns the sample rate and channel count of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}
