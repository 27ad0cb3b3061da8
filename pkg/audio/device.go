// Package audio defines the capture-side abstractions and PCM wire helpers
// used by the OmniFlow dialer.
//
// The two capture abstractions are:
//
//   - [Microphone]: a permissioned capture device. Opening it is the
//     permission request and may block until the user consents.
//   - [CaptureStream]: an open capture session that pushes fixed-size
//     [AudioFrame] values as the device produces them.
//
// Playback lives in the playback sub-package; concrete devices live in
// audio/portaudio. Test doubles live in audio/mock.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Microphone.Open] when access to the
// capture device was refused or no usable device exists.
var ErrPermissionDenied = errors.New("audio: capture permission denied")

// CaptureStream is an open microphone. Frames are delivered on the channel
// returned by Frames in capture order. The channel is closed after Close is
// called or when the device stops on its own.
//
// Implementations must be safe for concurrent use.
type CaptureStream interface {
	// Frames returns the read-only channel of captured frames.
	Frames() <-chan AudioFrame

	// Format reports the sample rate and channel count of delivered frames.
	Format() Format

	// Close stops all device tracks and releases the device. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Microphone is the entry point for a capture device.
type Microphone interface {
	// Open requests capture permission and starts the device. It may block
	// for as long as the user takes to answer a consent prompt; ctx bounds
	// the wait. Implementations return an error wrapping
	// [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context) (CaptureStream, error)
}
