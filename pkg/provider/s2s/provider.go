// Package s2s defines the Provider interface for remote speech-to-speech
// sessions.
//
// An S2S provider wraps a hosted real-time voice model that accepts encoded
// PCM input and answers with encoded PCM output and transcript text over one
// stateful, bidirectional connection. The dialer never decodes on the
// provider's behalf: outbound frames are handed over already encoded as
// [audio.Blob] values and inbound audio is passed through undecoded.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/omniflow/pkg/audio"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after the session
// has been closed locally or by the remote end.
var ErrSessionClosed = errors.New("s2s: session closed")

// Role identifies who produced a transcript fragment.
type Role string

const (
	// RoleAgent marks text transcribed from the model's spoken output.
	RoleAgent Role = "Agent"

	// RoleUser marks text transcribed from the caller's speech.
	RoleUser Role = "User"
)

// Transcript is one fragment of recognised or generated speech.
type Transcript struct {
	Role Role
	Text string
}

// Message is one inbound event from the remote session. Either field, or
// both, may be set.
type Message struct {
	// Transcript carries a text fragment, or nil.
	Transcript *Transcript

	// Audio carries an encoded PCM payload at the output sample rate, or nil.
	Audio *audio.Blob
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system prompt.
	Instructions string

	// Voice is the provider's prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// OutputTranscription requests text transcripts of the model's speech.
	OutputTranscription bool

	// InputTranscription requests text transcripts of the caller's speech.
	InputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate the provider expects from SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of inbound audio payloads.
	OutputSampleRate int

	// MaxSessionDuration is the provider's hard session limit. Zero means no
	// documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names.
	Voices []string
}

// SessionHandle is an open remote session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio transmits one encoded capture frame. Frames are delivered in
	// call order. It returns [ErrSessionClosed] once the session has ended.
	SendAudio(b audio.Blob) error

	// Messages returns the channel of inbound messages in arrival order. The
	// channel is closed when the session ends for any reason; check Err to
	// tell a clean close from a failure.
	Messages() <-chan Message

	// Err returns the error that ended the session, or nil if the session is
	// still open or was closed cleanly.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider opens remote sessions.
type Provider interface {
	// Connect opens a session and returns once the remote end has
	// acknowledged the configuration. The caller owns the handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
