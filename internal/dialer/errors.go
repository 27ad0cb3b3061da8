package dialer

import (
	"errors"

	"github.com/MrWong99/omniflow/pkg/audio"
)

var (
	// ErrPermissionDenied means the capture device could not be obtained.
	// It matches [audio.ErrPermissionDenied] via errors.Is.
	ErrPermissionDenied = audio.ErrPermissionDenied

	// ErrConnectionFailure means the remote session could not be opened or
	// dropped mid-call.
	ErrConnectionFailure = errors.New("dialer: critical signal loss, session terminated")

	// ErrTransmitFailure means a capture frame was rejected by the remote
	// session.
	ErrTransmitFailure = errors.New("dialer: transmit failure")

	// ErrDecodeFailure means one inbound audio payload was unplayable. It is
	// logged and counted; the call continues.
	ErrDecodeFailure = errors.New("dialer: decode failure")

	// ErrCaptureLost means the capture device stopped delivering frames on
	// its own.
	ErrCaptureLost = errors.New("dialer: capture device lost")

	// ErrInvalidTarget is returned by Start for an empty target.
	ErrInvalidTarget = errors.New("dialer: target is required")

	// ErrSessionActive is returned by Start unless the manager is idle.
	ErrSessionActive = errors.New("dialer: a session is already active")

	// ErrSessionCancelled is returned by Start when Stop or the caller's
	// context ended the attempt before it went live.
	ErrSessionCancelled = errors.New("dialer: session cancelled")
)

// errRemoteClosed ends the session loops when the remote end hangs up
// cleanly. It is never surfaced.
var errRemoteClosed = errors.New("dialer: remote closed")

// errorKind labels err for the session error metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrConnectionFailure):
		return "connection"
	case errors.Is(err, ErrTransmitFailure):
		return "transmit"
	case errors.Is(err, ErrCaptureLost):
		return "capture_lost"
	case errors.Is(err, ErrDecodeFailure):
		return "decode"
	}
	return "other"
}
