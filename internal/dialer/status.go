package dialer

import "fmt"

// Status is the call state machine.
//
//	Idle → RequestingCapturePermission → InitializingEngine → Connecting → Live → Terminating → Idle
//
// Error is entered on an unrecoverable failure and returns to Idle by itself
// after the configured reset delay.
type Status int

const (
	StatusIdle Status = iota
	StatusRequestingPermission
	StatusInitializingEngine
	StatusConnecting
	StatusLive
	StatusTerminating
	StatusError
)

var statusNames = [...]string{
	StatusIdle:                 "IDLE",
	StatusRequestingPermission: "PERMISSIONS_REQUEST",
	StatusInitializingEngine:   "INITIALIZING_ENGINE",
	StatusConnecting:           "CONNECTING",
	StatusLive:                 "LIVE",
	StatusTerminating:          "TERMINATING",
	StatusError:                "ERROR",
}

// String returns the upper-case wire name of s.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes s by name so JSON payloads read "LIVE" instead of 4.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Starting reports whether s is one of the three setup phases.
func (s Status) Starting() bool {
	return s == StatusRequestingPermission || s == StatusInitializingEngine || s == StatusConnecting
}
