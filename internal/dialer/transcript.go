package dialer

import (
	"time"

	"github.com/MrWong99/omniflow/pkg/provider/s2s"
)

// Role tags a transcript line.
type Role string

const (
	RoleSystem Role = "System"
	RoleAgent  Role = Role(s2s.RoleAgent)
	RoleUser   Role = Role(s2s.RoleUser)
)

// Line is one entry of the call transcript.
type Line struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// String renders the line as "[Role] text".
func (l Line) String() string {
	return "[" + string(l.Role) + "] " + l.Text
}
