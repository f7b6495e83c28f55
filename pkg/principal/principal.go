// Package principal defines the authenticated identity attached to a
// connection at upgrade time, per §3 of the fabric design.
package principal

import "time"

// AccessLevel is the coarse authorization tier of a principal.
type AccessLevel string

const (
	AccessGuest AccessLevel = "guest"
	AccessUser  AccessLevel = "user"
	AccessAdmin AccessLevel = "admin"
)

// Principal is populated by an AuthAdapter at connect time and mutated
// (LastActionTS only) on every inbound event.
type Principal struct {
	UserID       string
	DisplayName  string
	AccessLevel  AccessLevel
	LastActionTS time.Time
}

// IsAdmin reports whether the principal carries admin-level access,
// required for chat:send_global.
func (p Principal) IsAdmin() bool {
	return p.AccessLevel == AccessAdmin
}
