package verify

import (
	"fmt"
)

// Status is the verification state of a client.
type Status uint32

const (
	// Unverified clients are registered but have not answered a challenge.
	Unverified Status = iota
	// Verified clients answered a challenge less than MaxAge ago.
	Verified
	// Expired clients were verified once and must answer a new challenge.
	Expired
	// Revoked clients are excluded until they register again.
	Revoked
)

func (s Status) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	default:
		panic("impossible verification status received")
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "unverified", "":
		return Unverified, nil
	case "verified":
		return Verified, nil
	case "expired":
		return Expired, nil
	case "revoked":
		return Revoked, nil
	}
	return Unverified, fmt.Errorf("unknown verification status %q", s)
}

// InvalidStateChange is returned for a transition the lifecycle forbids.
func InvalidStateChange(from, to Status) error {
	return fmt.Errorf("invalid verification transition from %s to %s", from, to)
}

// isValidStateChange encodes unverified -> verified -> (expired | revoked).
// Revoked clients only come back through registration.
func isValidStateChange(current, next Status) bool {
	switch current {
	case Unverified:
		return next == Verified || next == Revoked
	case Verified:
		return next == Verified || next == Expired || next == Revoked
	case Expired:
		return next == Verified || next == Revoked
	case Revoked:
		return next == Unverified
	}
	return false
}
