package domain

import "fmt"

type AccessMode string

const (
	AccessOpen         AccessMode = "open"
	AccessRegistration AccessMode = "registration"
	AccessTicketed     AccessMode = "ticketed"
)

func ParseAccessMode(s string) (AccessMode, error) {
	switch m := AccessMode(s); m {
	case AccessOpen, AccessRegistration, AccessTicketed:
		return m, nil
	}
	return "", fmt.Errorf("unknown access mode %q", s)
}

// EffectiveAccess resolves the tier a session is gated by. The session
// override wins when present.
func EffectiveAccess(event AccessMode, override *AccessMode) AccessMode {
	if override != nil && *override != "" {
		return *override
	}
	if event == "" {
		return AccessOpen
	}
	return event
}
