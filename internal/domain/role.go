package domain

type Role string

const (
	RoleViewer  Role = "viewer"
	RoleSpeaker Role = "speaker"
	RoleCoHost  Role = "co-host"
	RoleOwner   Role = "owner"
)

// Capabilities are the transport-reported permission flags. Role is never
// transmitted on its own; it is always derived from these.
type Capabilities struct {
	CanSend  bool `json:"canSend"`
	CanAdmin bool `json:"canAdmin"`
	Owner    bool `json:"owner"`
}

func DeriveRole(c Capabilities) Role {
	switch {
	case c.Owner:
		return RoleOwner
	case c.CanAdmin:
		return RoleCoHost
	case c.CanSend:
		return RoleSpeaker
	default:
		return RoleViewer
	}
}

func OwnerCapabilities() Capabilities {
	return Capabilities{CanSend: true, CanAdmin: true, Owner: true}
}
