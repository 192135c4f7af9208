// Package gate decides whether a participant may attempt to connect at all.
// Nothing downstream of the gate is constructed until it grants access.
package gate

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
)

type Status string

const (
	// StatusNeedsIdentity asks for sign-in, or a guest name in open sessions.
	StatusNeedsIdentity  Status = "needs-identity"
	StatusChecking       Status = "checking"
	StatusTicketRequired Status = "ticket-required"
	StatusGranted        Status = "granted"
)

var (
	ErrGuestNotAllowed = errors.New("guest access is only available for open sessions")
	ErrNotGranted      = errors.New("access not granted")
)

// Identity is who passes the gate. Guests have no account.
type Identity struct {
	Name      string
	AccountID domain.AccountID
	Token     string
}

func (i Identity) Guest() bool { return i.AccountID == "" }

// Entitlements answers whether an account holds rights for a session.
type Entitlements interface {
	CheckEntitlement(ctx context.Context, accountID domain.AccountID, sessionID domain.SessionID) (bool, error)
}

type Gate struct {
	sessionID domain.SessionID
	access    domain.AccessMode
	ent       Entitlements

	mu       sync.Mutex
	identity *Identity
	status   Status
	onChange func(Status)
}

func New(s domain.Session, ent Entitlements) *Gate {
	return &Gate{
		sessionID: s.ID,
		access:    s.Access(),
		ent:       ent,
		status:    StatusNeedsIdentity,
	}
}

func (g *Gate) Access() domain.AccessMode { return g.access }

func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Gate) OnChange(fn func(Status)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

func (g *Gate) set(s Status) {
	g.mu.Lock()
	changed := g.status != s
	g.status = s
	fn := g.onChange
	g.mu.Unlock()
	if changed {
		log.Info().Str("module", "live.gate").Str("session", string(g.sessionID)).
			Str("access", string(g.access)).Str("status", string(s)).Msg("gate")
		if fn != nil {
			fn(s)
		}
	}
}

// ContinueAsGuest takes the name-only path of open sessions.
func (g *Gate) ContinueAsGuest(name string) error {
	if g.access != domain.AccessOpen {
		return ErrGuestNotAllowed
	}
	if err := domain.ValidateUsername(name); err != nil {
		return err
	}
	g.mu.Lock()
	g.identity = &Identity{Name: name}
	g.mu.Unlock()
	return nil
}

func (g *Gate) SignedIn(id Identity) {
	g.mu.Lock()
	g.identity = &id
	g.mu.Unlock()
}

// Evaluate runs the gate once. Ticketed sessions query the entitlement
// backend on every evaluation; any lookup failure denies access.
func (g *Gate) Evaluate(ctx context.Context) Status {
	g.mu.Lock()
	id := g.identity
	g.mu.Unlock()

	if id == nil {
		g.set(StatusNeedsIdentity)
		return StatusNeedsIdentity
	}
	switch g.access {
	case domain.AccessOpen:
		g.set(StatusGranted)
		return StatusGranted
	case domain.AccessRegistration:
		if id.Guest() {
			g.set(StatusNeedsIdentity)
			return StatusNeedsIdentity
		}
		g.set(StatusGranted)
		return StatusGranted
	}

	if id.Guest() {
		g.set(StatusNeedsIdentity)
		return StatusNeedsIdentity
	}
	g.set(StatusChecking)
	ok, err := g.ent.CheckEntitlement(ctx, id.AccountID, g.sessionID)
	if err != nil {
		log.Warn().Err(err).Str("module", "live.gate").Str("session", string(g.sessionID)).Msg("entitlement lookup failed, denying")
		ok = false
	}
	if !ok {
		g.set(StatusTicketRequired)
		return StatusTicketRequired
	}
	g.set(StatusGranted)
	return StatusGranted
}

// Render evaluates the gate and runs children only when access is granted.
func (g *Gate) Render(ctx context.Context, children func(context.Context, Identity) error) error {
	if st := g.Evaluate(ctx); st != StatusGranted {
		return &DeniedError{Status: st}
	}
	g.mu.Lock()
	id := *g.identity
	g.mu.Unlock()
	return children(ctx, id)
}

// DeniedError carries the gate status that stopped rendering.
type DeniedError struct{ Status Status }

func (e *DeniedError) Error() string { return "access not granted: " + string(e.Status) }

func (e *DeniedError) Is(target error) bool { return target == ErrNotGranted }
