package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/store"
)

// Backend is the persistence the REST API reads and writes.
type Backend interface {
	UpsertAccount(ctx context.Context, email string) (domain.AccountID, error)

	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error)
	SessionByRoom(ctx context.Context, room domain.RoomName) (domain.Session, error)
	UpdateSessionStatus(ctx context.Context, id domain.SessionID, to domain.LifecycleStatus) (domain.Session, error)

	GrantEntitlement(ctx context.Context, sid domain.SessionID, acc domain.AccountID) error
	HasEntitlement(ctx context.Context, sid domain.SessionID, acc domain.AccountID) (bool, error)

	ListActions(ctx context.Context, sid domain.SessionID) ([]domain.ActiveAction, error)
	AppendAction(ctx context.Context, a domain.ActiveAction) (domain.ActiveAction, error)
	RemoveAction(ctx context.Context, sid domain.SessionID, id string) error

	RecordJoin(ctx context.Context, sid domain.SessionID, ref, name string) (domain.AttendanceID, error)
	RecordLeave(ctx context.Context, id domain.AttendanceID) error
}

var _ Backend = (*store.Store)(nil)

type API struct {
	store  Backend
	tokens *auth.Issuer
	otp    *auth.OTPBook
	orch   *orch.Orchestrator
}

func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Str("module", "adapters.http").Str("path", c.FullPath()).Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{"error": "owner only"})
}

// loadSession resolves :id and writes 404 itself when missing.
func (a *API) loadSession(c *gin.Context) (domain.Session, bool) {
	s, err := a.store.GetSession(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		respondErr(c, err)
		return domain.Session{}, false
	}
	return s, true
}

func (a *API) ownedSession(c *gin.Context) (domain.Session, bool) {
	s, ok := a.loadSession(c)
	if !ok {
		return s, false
	}
	if !isOwner(c, s) {
		forbidden(c)
		return s, false
	}
	return s, true
}
