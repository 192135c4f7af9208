package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
)

type createSessionRequest struct {
	Title          string    `json:"title" binding:"required,max=200"`
	StartsAt       time.Time `json:"startsAt"`
	EndsAt         time.Time `json:"endsAt"`
	EventAccess    string    `json:"eventAccess" binding:"omitempty,oneof=open registration ticketed"`
	AccessOverride *string   `json:"accessOverride" binding:"omitempty,oneof=open registration ticketed"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.EndsAt.IsZero() && req.EndsAt.Before(req.StartsAt) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endsAt before startsAt"})
		return
	}
	sess := domain.Session{
		Title:          strings.TrimSpace(req.Title),
		OwnerAccountID: accountOf(c),
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		EventAccess:    domain.AccessMode(req.EventAccess),
	}
	if req.AccessOverride != nil {
		m := domain.AccessMode(*req.AccessOverride)
		sess.AccessOverride = &m
	}
	created, err := a.store.CreateSession(c.Request.Context(), sess)
	if err != nil {
		respondErr(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(created.ID)).Str("owner", string(created.OwnerAccountID)).Msg("session created")
	c.JSON(http.StatusCreated, created)
}

func (a *API) getSession(c *gin.Context) {
	if s, ok := a.loadSession(c); ok {
		c.JSON(http.StatusOK, s)
	}
}

type tokenRequest struct {
	DisplayName string `json:"displayName"`
}

// issueToken mints a meeting token. Non-open sessions need a signed-in
// account holding an entitlement; the owner always holds one.
func (a *API) issueToken(c *gin.Context) {
	s, ok := a.loadSession(c)
	if !ok {
		return
	}
	var req tokenRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	name := strings.TrimSpace(req.DisplayName)
	if name != "" {
		if err := domain.ValidateUsername(name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	acc := accountOf(c)
	if s.Access() != domain.AccessOpen {
		if acc == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "sign-in required"})
			return
		}
		has, err := a.store.HasEntitlement(c.Request.Context(), s.ID, acc)
		if err != nil {
			respondErr(c, err)
			return
		}
		if !has {
			c.JSON(http.StatusForbidden, gin.H{"error": "no access to this session"})
			return
		}
	}

	tok, err := a.tokens.IssueMeeting(s, name, acc)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok.Value, "expiresInSeconds": int(tok.Lifetime.Seconds())})
}

func (a *API) entitlement(c *gin.Context) {
	has, err := a.store.HasEntitlement(c.Request.Context(), domain.SessionID(c.Param("id")), accountOf(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hasAccess": has})
}

type grantRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

func (a *API) grantEntitlement(c *gin.Context) {
	s, ok := a.ownedSession(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.GrantEntitlement(c.Request.Context(), s.ID, domain.AccountID(req.AccountID)); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type actionView struct {
	ID      string            `json:"id"`
	Type    domain.ActionType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

func (a *API) listActions(c *gin.Context) {
	list, err := a.store.ListActions(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]actionView, 0, len(list))
	for _, act := range list {
		out = append(out, actionView{ID: act.ID, Type: act.Type, Payload: act.Payload})
	}
	c.JSON(http.StatusOK, out)
}

type appendActionRequest struct {
	ID      string          `json:"id"`
	Type    string          `json:"type" binding:"required,oneof=poll announcement download"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

func (a *API) appendAction(c *gin.Context) {
	s, ok := a.ownedSession(c)
	if !ok {
		return
	}
	var req appendActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stored, err := a.store.AppendAction(c.Request.Context(), domain.ActiveAction{
		ID:        req.ID,
		SessionID: s.ID,
		Type:      domain.ActionType(req.Type),
		Payload:   req.Payload,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, actionView{ID: stored.ID, Type: stored.Type, Payload: stored.Payload})
}

func (a *API) removeAction(c *gin.Context) {
	s, ok := a.ownedSession(c)
	if !ok {
		return
	}
	if err := a.store.RemoveAction(c.Request.Context(), s.ID, c.Param("actionId")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type statusRequest struct {
	Status string `json:"status" binding:"required,oneof=idle live ended"`
}

func (a *API) updateStatus(c *gin.Context) {
	s, ok := a.ownedSession(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := a.store.UpdateSessionStatus(c.Request.Context(), s.ID, domain.LifecycleStatus(req.Status))
	if err != nil {
		respondErr(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(s.ID)).Str("status", string(updated.Status)).Msg("session status written")
	c.JSON(http.StatusOK, updated)
}

type attendanceRequest struct {
	SessionID      string `json:"sessionId" binding:"required"`
	ParticipantRef string `json:"participantRef"`
	Name           string `json:"name" binding:"max=36"`
}

func (a *API) recordJoin(c *gin.Context) {
	var req attendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ref := req.ParticipantRef
	if ref == "" {
		ref = c.GetString(ctxClientRef)
	}
	id, err := a.store.RecordJoin(c.Request.Context(), domain.SessionID(req.SessionID), ref, req.Name)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attendanceId": id})
}

func (a *API) recordLeave(c *gin.Context) {
	if err := a.store.RecordLeave(c.Request.Context(), domain.AttendanceID(c.Param("id"))); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
