package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/domain"
)

const (
	ctxAccountID  = "account_id"
	ctxMeeting    = "meeting_claims"
	ctxClientRef  = "client_ref"
	sessAccountID = "accountId"
)

// AccountMiddleware resolves the caller from a Bearer token (account or
// meeting kind) or from the cookie session written at OTP verification.
// A Bearer header that does not verify aborts with 401.
func AccountMiddleware(tokens *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw, ok := bearer(c); ok {
			if err := resolveBearer(c, tokens, raw); err != nil {
				log.Debug().Str("module", "adapters.http").Err(err).Msg("bearer rejected")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Next()
			return
		}
		if acc, ok := sessions.Default(c).Get(sessAccountID).(string); ok && acc != "" {
			c.Set(ctxAccountID, domain.AccountID(acc))
		}
		c.Next()
	}
}

func resolveBearer(c *gin.Context, tokens *auth.Issuer, raw string) error {
	acc, err := tokens.VerifyAccount(raw)
	if err == nil {
		c.Set(ctxAccountID, acc.AccountID())
		return nil
	}
	if !errors.Is(err, auth.ErrWrongKind) {
		return err
	}
	mc, err := tokens.VerifyMeeting(raw)
	if err != nil {
		return err
	}
	c.Set(ctxMeeting, mc)
	if mc.AccountID != "" {
		c.Set(ctxAccountID, mc.AccountID)
	}
	return nil
}

func bearer(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// RequireAccount aborts with 401 unless a signed-in account was resolved.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if accountOf(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "sign-in required"})
			return
		}
		c.Next()
	}
}

func accountOf(c *gin.Context) domain.AccountID {
	v, _ := c.Get(ctxAccountID)
	acc, _ := v.(domain.AccountID)
	return acc
}

func meetingOf(c *gin.Context) *auth.MeetingClaims {
	v, _ := c.Get(ctxMeeting)
	mc, _ := v.(*auth.MeetingClaims)
	return mc
}

// isOwner accepts the owner's account or an owner meeting token for s.
func isOwner(c *gin.Context, s domain.Session) bool {
	if acc := accountOf(c); acc != "" && acc == s.OwnerAccountID {
		return true
	}
	mc := meetingOf(c)
	return mc != nil && mc.Owner && mc.SessionID == s.ID
}

type otpRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type otpVerifyRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required,len=6,numeric"`
}

func (a *API) requestCode(c *gin.Context) {
	var req otpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.otp.Request(req.Email); err != nil {
		if errors.Is(err, auth.ErrResendTooSoon) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		log.Error().Str("module", "adapters.http").Err(err).Msg("otp request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not send code"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (a *API) verifyCode(c *gin.Context) {
	var req otpVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.otp.Verify(req.Email, req.Code); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	acc, err := a.store.UpsertAccount(c.Request.Context(), req.Email)
	if err != nil {
		respondErr(c, err)
		return
	}
	token, err := a.tokens.IssueAccount(acc, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		respondErr(c, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessAccountID, string(acc))
	if err := sess.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("cookie session save failed")
	}

	log.Info().Str("module", "adapters.http").Str("account", string(acc)).Msg("account signed in")
	c.JSON(http.StatusOK, gin.H{"accountId": acc, "token": token})
}
