package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/actions"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/gate"
	"github.com/dkeye/livestage/internal/live/lifecycle"
	"github.com/dkeye/livestage/internal/live/moderation"
)

func (c *Client) RequestCode(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("auth", "otp"), map[string]string{"email": email}, nil)
}

// VerifyCode signs in; later calls carry the returned account token.
func (c *Client) VerifyCode(ctx context.Context, email, code string) (gate.Account, error) {
	var acc gate.Account
	err := c.do(ctx, http.MethodPost, c.endpoint("auth", "otp", "verify"), map[string]string{"email": email, "code": code}, &acc)
	if err != nil {
		return gate.Account{}, err
	}
	c.SetAccountToken(acc.Token)
	return acc, nil
}

func (c *Client) GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error) {
	var s domain.Session
	err := c.do(ctx, http.MethodGet, c.endpoint("sessions", string(sid)), nil, &s)
	return s, err
}

type NewSession struct {
	Title       string            `json:"title"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
	EventAccess domain.AccessMode `json:"eventAccess,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, in NewSession) (domain.Session, error) {
	var s domain.Session
	err := c.do(ctx, http.MethodPost, c.endpoint("sessions"), in, &s)
	return s, err
}

// IssueToken fetches a meeting token. The meeting token is also kept as
// the fallback credential for owner calls made without an account token.
func (c *Client) IssueToken(ctx context.Context, sid domain.SessionID, displayName string) (domain.MeetingToken, error) {
	var out struct {
		Token            string `json:"token"`
		ExpiresInSeconds int    `json:"expiresInSeconds"`
	}
	body := map[string]string{}
	if displayName != "" {
		body["displayName"] = displayName
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("sessions", string(sid), "token"), body, &out); err != nil {
		return domain.MeetingToken{}, err
	}
	c.mu.Lock()
	c.meetingToken = out.Token
	c.mu.Unlock()
	return domain.MeetingToken{
		Value:    out.Token,
		IssuedAt: c.clock.Now(),
		Lifetime: time.Duration(out.ExpiresInSeconds) * time.Second,
	}, nil
}

// CheckEntitlement asks about the signed-in account; accountID only
// labels the log line.
func (c *Client) CheckEntitlement(ctx context.Context, accountID domain.AccountID, sid domain.SessionID) (bool, error) {
	var out struct {
		HasAccess bool `json:"hasAccess"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("sessions", string(sid), "entitlement"), nil, &out); err != nil {
		return false, err
	}
	log.Debug().Str("module", "live.backend").Str("account", string(accountID)).Str("session", string(sid)).Bool("access", out.HasAccess).Msg("entitlement checked")
	return out.HasAccess, nil
}

func (c *Client) GrantEntitlement(ctx context.Context, sid domain.SessionID, acc domain.AccountID) error {
	return c.do(ctx, http.MethodPost, c.endpoint("sessions", string(sid), "entitlements"), map[string]string{"accountId": string(acc)}, nil)
}

type actionEntry struct {
	ID      string            `json:"id"`
	Type    domain.ActionType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

func (e actionEntry) toDomain(sid domain.SessionID) domain.ActiveAction {
	return domain.ActiveAction{ID: e.ID, SessionID: sid, Type: e.Type, Payload: e.Payload}
}

func (c *Client) FetchActiveActions(ctx context.Context, sid domain.SessionID) ([]domain.ActiveAction, error) {
	var entries []actionEntry
	if err := c.do(ctx, http.MethodGet, c.endpoint("sessions", string(sid), "actions"), nil, &entries); err != nil {
		return nil, err
	}
	out := make([]domain.ActiveAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.toDomain(sid))
	}
	return out, nil
}

func (c *Client) AppendActiveAction(ctx context.Context, sid domain.SessionID, typ domain.ActionType, payload []byte) (domain.ActiveAction, error) {
	in := actionEntry{Type: typ, Payload: payload}
	var out actionEntry
	if err := c.do(ctx, http.MethodPost, c.endpoint("sessions", string(sid), "actions"), in, &out); err != nil {
		return domain.ActiveAction{}, err
	}
	return out.toDomain(sid), nil
}

func (c *Client) RemoveActiveAction(ctx context.Context, sid domain.SessionID, actionID string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("sessions", string(sid), "actions", actionID), nil, nil)
}

func (c *Client) UpdateSessionStatus(ctx context.Context, sid domain.SessionID, status domain.LifecycleStatus) error {
	return c.do(ctx, http.MethodPost, c.endpoint("sessions", string(sid), "status"), map[string]string{"status": string(status)}, nil)
}

func (c *Client) UpdateRoomProperty(ctx context.Context, room domain.RoomName, patch domain.RoomPropertiesPatch) error {
	return c.do(ctx, http.MethodPatch, c.endpoint("rooms", string(room)), patch, nil)
}

func (c *Client) RecordJoin(ctx context.Context, sid domain.SessionID, participantRef, name string) (domain.AttendanceID, error) {
	in := map[string]string{"sessionId": string(sid), "participantRef": participantRef, "name": name}
	var out struct {
		AttendanceID domain.AttendanceID `json:"attendanceId"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("attendance"), in, &out); err != nil {
		return "", err
	}
	return out.AttendanceID, nil
}

func (c *Client) RecordLeave(ctx context.Context, id domain.AttendanceID) error {
	return c.do(ctx, http.MethodPost, c.endpoint("attendance", string(id), "leave"), nil, nil)
}

var (
	_ connection.TokenIssuer        = (*Client)(nil)
	_ connection.AttendanceRecorder = (*Client)(nil)
	_ gate.Entitlements             = (*Client)(nil)
	_ gate.OTPClient                = (*Client)(nil)
	_ actions.Log                   = (*Client)(nil)
	_ lifecycle.StatusWriter        = (*Client)(nil)
	_ lifecycle.SessionSource       = (*Client)(nil)
	_ moderation.RoomUpdater        = (*Client)(nil)
)
