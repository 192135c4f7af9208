package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/dkeye/livestage/internal/domain"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongKind    = errors.New("wrong token kind")
)

const (
	kindMeeting = "meeting"
	kindAccount = "account"

	// AccountTokenLifetime bounds an OTP sign-in.
	AccountTokenLifetime = 30 * 24 * time.Hour
)

// MeetingClaims authorize one participant to join one session's room.
type MeetingClaims struct {
	Kind        string           `json:"knd"`
	SessionID   domain.SessionID `json:"sid"`
	Room        domain.RoomName  `json:"room"`
	DisplayName string           `json:"name"`
	AccountID   domain.AccountID `json:"acc,omitempty"`
	Owner       bool             `json:"own,omitempty"`
	jwt.RegisteredClaims
}

// AccountClaims identify a signed-in account.
type AccountClaims struct {
	Kind  string `json:"knd"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (c AccountClaims) AccountID() domain.AccountID { return domain.AccountID(c.Subject) }

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
	clock    clockwork.Clock
}

func NewIssuer(secret []byte, lifetime time.Duration, clock clockwork.Clock) *Issuer {
	if lifetime <= 0 {
		lifetime = domain.DefaultTokenLifetime
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{secret: secret, lifetime: lifetime, clock: clock}
}

func (i *Issuer) Lifetime() time.Duration { return i.lifetime }

// IssueMeeting signs a meeting token for session s.
func (i *Issuer) IssueMeeting(s domain.Session, name string, acc domain.AccountID) (domain.MeetingToken, error) {
	now := i.clock.Now()
	claims := MeetingClaims{
		Kind:        kindMeeting,
		SessionID:   s.ID,
		Room:        s.Room,
		DisplayName: name,
		AccountID:   acc,
		Owner:       acc != "" && acc == s.OwnerAccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(acc),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return domain.MeetingToken{}, fmt.Errorf("sign meeting token: %w", err)
	}
	return domain.MeetingToken{Value: signed, IssuedAt: now, Lifetime: i.lifetime}, nil
}

// IssueAccount signs an account token after a successful OTP verification.
func (i *Issuer) IssueAccount(acc domain.AccountID, email string) (string, error) {
	now := i.clock.Now()
	claims := AccountClaims{
		Kind:  kindAccount,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(acc),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccountTokenLifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) VerifyMeeting(token string) (*MeetingClaims, error) {
	claims := &MeetingClaims{}
	if err := i.parse(token, claims); err != nil {
		return nil, err
	}
	if claims.Kind != kindMeeting {
		return nil, ErrWrongKind
	}
	if claims.SessionID == "" || claims.Room == "" {
		return nil, fmt.Errorf("%w: sid/room", ErrMissingClaim)
	}
	return claims, nil
}

func (i *Issuer) VerifyAccount(token string) (*AccountClaims, error) {
	claims := &AccountClaims{}
	if err := i.parse(token, claims); err != nil {
		return nil, err
	}
	if claims.Kind != kindAccount {
		return nil, ErrWrongKind
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims, nil
}

func (i *Issuer) parse(token string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
