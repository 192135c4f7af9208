package gate

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
)

const (
	CodeValidity = 10 * time.Minute
	ResendAfter  = 60 * time.Second
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrNoCodeRequested = errors.New("request a code first")
	ErrResendTooSoon   = errors.New("wait before requesting another code")
	ErrCodeExpired     = errors.New("code expired, request a new one")
)

// Account is the result of a successful sign-in.
type Account struct {
	ID    domain.AccountID `json:"accountId"`
	Token string           `json:"token"`
}

// OTPClient is the collaborator auth service.
type OTPClient interface {
	RequestCode(ctx context.Context, email string) error
	VerifyCode(ctx context.Context, email, code string) (Account, error)
}

// SignIn runs the two-step one-time-code challenge. Countdowns are purely
// client-side; the auth service enforces the real expiry.
type SignIn struct {
	client OTPClient
	clock  clockwork.Clock

	mu          sync.Mutex
	email       string
	requestedAt time.Time
}

func NewSignIn(client OTPClient, clock clockwork.Clock) *SignIn {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SignIn{client: client, clock: clock}
}

func normalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidEmail, s)
	}
	return strings.ToLower(addr.Address), nil
}

func (s *SignIn) Request(ctx context.Context, email string) error {
	addr, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if addr == s.email && s.resendInLocked() > 0 {
		s.mu.Unlock()
		return ErrResendTooSoon
	}
	s.mu.Unlock()

	if err := s.client.RequestCode(ctx, addr); err != nil {
		return fmt.Errorf("request code: %w", err)
	}
	s.mu.Lock()
	s.email = addr
	s.requestedAt = s.clock.Now()
	s.mu.Unlock()
	log.Info().Str("module", "live.gate").Msg("sign-in code requested")
	return nil
}

// Resend requests a new code for the same address once the resend
// countdown is over.
func (s *SignIn) Resend(ctx context.Context) error {
	s.mu.Lock()
	email := s.email
	s.mu.Unlock()
	if email == "" {
		return ErrNoCodeRequested
	}
	return s.Request(ctx, email)
}

func (s *SignIn) resendInLocked() time.Duration {
	if s.requestedAt.IsZero() {
		return 0
	}
	return max(0, s.requestedAt.Add(ResendAfter).Sub(s.clock.Now()))
}

func (s *SignIn) ResendIn() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resendInLocked()
}

func (s *SignIn) ExpiresIn() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestedAt.IsZero() {
		return 0
	}
	return max(0, s.requestedAt.Add(CodeValidity).Sub(s.clock.Now()))
}

func (s *SignIn) Verify(ctx context.Context, code string) (Account, error) {
	s.mu.Lock()
	email := s.email
	s.mu.Unlock()
	if email == "" {
		return Account{}, ErrNoCodeRequested
	}
	if s.ExpiresIn() == 0 {
		return Account{}, ErrCodeExpired
	}
	acc, err := s.client.VerifyCode(ctx, email, strings.TrimSpace(code))
	if err != nil {
		return Account{}, fmt.Errorf("verify code: %w", err)
	}
	log.Info().Str("module", "live.gate").Str("account", string(acc.ID)).Msg("signed in")
	return acc, nil
}
