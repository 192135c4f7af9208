package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	CodeValidity = 10 * time.Minute
	ResendAfter  = 60 * time.Second
	codeDigits   = 6
	maxAttempts  = 5
)

var (
	ErrResendTooSoon = errors.New("code requested too recently")
	ErrNoCode        = errors.New("no code requested")
	ErrCodeExpired   = errors.New("code expired")
	ErrCodeMismatch  = errors.New("code does not match")
)

// Mailer delivers one-time codes.
type Mailer interface {
	SendCode(email, code string) error
}

// LogMailer writes codes to the log; used when no mail relay is configured.
type LogMailer struct{}

func (LogMailer) SendCode(email, code string) error {
	log.Info().Str("module", "auth.otp").Str("email", email).Str("code", code).Msg("sign-in code")
	return nil
}

// pendingCode is the last code sent to an address. A consumed code keeps
// its entry, so the resend window still applies after a verify.
type pendingCode struct {
	code     string
	sentAt   time.Time
	attempts int
	consumed bool
}

// OTPBook issues and checks email one-time codes. Codes are valid for
// CodeValidity and one address gets at most one code per ResendAfter,
// whether or not the previous one was used.
type OTPBook struct {
	mailer Mailer
	clock  clockwork.Clock

	mu      sync.Mutex
	pending map[string]*pendingCode
}

func NewOTPBook(mailer Mailer, clock clockwork.Clock) *OTPBook {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OTPBook{mailer: mailer, clock: clock, pending: make(map[string]*pendingCode)}
}

func normalize(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Request generates and sends a fresh code for email.
func (b *OTPBook) Request(email string) error {
	email = normalize(email)
	now := b.clock.Now()

	b.mu.Lock()
	if p, ok := b.pending[email]; ok && now.Sub(p.sentAt) < ResendAfter {
		b.mu.Unlock()
		return ErrResendTooSoon
	}
	code, err := newCode()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.pending[email] = &pendingCode{code: code, sentAt: now}
	b.mu.Unlock()

	if err := b.mailer.SendCode(email, code); err != nil {
		b.mu.Lock()
		delete(b.pending, email)
		b.mu.Unlock()
		return fmt.Errorf("send code: %w", err)
	}
	return nil
}

// Verify consumes the code for email on success.
func (b *OTPBook) Verify(email, code string) error {
	email = normalize(email)
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[email]
	if !ok || p.consumed {
		return ErrNoCode
	}
	if b.clock.Since(p.sentAt) >= CodeValidity {
		delete(b.pending, email)
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(p.code), []byte(strings.TrimSpace(code))) != 1 {
		p.attempts++
		if p.attempts >= maxAttempts {
			p.consumed = true
		}
		return ErrCodeMismatch
	}
	p.consumed = true
	return nil
}

func newCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
