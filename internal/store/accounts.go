package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dkeye/livestage/internal/domain"
)

// UpsertAccount returns the account for email, creating it on first sign-in.
func (s *Store) UpsertAccount(ctx context.Context, email string) (domain.AccountID, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?)
ON CONFLICT(email) DO NOTHING`, uuid.NewString(), email, millis(s.clock.Now()))
	if err != nil {
		return "", fmt.Errorf("upsert account: %w", err)
	}
	var id domain.AccountID
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT id FROM accounts WHERE email = ?`, email).Scan(&id); err != nil {
		return "", fmt.Errorf("load account: %w", err)
	}
	return id, nil
}

func (s *Store) GrantEntitlement(ctx context.Context, sid domain.SessionID, acc domain.AccountID) error {
	if _, err := s.GetSession(ctx, sid); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO entitlements (session_id, account_id, granted_at) VALUES (?, ?, ?)
ON CONFLICT(session_id, account_id) DO NOTHING`, sid, acc, millis(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("grant entitlement: %w", err)
	}
	return nil
}

// HasEntitlement reports whether acc holds a ticket for sid. The session
// owner always has access.
func (s *Store) HasEntitlement(ctx context.Context, sid domain.SessionID, acc domain.AccountID) (bool, error) {
	sess, err := s.GetSession(ctx, sid)
	if err != nil {
		return false, err
	}
	if sess.OwnerAccountID == acc {
		return true, nil
	}
	var one int
	err = s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM entitlements WHERE session_id = ? AND account_id = ?`, sid, acc).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check entitlement: %w", err)
	}
	return true, nil
}
