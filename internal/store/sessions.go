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

// CreateSession persists s. ID and Room are generated when empty and the
// status starts idle.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if strings.TrimSpace(sess.Title) == "" {
		return domain.Session{}, fmt.Errorf("session title is required")
	}
	if sess.OwnerAccountID == "" {
		return domain.Session{}, fmt.Errorf("session owner is required")
	}
	if sess.ID == "" {
		sess.ID = domain.SessionID(uuid.NewString())
	}
	if sess.Room == "" {
		sess.Room = domain.RoomName("room-" + string(sess.ID))
	}
	if sess.EventAccess == "" {
		sess.EventAccess = domain.AccessOpen
	}
	sess.Status = domain.StatusIdle

	var override sql.NullString
	if sess.AccessOverride != nil {
		override = sql.NullString{String: string(*sess.AccessOverride), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, title, owner_account_id, starts_at, ends_at, room, status, event_access, access_override)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.OwnerAccountID,
		millis(sess.StartsAt), millis(sess.EndsAt),
		sess.Room, sess.Status, sess.EventAccess, override,
	)
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	return s.getSession(ctx, s.sqlDB, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getSession(ctx context.Context, q queryer, id domain.SessionID) (domain.Session, error) {
	var (
		sess             domain.Session
		startsAt, endsAt int64
		override         sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT id, title, owner_account_id, starts_at, ends_at, room, status, event_access, access_override
FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Title, &sess.OwnerAccountID, &startsAt, &endsAt,
		&sess.Room, &sess.Status, &sess.EventAccess, &override,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.StartsAt = fromMillis(startsAt)
	sess.EndsAt = fromMillis(endsAt)
	if override.Valid {
		m := domain.AccessMode(override.String)
		sess.AccessOverride = &m
	}
	return sess, nil
}

// SessionByRoom resolves the session that owns a room.
func (s *Store) SessionByRoom(ctx context.Context, room domain.RoomName) (domain.Session, error) {
	var id domain.SessionID
	err := s.sqlDB.QueryRowContext(ctx, `SELECT id FROM sessions WHERE room = ?`, room).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("session by room: %w", err)
	}
	return s.GetSession(ctx, id)
}

// UpdateSessionStatus applies a validated lifecycle transition.
func (s *Store) UpdateSessionStatus(ctx context.Context, id domain.SessionID, to domain.LifecycleStatus) (domain.Session, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := s.getSession(ctx, tx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if err := domain.ValidateTransition(sess.Status, to); err != nil {
		return domain.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, to, id); err != nil {
		return domain.Session{}, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	sess.Status = to
	return sess, nil
}
