package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dkeye/livestage/internal/domain"
)

// ListActions returns the active-actions log of sid, oldest first.
func (s *Store) ListActions(ctx context.Context, sid domain.SessionID) ([]domain.ActiveAction, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, type, payload, created_at
FROM active_actions WHERE session_id = ?
ORDER BY created_at ASC, rowid ASC`, sid)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := []domain.ActiveAction{}
	for rows.Next() {
		var (
			a       domain.ActiveAction
			payload string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Payload = []byte(payload)
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendAction persists a. A new poll replaces any stored poll of the
// session, since only one poll is active at a time.
func (s *Store) AppendAction(ctx context.Context, a domain.ActiveAction) (domain.ActiveAction, error) {
	if !a.Type.Valid() {
		return domain.ActiveAction{}, fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.clock.Now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActiveAction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if a.Type == domain.ActionPoll {
		if _, err := tx.ExecContext(ctx, `DELETE FROM active_actions WHERE session_id = ? AND type = ?`, a.SessionID, domain.ActionPoll); err != nil {
			return domain.ActiveAction{}, fmt.Errorf("replace poll: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO active_actions (id, session_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		a.ID, a.SessionID, a.Type, string(a.Payload), millis(a.CreatedAt))
	if err != nil {
		return domain.ActiveAction{}, fmt.Errorf("append action: %w", err)
	}
	return a, tx.Commit()
}

func (s *Store) RemoveAction(ctx context.Context, sid domain.SessionID, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM active_actions WHERE session_id = ? AND id = ?`, sid, id)
	if err != nil {
		return fmt.Errorf("remove action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
