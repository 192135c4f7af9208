package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dkeye/livestage/internal/domain"
)

func (s *Store) RecordJoin(ctx context.Context, sid domain.SessionID, ref, name string) (domain.AttendanceID, error) {
	id := domain.AttendanceID(uuid.NewString())
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO attendance (id, session_id, participant_ref, name, joined_at) VALUES (?, ?, ?, ?, ?)`,
		id, sid, ref, name, millis(s.clock.Now()))
	if err != nil {
		return "", fmt.Errorf("record join: %w", err)
	}
	return id, nil
}

// RecordLeave stamps the first leave only.
func (s *Store) RecordLeave(ctx context.Context, id domain.AttendanceID) error {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE attendance SET left_at = ? WHERE id = ? AND left_at IS NULL`, millis(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Attendance(ctx context.Context, sid domain.SessionID) ([]domain.Attendance, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, participant_ref, name, joined_at, left_at
FROM attendance WHERE session_id = ? ORDER BY joined_at ASC`, sid)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var out []domain.Attendance
	for rows.Next() {
		var (
			a      domain.Attendance
			joined int64
			left   *int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ParticipantRef, &a.Name, &joined, &left); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		a.JoinedAt = fromMillis(joined)
		if left != nil {
			t := fromMillis(*left)
			a.LeftAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
