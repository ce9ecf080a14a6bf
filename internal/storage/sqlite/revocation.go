package sqlite

import (
	"context"
	"time"

	courier "github.com/eugener/courier/internal"
)

// InsertRevocation upserts a revocation keyed by task ID.
func (s *Store) InsertRevocation(ctx context.Context, r courier.Revocation) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO revocations (task_id, reason, revoked_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET
		 reason = excluded.reason,
		 revoked_at = excluded.revoked_at,
		 expires_at = excluded.expires_at`,
		r.TaskID, r.Reason, formatTime(r.RevokedAt), formatTime(r.ExpiresAt),
	)
	return err
}

// ListRevocations returns revocations that have not expired at now, oldest first.
func (s *Store) ListRevocations(ctx context.Context, now time.Time) ([]courier.Revocation, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT task_id, reason, revoked_at, expires_at
		 FROM revocations WHERE expires_at > ? ORDER BY revoked_at ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []courier.Revocation
	for rows.Next() {
		var r courier.Revocation
		var revokedAt, expiresAt string
		if err := rows.Scan(&r.TaskID, &r.Reason, &revokedAt, &expiresAt); err != nil {
			return nil, err
		}
		r.RevokedAt = parseTime(revokedAt)
		r.ExpiresAt = parseTime(expiresAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteExpiredRevocations removes revocations that lapsed at or before now.
func (s *Store) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM revocations WHERE expires_at <= ?`, formatTime(now),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
