package sqlite

import (
	"context"
	"strings"

	courier "github.com/eugener/courier/internal"
)

// InsertEvents batch-inserts task events.
func (s *Store) InsertEvents(ctx context.Context, events []courier.TaskEvent) error {
	if len(events) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 7
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.TaskID, e.TaskName, string(e.Type),
			e.Detail, e.Hostname, formatTime(e.CreatedAt),
		)
	}

	query := `INSERT INTO task_events
		(id, task_id, task_name, type, detail, hostname, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryEvents returns task events matching the filter, oldest first.
func (s *Store) QueryEvents(ctx context.Context, f courier.EventFilter) ([]courier.TaskEvent, error) {
	where, args := eventWhere(f)
	query := `SELECT id, task_id, task_name, type, detail, hostname, created_at
		FROM task_events` + where + ` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []courier.TaskEvent
	for rows.Next() {
		var e courier.TaskEvent
		var typ, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TaskName, &typ, &e.Detail, &e.Hostname, &createdAt); err != nil {
			return nil, err
		}
		e.Type = courier.EventType(typ)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns the count of task events matching the filter.
func (s *Store) CountEvents(ctx context.Context, f courier.EventFilter) (int, error) {
	where, args := eventWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_events`+where, args...,
	).Scan(&n)
	return n, err
}

func eventWhere(f courier.EventFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
