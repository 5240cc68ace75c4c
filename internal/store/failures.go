package store

import (
	"context"
	"fmt"
	"strings"
)

// MaterializeFailureRow is the latest failed apply of one materializer on
// one processed row.
type MaterializeFailureRow struct {
	ProcessedID  string `json:"processed_id"`
	Materializer string `json:"materializer"`
	EventID      string `json:"event_id"`
	Error        string `json:"error"`
	Attempts     int    `json:"attempts"`
	FailedAt     string `json:"failed_at"`
}

// MaterializeFailureFilter narrows MaterializeFailures. Zero values mean no
// restriction.
type MaterializeFailureFilter struct {
	EventID string
	Limit   int
}

// RecordMaterializeFailure writes or replaces the failure row of
// (r.ProcessedID, r.Materializer). A replaced row keeps counting attempts.
func (s *Store) RecordMaterializeFailure(ctx context.Context, r MaterializeFailureRow) error {
	if r.Error == "" {
		return fmt.Errorf("record materialize failure: empty error text")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialize_failures (processed_id, materializer, event_id, error, attempts, failed_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(processed_id, materializer) DO UPDATE SET
			error = excluded.error,
			failed_at = excluded.failed_at,
			attempts = materialize_failures.attempts + 1
	`, r.ProcessedID, r.Materializer, r.EventID, r.Error, r.FailedAt)
	if err != nil {
		return fmt.Errorf("record materialize failure: %w", err)
	}
	return nil
}

// ClearMaterializeFailure deletes the failure row of (processedID,
// materializer), if any. It runs in the apply's transaction so a source is
// never both materialized and failed.
func (t *Tx) ClearMaterializeFailure(ctx context.Context, processedID, materializer string) error {
	_, err := t.exec(ctx, "clear materialize failure", `
		DELETE FROM materialize_failures WHERE processed_id = ? AND materializer = ?
	`, processedID, materializer)
	return err
}

// MaterializeFailures returns the recorded failures, oldest first.
func (s *Store) MaterializeFailures(ctx context.Context, f MaterializeFailureFilter) ([]MaterializeFailureRow, error) {
	query := `
		SELECT processed_id, materializer, event_id, error, attempts, failed_at
		FROM materialize_failures`
	var where []string
	var args []any
	if f.EventID != "" {
		where = append(where, `event_id = ?`)
		args = append(args, f.EventID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY failed_at ASC, processed_id ASC, materializer ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query materialize failures: %w", err)
	}
	defer rows.Close()

	out := []MaterializeFailureRow{}
	for rows.Next() {
		var r MaterializeFailureRow
		if err := rows.Scan(&r.ProcessedID, &r.Materializer, &r.EventID, &r.Error, &r.Attempts, &r.FailedAt); err != nil {
			return nil, fmt.Errorf("scan materialize failure: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate materialize failures: %w", err)
	}
	return out, nil
}
