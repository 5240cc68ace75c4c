package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/dashlog/internal/ir"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const eventColumns = `event_id, event_type, event_ts, timezone, event_unix_us, version_id, attrs, data, data_path`

const processedColumns = `processed_id, event_id, handler_id, event_type, outcome, record, error, processed_at`

// EventFilter narrows ListEvents. Zero values mean no restriction.
type EventFilter struct {
	Type  string
	Limit int
}

// ProcessedFilter narrows ListProcessed. Zero values mean no restriction.
type ProcessedFilter struct {
	EventID    string
	EventTypes []string
	Outcome    ir.Outcome
	Limit      int
}

// ReadTag returns the tag for a version string.
func (s *Store) ReadTag(ctx context.Context, version string) (ir.Tag, error) {
	var tag ir.Tag
	err := s.db.QueryRowContext(ctx, `
		SELECT version_id, version, created_at FROM tags WHERE version = ?
	`, version).Scan(&tag.ID, &tag.Version, &tag.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Tag{}, fmt.Errorf("tag %q: %w", version, ErrNotFound)
	}
	if err != nil {
		return ir.Tag{}, fmt.Errorf("read tag: %w", err)
	}
	return tag, nil
}

// ListTags returns every schema version tag, oldest first.
func (s *Store) ListTags(ctx context.Context) ([]ir.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, version, created_at FROM tags ORDER BY created_at ASC, version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	tags := []ir.Tag{}
	for rows.Next() {
		var tag ir.Tag
		if err := rows.Scan(&tag.ID, &tag.Version, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

// ReadEvent returns one event by ID.
func (s *Store) ReadEvent(ctx context.Context, id string) (ir.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE event_id = ?
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev, err
}

// ListEvents returns events in time order, then insertion order.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]ir.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var args []any
	if f.Type != "" {
		query += ` WHERE event_type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY event_unix_us ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// PendingEvents returns events that have no processed row for the handler
// slot of their own schema version, oldest first. This is the catch-up
// scan's source set.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]ir.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events e
		WHERE NOT EXISTS (
			SELECT 1 FROM processed_events p
			WHERE p.event_id = e.event_id AND p.version_id = e.version_id
		)
		ORDER BY e.event_unix_us ASC, e.event_id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// CountPendingEvents counts what PendingEvents would return without a limit.
func (s *Store) CountPendingEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events e
		WHERE NOT EXISTS (
			SELECT 1 FROM processed_events p
			WHERE p.event_id = e.event_id AND p.version_id = e.version_id
		)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (ir.Event, error) {
	var ev ir.Event
	var attrsJSON string
	var dataJSON, dataPath sql.NullString

	err := row.Scan(&ev.ID, &ev.Type, &ev.Timestamp, &ev.Timezone, &ev.UnixMicro, &ev.VersionID, &attrsJSON, &dataJSON, &dataPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Event{}, err
		}
		return ir.Event{}, fmt.Errorf("scan event: %w", err)
	}

	if ev.Attrs, err = unmarshalObject(attrsJSON); err != nil {
		return ir.Event{}, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	if ev.Data, err = unmarshalNullable(dataJSON); err != nil {
		return ir.Event{}, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	ev.DataPath = dataPath.String
	return ev, nil
}

// ReadHandlers returns all seeded handler rows, ordered by event type.
func (s *Store) ReadHandlers(ctx context.Context) ([]ir.HandlerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handler_id, name, event_type, version_id
		FROM handlers
		ORDER BY event_type ASC, version_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query handlers: %w", err)
	}
	defer rows.Close()

	handlers := []ir.HandlerRecord{}
	for rows.Next() {
		var h ir.HandlerRecord
		if err := rows.Scan(&h.ID, &h.Name, &h.EventType, &h.VersionID); err != nil {
			return nil, fmt.Errorf("scan handler: %w", err)
		}
		handlers = append(handlers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handlers: %w", err)
	}
	return handlers, nil
}

// ReadProcessed returns one processed row by ID.
func (s *Store) ReadProcessed(ctx context.Context, id string) (ir.ProcessedEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+processedColumns+` FROM processed_events WHERE processed_id = ?
	`, id)
	pe, err := scanProcessed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", id, ErrNotFound)
	}
	return pe, err
}

// ListProcessed returns processed rows in processing order.
func (s *Store) ListProcessed(ctx context.Context, f ProcessedFilter) ([]ir.ProcessedEvent, error) {
	query := `SELECT ` + processedColumns + ` FROM processed_events`
	var where []string
	var args []any
	if f.EventID != "" {
		where = append(where, `event_id = ?`)
		args = append(args, f.EventID)
	}
	if len(f.EventTypes) > 0 {
		where = append(where, `event_type IN (`+placeholders(len(f.EventTypes))+`)`)
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.Outcome != "" {
		where = append(where, `outcome = ?`)
		args = append(args, string(f.Outcome))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY processed_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryProcessed(ctx, query, args...)
}

func (s *Store) queryProcessed(ctx context.Context, query string, args ...any) ([]ir.ProcessedEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query processed events: %w", err)
	}
	defer rows.Close()

	out := []ir.ProcessedEvent{}
	for rows.Next() {
		pe, err := scanProcessed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed events: %w", err)
	}
	return out, nil
}

func scanProcessed(row rowScanner) (ir.ProcessedEvent, error) {
	var pe ir.ProcessedEvent
	var outcome string
	var record, errText sql.NullString

	err := row.Scan(&pe.ID, &pe.EventID, &pe.HandlerID, &pe.EventType, &outcome, &record, &errText, &pe.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.ProcessedEvent{}, err
		}
		return ir.ProcessedEvent{}, fmt.Errorf("scan processed event: %w", err)
	}

	pe.Outcome = ir.Outcome(outcome)
	if pe.Record, err = unmarshalNullable(record); err != nil {
		return ir.ProcessedEvent{}, fmt.Errorf("scan processed event %s: %w", pe.ID, err)
	}
	pe.Error = errText.String
	return pe, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
