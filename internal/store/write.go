package store

import (
	"context"
	"fmt"

	"github.com/roach88/dashlog/internal/ir"
)

// EnsureTag inserts a schema version tag if it is not present yet.
// Returns whether a new row was written.
func (s *Store) EnsureTag(ctx context.Context, tag ir.Tag) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (version_id, version, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, tag.ID, tag.Version, tag.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("ensure tag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure tag: rows affected: %w", err)
	}
	return n > 0, nil
}

// WriteEvent appends an event. Unlike the other writes this is not
// insert-or-skip: an existing ID is reported as ErrEventCollision so two
// distinct events never silently merge.
//
// An event without UnixMicro gets it from Timestamp and Timezone.
func (s *Store) WriteEvent(ctx context.Context, ev ir.Event) error {
	if ev.UnixMicro == 0 {
		t, err := ev.Time()
		if err != nil {
			return fmt.Errorf("write event: timestamp %q: %w", ev.Timestamp, err)
		}
		ev.UnixMicro = t.UnixMicro()
	}
	attrsJSON, err := marshalObject(ev.Attrs)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	dataJSON, err := marshalNullable(ev.Data)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(event_id, event_type, event_ts, timezone, event_unix_us, version_id, attrs, data, data_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.Type,
		ev.Timestamp,
		ev.Timezone,
		ev.UnixMicro,
		ev.VersionID,
		attrsJSON,
		dataJSON,
		nullString(ev.DataPath),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("write event %s: %w", ev.ID, ErrEventCollision)
		}
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WriteHandler seeds a handler row, insert-if-absent. Returns whether a new
// row was written.
func (s *Store) WriteHandler(ctx context.Context, h ir.HandlerRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO handlers (handler_id, name, event_type, version_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, h.ID, h.Name, h.EventType, h.VersionID)
	if err != nil {
		return false, fmt.Errorf("write handler: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write handler: rows affected: %w", err)
	}
	return n > 0, nil
}

// WriteProcessed records the outcome of a handler on an event.
//
// The processed ID is an idempotency token: if a row with the same ID (or
// the same event/handler pair) already exists, nothing is written and the
// stored row is returned with inserted=false. The first writer wins, so a
// pair never ends up with both a success and a failure row.
func (s *Store) WriteProcessed(ctx context.Context, pe ir.ProcessedEvent, versionID string) (stored ir.ProcessedEvent, inserted bool, err error) {
	var record any
	var errText any
	switch pe.Outcome {
	case ir.OutcomeSuccess:
		r, err := marshalObject(pe.Record)
		if err != nil {
			return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: %w", err)
		}
		record = r
	case ir.OutcomeFailure:
		if pe.Error == "" {
			return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: failure without error text")
		}
		errText = pe.Error
	default:
		return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: unknown outcome %q", pe.Outcome)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events
		(processed_id, event_id, handler_id, event_type, version_id, outcome, record, error, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		pe.ID,
		pe.EventID,
		pe.HandlerID,
		pe.EventType,
		versionID,
		string(pe.Outcome),
		record,
		errText,
		pe.ProcessedAt,
	)
	if err != nil {
		return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: insert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: rows affected: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+processedColumns+`
		FROM processed_events
		WHERE event_id = ? AND handler_id = ?
	`, pe.EventID, pe.HandlerID)
	stored, err = scanProcessed(row)
	if err != nil {
		return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: select: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ir.ProcessedEvent{}, false, fmt.Errorf("write processed: commit: %w", err)
	}
	return stored, n > 0, nil
}
