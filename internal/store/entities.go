package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dashlog/internal/ir"
)

// Table names a derived-entity table keyed by processed_id. Only these
// constants are ever interpolated into SQL.
type Table string

const (
	TableUserAdds   Table = "user_adds"
	TableUserInfos  Table = "user_infos"
	TableAccessLog  Table = "access_log"
	TableCheckinLog Table = "checkin_log"
)

var derivedTables = map[Table]bool{
	TableUserAdds:   true,
	TableUserInfos:  true,
	TableAccessLog:  true,
	TableCheckinLog: true,
}

// Source is one processed success row waiting to be materialized, joined
// with the event fields materializers need.
type Source struct {
	Processed   ir.ProcessedEvent
	EventTS     string
	Timezone    string
	EventUnixUS int64
}

// UserRow is a row of users joined with the user's Slack handle.
type UserRow struct {
	Username      string `json:"username"`
	SlackUsername string `json:"slack_username,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// UserAddRow records which processed event added a user.
type UserAddRow struct {
	ProcessedID string `json:"processed_id"`
	EventID     string `json:"event_id"`
	HandlerID   string `json:"handler_id"`
	Username    string `json:"username"`
	MakeID      string `json:"make_id"`
}

// UserInfoRow is one info update for a user.
type UserInfoRow struct {
	ProcessedID string    `json:"processed_id"`
	EventID     string    `json:"event_id"`
	HandlerID   string    `json:"handler_id"`
	Username    string    `json:"username"`
	InfoType    string    `json:"info_type"`
	Info        ir.Object `json:"info"`
	MakeID      string    `json:"make_id"`
}

// AccessRow is one dashboard access.
type AccessRow struct {
	ProcessedID string `json:"processed_id"`
	EventID     string `json:"event_id"`
	Username    string `json:"username"`
	EntryPoint  string `json:"entry_point"`
	EventTS     string `json:"event_ts"`
	EventUnixUS int64  `json:"event_unix_us"`
	MakeID      string `json:"make_id"`
}

// CheckinRow is one check-in or check-out.
type CheckinRow struct {
	ProcessedID string `json:"processed_id"`
	EventID     string `json:"event_id"`
	Username    string `json:"username"`
	CheckIn     bool   `json:"check_in"`
	Auto        bool   `json:"auto"`
	EventTS     string `json:"event_ts"`
	EventUnixUS int64  `json:"event_unix_us"`
	MakeID      string `json:"make_id"`
}

// PendingSources returns success rows of the given event types that have no
// row in table yet. With processedID set, only that row is considered.
//
// The predicate is "not yet present downstream", so eager and catch-up
// materialization read the same set and converge.
func (s *Store) PendingSources(ctx context.Context, table Table, eventTypes []string, processedID string) ([]Source, error) {
	if !derivedTables[table] {
		return nil, fmt.Errorf("pending sources: unknown table %q", table)
	}
	if len(eventTypes) == 0 {
		return []Source{}, nil
	}

	query := `
		SELECT p.processed_id, p.event_id, p.handler_id, p.event_type, p.outcome,
		       p.record, p.error, p.processed_at, e.event_ts, e.timezone, e.event_unix_us
		FROM processed_events p
		JOIN events e ON e.event_id = p.event_id
		WHERE p.outcome = 'success'
		  AND p.event_type IN (` + placeholders(len(eventTypes)) + `)
		  AND NOT EXISTS (SELECT 1 FROM ` + string(table) + ` d WHERE d.processed_id = p.processed_id)`
	args := make([]any, 0, len(eventTypes)+1)
	for _, t := range eventTypes {
		args = append(args, t)
	}
	if processedID != "" {
		query += ` AND p.processed_id = ?`
		args = append(args, processedID)
	}
	query += ` ORDER BY e.event_unix_us ASC, p.rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending sources: %w", err)
	}
	defer rows.Close()

	out := []Source{}
	for rows.Next() {
		var src Source
		var outcome string
		var record, errText sql.NullString
		pe := &src.Processed
		if err := rows.Scan(&pe.ID, &pe.EventID, &pe.HandlerID, &pe.EventType, &outcome,
			&record, &errText, &pe.ProcessedAt, &src.EventTS, &src.Timezone, &src.EventUnixUS); err != nil {
			return nil, fmt.Errorf("scan pending source: %w", err)
		}
		pe.Outcome = ir.Outcome(outcome)
		pe.Error = errText.String
		if pe.Record, err = unmarshalNullable(record); err != nil {
			return nil, fmt.Errorf("scan pending source %s: %w", pe.ID, err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending sources: %w", err)
	}
	return out, nil
}

// EnsureUser inserts a user if absent. Returns whether the user is new.
func (t *Tx) EnsureUser(ctx context.Context, username, makeID, createdAt string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (username, make_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, username, makeID, createdAt)
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure user: rows affected: %w", err)
	}
	return n > 0, nil
}

// UserExists reports whether username has a users row.
func (t *Tx) UserExists(ctx context.Context, username string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("user exists: %w", err)
	}
	return n > 0, nil
}

// InsertUserAdd appends a user_adds row, skipping an existing processed_id.
func (t *Tx) InsertUserAdd(ctx context.Context, r UserAddRow) (bool, error) {
	return t.exec(ctx, "insert user add", `
		INSERT INTO user_adds (processed_id, event_id, handler_id, username, make_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.ProcessedID, r.EventID, r.HandlerID, r.Username, r.MakeID)
}

// InsertUserInfo appends a user_infos row, skipping an existing processed_id.
func (t *Tx) InsertUserInfo(ctx context.Context, r UserInfoRow) (bool, error) {
	info, err := marshalObject(r.Info)
	if err != nil {
		return false, fmt.Errorf("insert user info: %w", err)
	}
	return t.exec(ctx, "insert user info", `
		INSERT INTO user_infos (processed_id, event_id, handler_id, username, info_type, info, make_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, r.ProcessedID, r.EventID, r.HandlerID, r.Username, r.InfoType, info, r.MakeID)
}

// UpsertSlack sets a user's Slack handle, replacing an older one.
func (t *Tx) UpsertSlack(ctx context.Context, username, slackUsername, makeID string) error {
	_, err := t.exec(ctx, "upsert slack", `
		INSERT INTO user_slack (username, slack_username, make_id)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			slack_username = excluded.slack_username,
			make_id = excluded.make_id
	`, username, slackUsername, makeID)
	return err
}

// eventUnixOf binds (event_unix_us, event_id): a zero instant is taken from
// the event row.
const eventUnixOf = `COALESCE(NULLIF(?, 0), (SELECT event_unix_us FROM events WHERE event_id = ?), 0)`

// InsertAccess appends an access_log row, skipping an existing processed_id.
func (t *Tx) InsertAccess(ctx context.Context, r AccessRow) (bool, error) {
	return t.exec(ctx, "insert access", `
		INSERT INTO access_log (processed_id, event_id, username, entry_point, event_ts, event_unix_us, make_id)
		VALUES (?, ?, ?, ?, ?, `+eventUnixOf+`, ?)
		ON CONFLICT DO NOTHING
	`, r.ProcessedID, r.EventID, r.Username, r.EntryPoint, r.EventTS, r.EventUnixUS, r.EventID, r.MakeID)
}

// InsertCheckin appends a checkin_log row, skipping an existing processed_id.
func (t *Tx) InsertCheckin(ctx context.Context, r CheckinRow) (bool, error) {
	return t.exec(ctx, "insert checkin", `
		INSERT INTO checkin_log (processed_id, event_id, username, check_in, auto, event_ts, event_unix_us, make_id)
		VALUES (?, ?, ?, ?, ?, ?, `+eventUnixOf+`, ?)
		ON CONFLICT DO NOTHING
	`, r.ProcessedID, r.EventID, r.Username, boolToInt(r.CheckIn), boolToInt(r.Auto), r.EventTS, r.EventUnixUS, r.EventID, r.MakeID)
}

func (t *Tx) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

// Users returns all users with their Slack handles, by name.
func (s *Store) Users(ctx context.Context) ([]UserRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username, COALESCE(sl.slack_username, ''), u.created_at
		FROM users u
		LEFT JOIN user_slack sl ON sl.username = u.username
		ORDER BY u.username ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := []UserRow{}
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.Username, &u.SlackUsername, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// SlackUsername returns a user's Slack handle, or "" when none is known.
func (s *Store) SlackUsername(ctx context.Context, username string) (string, error) {
	var handle string
	err := s.db.QueryRowContext(ctx, `
		SELECT slack_username FROM user_slack WHERE username = ?
	`, username).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read slack username: %w", err)
	}
	return handle, nil
}

// UserAdds returns every user_adds row in materialization order.
func (s *Store) UserAdds(ctx context.Context) ([]UserAddRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT processed_id, event_id, handler_id, username, make_id
		FROM user_adds
		ORDER BY username ASC, processed_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query user adds: %w", err)
	}
	defer rows.Close()

	out := []UserAddRow{}
	for rows.Next() {
		var r UserAddRow
		if err := rows.Scan(&r.ProcessedID, &r.EventID, &r.HandlerID, &r.Username, &r.MakeID); err != nil {
			return nil, fmt.Errorf("scan user add: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user adds: %w", err)
	}
	return out, nil
}

// UserInfos returns info rows, for one user when username is set.
func (s *Store) UserInfos(ctx context.Context, username string) ([]UserInfoRow, error) {
	query := `
		SELECT i.processed_id, i.event_id, i.handler_id, i.username, i.info_type, i.info, i.make_id
		FROM user_infos i
		JOIN events e ON e.event_id = i.event_id`
	var args []any
	if username != "" {
		query += ` WHERE i.username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY e.event_unix_us ASC, i.processed_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query user infos: %w", err)
	}
	defer rows.Close()

	out := []UserInfoRow{}
	for rows.Next() {
		var r UserInfoRow
		var info string
		if err := rows.Scan(&r.ProcessedID, &r.EventID, &r.HandlerID, &r.Username, &r.InfoType, &info, &r.MakeID); err != nil {
			return nil, fmt.Errorf("scan user info: %w", err)
		}
		if r.Info, err = unmarshalObject(info); err != nil {
			return nil, fmt.Errorf("scan user info %s: %w", r.ProcessedID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user infos: %w", err)
	}
	return out, nil
}

// AccessLog returns access rows, for one user when username is set.
func (s *Store) AccessLog(ctx context.Context, username string) ([]AccessRow, error) {
	query := `
		SELECT processed_id, event_id, username, entry_point, event_ts, event_unix_us, make_id
		FROM access_log`
	var args []any
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY event_unix_us ASC, processed_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	out := []AccessRow{}
	for rows.Next() {
		var r AccessRow
		if err := rows.Scan(&r.ProcessedID, &r.EventID, &r.Username, &r.EntryPoint, &r.EventTS, &r.EventUnixUS, &r.MakeID); err != nil {
			return nil, fmt.Errorf("scan access row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access log: %w", err)
	}
	return out, nil
}

// CheckinLog returns check-in rows, for one user when username is set.
func (s *Store) CheckinLog(ctx context.Context, username string) ([]CheckinRow, error) {
	query := `
		SELECT processed_id, event_id, username, check_in, auto, event_ts, event_unix_us, make_id
		FROM checkin_log`
	var args []any
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY event_unix_us ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkin log: %w", err)
	}
	defer rows.Close()

	out := []CheckinRow{}
	for rows.Next() {
		r, err := scanCheckin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkin log: %w", err)
	}
	return out, nil
}

// CurrentCheckIn returns the latest check-in row for a user by event
// instant. ok is false when the user has never checked in or out.
// Current state is derived at read time; no row is ever updated.
func (s *Store) CurrentCheckIn(ctx context.Context, username string) (row CheckinRow, ok bool, err error) {
	r := s.db.QueryRowContext(ctx, `
		SELECT processed_id, event_id, username, check_in, auto, event_ts, event_unix_us, make_id
		FROM checkin_log
		WHERE username = ?
		ORDER BY event_unix_us DESC, rowid DESC
		LIMIT 1
	`, username)
	row, err = scanCheckin(r)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckinRow{}, false, nil
	}
	if err != nil {
		return CheckinRow{}, false, err
	}
	return row, true, nil
}

func scanCheckin(row rowScanner) (CheckinRow, error) {
	var r CheckinRow
	var checkIn, auto int
	if err := row.Scan(&r.ProcessedID, &r.EventID, &r.Username, &checkIn, &auto, &r.EventTS, &r.EventUnixUS, &r.MakeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CheckinRow{}, err
		}
		return CheckinRow{}, fmt.Errorf("scan checkin row: %w", err)
	}
	r.CheckIn = checkIn != 0
	r.Auto = auto != 0
	return r, nil
}

// KnownTable reports whether table is one of the store's tables.
func KnownTable(table string) bool {
	switch table {
	case "events", "handlers", "processed_events", "tags", "users", "user_slack", "materialize_failures":
		return true
	}
	return derivedTables[Table(table)]
}

// Count returns the number of rows in a known table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if !KnownTable(table) {
		return 0, fmt.Errorf("count: unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
