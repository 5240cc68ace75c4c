package materialize

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// ErrAlreadyMaterialized is returned by Apply when the derived row exists.
// Two scans racing on one source both see it pending; the loser gets this.
var ErrAlreadyMaterialized = errors.New("already materialized")

// Materializer derives rows of one table from processed events.
type Materializer interface {
	// Name is part of every make_id the materializer writes.
	Name() string

	// EventTypes filters the upstream success rows.
	EventTypes() []string

	// Table is the derived table whose processed_id column marks a source
	// as done.
	Table() store.Table

	// Apply writes the derived rows for src inside tx.
	Apply(ctx context.Context, tx *store.Tx, src store.Source) (Change, error)
}

// Kind says what a Change describes.
type Kind string

const (
	KindUserAdded Kind = "user_added"
	KindUserInfo  Kind = "user_info"
	KindAccess    Kind = "access"
	KindCheckIn   Kind = "check_in"
)

// Change describes one applied source. It is what the notifier formats.
type Change struct {
	Materializer string `json:"materializer"`
	Kind         Kind   `json:"kind"`
	ProcessedID  string `json:"processed_id"`
	EventID      string `json:"event_id"`
	EventTS      string `json:"event_ts"`
	User         string `json:"user"`

	NewUser       bool   `json:"new_user,omitempty"`
	InfoType      string `json:"info_type,omitempty"`
	SlackUsername string `json:"slack_username,omitempty"`
	EntryPoint    string `json:"entry_point,omitempty"`
	CheckIn       bool   `json:"check_in,omitempty"`
	Auto          bool   `json:"auto,omitempty"`
}

// Defaults returns the dashboard materializers in dependency order: users
// are added before infos reference them.
func Defaults() []Materializer {
	return []Materializer{
		UserAdd{},
		UserAddInfo{},
		AccessLog{},
		CheckInOutLog{},
	}
}

func baseChange(name string, kind Kind, src store.Source, user string) Change {
	return Change{
		Materializer: name,
		Kind:         kind,
		ProcessedID:  src.Processed.ID,
		EventID:      src.Processed.EventID,
		EventTS:      src.EventTS,
		User:         user,
	}
}

func recordUser(rec ir.Object) (string, error) {
	user, ok := rec.Str("user")
	if !ok || user == "" {
		return "", fmt.Errorf("record has no user")
	}
	return user, nil
}

func makeID(src store.Source, name string) (string, error) {
	return ir.MakeID(src.Processed.ID, name)
}

// UserAdd materializes user_add events: one users row per user and one
// user_adds row per add.
type UserAdd struct{}

func (UserAdd) Name() string         { return "User.Add" }
func (UserAdd) EventTypes() []string { return []string{"user_add"} }
func (UserAdd) Table() store.Table   { return store.TableUserAdds }

func (m UserAdd) Apply(ctx context.Context, tx *store.Tx, src store.Source) (Change, error) {
	user, err := recordUser(src.Processed.Record)
	if err != nil {
		return Change{}, err
	}
	id, err := makeID(src, m.Name())
	if err != nil {
		return Change{}, err
	}

	// created_at is the event time so replays converge on the same row.
	isNew, err := tx.EnsureUser(ctx, user, id, src.EventTS)
	if err != nil {
		return Change{}, err
	}
	inserted, err := tx.InsertUserAdd(ctx, store.UserAddRow{
		ProcessedID: src.Processed.ID,
		EventID:     src.Processed.EventID,
		HandlerID:   src.Processed.HandlerID,
		Username:    user,
		MakeID:      id,
	})
	if err != nil {
		return Change{}, err
	}
	if !inserted {
		return Change{}, ErrAlreadyMaterialized
	}

	c := baseChange(m.Name(), KindUserAdded, src, user)
	c.NewUser = isNew
	return c, nil
}

// UserAddInfo materializes user_add_info events into user_infos, and keeps
// user_slack current for slack_username infos. The user must exist.
type UserAddInfo struct{}

func (UserAddInfo) Name() string         { return "User.AddInfo" }
func (UserAddInfo) EventTypes() []string { return []string{"user_add_info"} }
func (UserAddInfo) Table() store.Table   { return store.TableUserInfos }

// InfoSlackUsername is the info type that sets a user's Slack handle.
const InfoSlackUsername = "slack_username"

func (m UserAddInfo) Apply(ctx context.Context, tx *store.Tx, src store.Source) (Change, error) {
	rec := src.Processed.Record
	user, err := recordUser(rec)
	if err != nil {
		return Change{}, err
	}
	infoType, ok := rec.Str("info_type")
	if !ok || infoType == "" {
		return Change{}, fmt.Errorf("record has no info_type")
	}

	exists, err := tx.UserExists(ctx, user)
	if err != nil {
		return Change{}, err
	}
	if !exists {
		return Change{}, fmt.Errorf("user %q does not exist", user)
	}

	var slack string
	if infoType == InfoSlackUsername {
		if slack, _ = rec.Str(InfoSlackUsername); slack == "" {
			return Change{}, fmt.Errorf("record has no %s", InfoSlackUsername)
		}
	}

	id, err := makeID(src, m.Name())
	if err != nil {
		return Change{}, err
	}
	info, _ := rec["info"].(ir.Object)
	inserted, err := tx.InsertUserInfo(ctx, store.UserInfoRow{
		ProcessedID: src.Processed.ID,
		EventID:     src.Processed.EventID,
		HandlerID:   src.Processed.HandlerID,
		Username:    user,
		InfoType:    infoType,
		Info:        info,
		MakeID:      id,
	})
	if err != nil {
		return Change{}, err
	}
	if !inserted {
		return Change{}, ErrAlreadyMaterialized
	}

	c := baseChange(m.Name(), KindUserInfo, src, user)
	c.InfoType = infoType
	if slack != "" {
		if err := tx.UpsertSlack(ctx, user, slack, id); err != nil {
			return Change{}, err
		}
		c.SlackUsername = slack
	}
	return c, nil
}

// AccessLog appends one access_log row per user_access event.
type AccessLog struct{}

func (AccessLog) Name() string         { return "AccessLog" }
func (AccessLog) EventTypes() []string { return []string{"user_access"} }
func (AccessLog) Table() store.Table   { return store.TableAccessLog }

func (m AccessLog) Apply(ctx context.Context, tx *store.Tx, src store.Source) (Change, error) {
	rec := src.Processed.Record
	user, err := recordUser(rec)
	if err != nil {
		return Change{}, err
	}
	entry, _ := rec.Str("entry_point")
	id, err := makeID(src, m.Name())
	if err != nil {
		return Change{}, err
	}
	inserted, err := tx.InsertAccess(ctx, store.AccessRow{
		ProcessedID: src.Processed.ID,
		EventID:     src.Processed.EventID,
		Username:    user,
		EntryPoint:  entry,
		EventTS:     src.EventTS,
		EventUnixUS: src.EventUnixUS,
		MakeID:      id,
	})
	if err != nil {
		return Change{}, err
	}
	if !inserted {
		return Change{}, ErrAlreadyMaterialized
	}

	c := baseChange(m.Name(), KindAccess, src, user)
	c.EntryPoint = entry
	return c, nil
}

// CheckInOutLog appends one checkin_log row per user_check_in event. The
// current state of a user is the latest row, computed at read time.
type CheckInOutLog struct{}

func (CheckInOutLog) Name() string         { return "CheckInOutLog" }
func (CheckInOutLog) EventTypes() []string { return []string{"user_check_in"} }
func (CheckInOutLog) Table() store.Table   { return store.TableCheckinLog }

func (m CheckInOutLog) Apply(ctx context.Context, tx *store.Tx, src store.Source) (Change, error) {
	rec := src.Processed.Record
	user, err := recordUser(rec)
	if err != nil {
		return Change{}, err
	}
	if _, ok := rec.Int64("check_in"); !ok {
		return Change{}, fmt.Errorf("record has no check_in")
	}
	checkIn, auto := rec.Flag("check_in"), rec.Flag("auto")

	id, err := makeID(src, m.Name())
	if err != nil {
		return Change{}, err
	}
	inserted, err := tx.InsertCheckin(ctx, store.CheckinRow{
		ProcessedID: src.Processed.ID,
		EventID:     src.Processed.EventID,
		Username:    user,
		CheckIn:     checkIn,
		Auto:        auto,
		EventTS:     src.EventTS,
		EventUnixUS: src.EventUnixUS,
		MakeID:      id,
	})
	if err != nil {
		return Change{}, err
	}
	if !inserted {
		return Change{}, ErrAlreadyMaterialized
	}

	c := baseChange(m.Name(), KindCheckIn, src, user)
	c.CheckIn = checkIn
	c.Auto = auto
	return c, nil
}
