package dashboard

import (
	"context"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// Users returns every user with their Slack handle.
func (d *Dashboard) Users(ctx context.Context) ([]store.UserRow, error) {
	return d.store.Users(ctx)
}

// UserInfo returns a user's info updates in event order.
func (d *Dashboard) UserInfo(ctx context.Context, user string) ([]store.UserInfoRow, error) {
	return d.store.UserInfos(ctx, user)
}

// CheckInState is a user's current check-in state.
type CheckInState struct {
	User      string `json:"user"`
	Known     bool   `json:"known"`
	CheckedIn bool   `json:"checked_in"`
	Auto      bool   `json:"auto"`
	Since     string `json:"since,omitempty"`
	Slack     string `json:"slack_username,omitempty"`
}

// CheckInState returns the latest check-in row of user. Known is false
// when the user never checked in or out.
func (d *Dashboard) CheckInState(ctx context.Context, user string) (CheckInState, error) {
	st := CheckInState{User: user}
	row, ok, err := d.store.CurrentCheckIn(ctx, user)
	if err != nil {
		return st, err
	}
	if ok {
		st.Known = true
		st.CheckedIn = row.CheckIn
		st.Auto = row.Auto
		st.Since = row.EventTS
	}
	if st.Slack, err = d.store.SlackUsername(ctx, user); err != nil {
		return st, err
	}
	return st, nil
}

// AccessLog returns a user's accesses; all users when user is empty.
func (d *Dashboard) AccessLog(ctx context.Context, user string) ([]store.AccessRow, error) {
	return d.store.AccessLog(ctx, user)
}

// Failures returns failure rows in processing order.
func (d *Dashboard) Failures(ctx context.Context, limit int) ([]ir.ProcessedEvent, error) {
	return d.store.ListProcessed(ctx, store.ProcessedFilter{Outcome: ir.OutcomeFailure, Limit: limit})
}

// MaterializeFailures returns processed rows a materializer could not
// apply. They stay pending; a row disappears once a retry succeeds.
func (d *Dashboard) MaterializeFailures(ctx context.Context, limit int) ([]store.MaterializeFailureRow, error) {
	return d.store.MaterializeFailures(ctx, store.MaterializeFailureFilter{Limit: limit})
}

// Events lists logged events.
func (d *Dashboard) Events(ctx context.Context, f store.EventFilter) ([]ir.Event, error) {
	return d.log.List(ctx, f)
}
