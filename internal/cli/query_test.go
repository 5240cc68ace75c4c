package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// seedDashboard logs a small eager history: alice with a Slack handle,
// checked in and one access; bob with a failed Slack lookup.
func seedDashboard(t *testing.T, opts *RootOptions) {
	t.Helper()
	logJSON(t, opts, "user_add", "--attrs", `{"user":"alice"}`)
	logJSON(t, opts, "user_add_info",
		"--attrs", `{"user":"alice","info_type":"slack_username"}`,
		"--data", `{"slack_username":"alice.s"}`)
	logJSON(t, opts, "user_check_in", "--attrs", `{"user":"alice","check_in":1}`)
	logJSON(t, opts, "user_access", "--attrs", `{"user":"alice","entry_point":"notebook"}`)
	logJSON(t, opts, "user_add", "--attrs", `{"user":"bob"}`)
	logJSON(t, opts, "user_add_info", "--attrs", `{"user":"bob","info_type":"slack_username"}`)
}

func TestEventsCommand(t *testing.T) {
	opts, _ := testOptions(t, "text")
	seedDashboard(t, opts)

	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err := execute(NewEventsCommand(&jsonOpts))
	require.NoError(t, err)
	var events []ir.Event
	decodeData(t, out, &events)
	require.Len(t, events, 6)
	assert.Equal(t, "user_add", events[0].Type)
	assert.Equal(t, "user_add_info", events[5].Type)

	out, err = execute(NewEventsCommand(&jsonOpts), "--type", "user_add", "--limit", "1")
	require.NoError(t, err)
	events = nil
	decodeData(t, out, &events)
	require.Len(t, events, 1)
	assert.Equal(t, ir.Object{"user": ir.String("alice")}, events[0].Attrs)

	out, err = execute(NewEventsCommand(opts), "--type", "user_access")
	require.NoError(t, err)
	assert.Contains(t, out, "user_access")
	assert.Contains(t, out, `{"entry_point":"notebook","user":"alice"}`)
	assert.NotContains(t, out, "user_add")
}

func TestFailuresCommand(t *testing.T) {
	opts, _ := testOptions(t, "text")

	out, err := execute(NewFailuresCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "No failures")

	seedDashboard(t, opts)

	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err = execute(NewFailuresCommand(&jsonOpts))
	require.NoError(t, err)
	var result FailuresResult
	decodeData(t, out, &result)
	require.Len(t, result.Processing, 1)
	failures := result.Processing
	assert.Equal(t, "user_add_info", failures[0].EventType)
	assert.Equal(t, ir.OutcomeFailure, failures[0].Outcome)
	assert.Equal(t, "TRANSFORM_FAILED: slack username not found (handler=UserEvent)", failures[0].Error)
	assert.Nil(t, failures[0].Record)
	assert.Empty(t, result.Materialize)
}

func TestFailuresCommandShowsMaterializeFailures(t *testing.T) {
	opts, _ := testOptions(t, "text")
	ghost := logJSON(t, opts, "user_add_info", "--attrs", `{"user":"ghost","info_type":"email"}`)

	out, err := execute(NewFailuresCommand(opts))
	require.NoError(t, err)
	assert.NotContains(t, out, "No failures")
	assert.Contains(t, out, "User.AddInfo")
	assert.Contains(t, out, `user "ghost" does not exist`)

	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err = execute(NewFailuresCommand(&jsonOpts))
	require.NoError(t, err)
	var result FailuresResult
	decodeData(t, out, &result)
	assert.Empty(t, result.Processing, "the handler itself succeeded")
	require.Len(t, result.Materialize, 1)
	assert.Equal(t, ghost.Event.ID, result.Materialize[0].EventID)
	assert.Equal(t, "User.AddInfo", result.Materialize[0].Materializer)
	assert.Equal(t, 1, result.Materialize[0].Attempts)
}

func TestUsersCommand(t *testing.T) {
	opts, _ := testOptions(t, "text")
	seedDashboard(t, opts)

	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err := execute(NewUsersCommand(&jsonOpts))
	require.NoError(t, err)
	var users []store.UserRow
	decodeData(t, out, &users)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "alice.s", users[0].SlackUsername)
	assert.Equal(t, "bob", users[1].Username)
	assert.Empty(t, users[1].SlackUsername)

	out, err = execute(NewUsersCommand(opts))
	require.NoError(t, err)
	assert.Regexp(t, `alice\s+alice\.s`, out)
	assert.Regexp(t, `bob\s+-`, out)
}

func TestStatusCommand(t *testing.T) {
	opts, _ := testOptions(t, "text")
	seedDashboard(t, opts)

	out, err := execute(NewStatusCommand(opts), "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "User: alice")
	assert.Contains(t, out, "Slack: alice.s")
	assert.Contains(t, out, "Check-in: in since 2024-03-01_09:")
	assert.Contains(t, out, "slack_username")
	assert.Contains(t, out, "notebook")

	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err = execute(NewStatusCommand(&jsonOpts), "bob")
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, out, &status)
	assert.Equal(t, "bob", status.CheckIn.User)
	assert.False(t, status.CheckIn.Known)
	assert.Empty(t, status.Infos, "failed lookups are never materialized")
	assert.Empty(t, status.Access)

	out, err = execute(NewStatusCommand(opts), "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "Check-in: never")
}

func TestHandlerListCommand(t *testing.T) {
	opts, _ := testOptions(t, "json")

	out, err := execute(NewHandlerCommand(opts), "list")
	require.NoError(t, err)
	var records []ir.HandlerRecord
	decodeData(t, out, &records)
	require.Len(t, records, 4)

	byType := make(map[string]string)
	for _, r := range records {
		byType[r.EventType] = r.Name
		assert.Len(t, r.ID, 64)
	}
	assert.Equal(t, map[string]string{
		"user_access":   "AccessEvent",
		"user_add":      "UserEvent",
		"user_add_info": "UserEvent",
		"user_check_in": "CheckInEvent",
	}, byType)
}

func TestHandlerRunCommand(t *testing.T) {
	opts, rec := testOptions(t, "text")
	opts.Mode = "lazy"

	logged := logJSON(t, opts, "user_check_in", "--attrs", `{"user":"alice","check_in":true}`, "--data", `{"auto":true}`)

	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err := execute(NewHandlerCommand(&jsonOpts), "run", logged.Event.ID)
	require.NoError(t, err)
	var result HandlerRunResult
	decodeData(t, out, &result)
	assert.Equal(t, "CheckInEvent", result.Handler)
	assert.Equal(t, ir.Int(1), result.Record["check_in"])
	assert.Equal(t, ir.Bool(true), result.Record["auto"])

	// Dry runs write nothing.
	st, err := store.Open(opts.Database)
	require.NoError(t, err)
	defer st.Close()
	n, err := st.Count(t.Context(), "processed_events")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.Sent())
}

func TestHandlerRunCommandFailure(t *testing.T) {
	opts, _ := testOptions(t, "text")
	opts.Mode = "lazy"

	logged := logJSON(t, opts, "user_add_info", "--attrs", `{"user":"bob","info_type":"slack_username"}`)

	_, err := execute(NewHandlerCommand(opts), "run", logged.Event.ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "handler UserEvent failed")
}
