package materialize

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/store"
)

const testVersion = "0.2.0"

type fixture struct {
	store *store.Store
	sec   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.EnsureTag(context.Background(), ir.Tag{
		ID:        ir.MustTagID(testVersion),
		Version:   testVersion,
		CreatedAt: "2024-01-01_00:00:00.000000",
	})
	require.NoError(t, err)
	return &fixture{store: s}
}

// event writes an event one second after the previous one and returns it.
func (f *fixture) event(t *testing.T, eventType string) ir.Event {
	t.Helper()
	f.sec++
	ts := fmt.Sprintf("2024-03-01_09:%02d:%02d.000000", f.sec/60, f.sec%60)
	ev := ir.Event{
		ID:        ir.MustEventID(eventType, ts),
		Type:      eventType,
		Timestamp: ts,
		Timezone:  "US/Central",
		VersionID: ir.MustTagID(testVersion),
		Attrs:     ir.Object{},
	}
	require.NoError(t, f.store.WriteEvent(context.Background(), ev))
	return ev
}

// processed logs an event and records outcome for it.
func (f *fixture) processed(t *testing.T, eventType string, record ir.Object, failure string) ir.ProcessedEvent {
	t.Helper()
	ev := f.event(t, eventType)
	handlerID := ir.MustHandlerID(ev.Type, ev.VersionID)
	pe := ir.ProcessedEvent{
		ID:          ir.MustProcessedID(ev.ID, handlerID),
		EventID:     ev.ID,
		HandlerID:   handlerID,
		EventType:   ev.Type,
		Outcome:     ir.OutcomeSuccess,
		Record:      record,
		ProcessedAt: ev.Timestamp,
	}
	if failure != "" {
		pe.Outcome, pe.Record, pe.Error = ir.OutcomeFailure, nil, failure
	}
	stored, _, err := f.store.WriteProcessed(context.Background(), pe, ev.VersionID)
	require.NoError(t, err)
	return stored
}

func (f *fixture) add(t *testing.T, user string) ir.ProcessedEvent {
	return f.processed(t, "user_add", ir.Object{"user": ir.String(user)}, "")
}

func (f *fixture) slack(t *testing.T, user, handle string) ir.ProcessedEvent {
	return f.processed(t, "user_add_info", ir.Object{
		"user":           ir.String(user),
		"info_type":      ir.String("slack_username"),
		"slack_username": ir.String(handle),
		"info":           ir.Object{"email": ir.String(user + "@example.org")},
	}, "")
}

func (f *fixture) access(t *testing.T, user, entry string) ir.ProcessedEvent {
	return f.processed(t, "user_access", ir.Object{"user": ir.String(user), "entry_point": ir.String(entry)}, "")
}

func (f *fixture) checkIn(t *testing.T, user string, in, auto bool) ir.ProcessedEvent {
	checkIn := ir.Int(0)
	if in {
		checkIn = 1
	}
	return f.processed(t, "user_check_in", ir.Object{"user": ir.String(user), "check_in": checkIn, "auto": ir.Bool(auto)}, "")
}

func TestUserAdd_OneUserManyAdds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := New(f.store)

	first := f.add(t, "alice")
	f.add(t, "alice")

	report, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	require.Len(t, report.Changes, 2)
	assert.True(t, report.Changes[0].NewUser)
	assert.False(t, report.Changes[1].NewUser)
	assert.Equal(t, KindUserAdded, report.Changes[0].Kind)

	users, err := f.store.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	adds, err := f.store.UserAdds(ctx)
	require.NoError(t, err)
	require.Len(t, adds, 2)
	assert.Equal(t, first.ID, adds[0].ProcessedID)
	assert.Equal(t, first.HandlerID, adds[0].HandlerID)
	makeID, err := ir.MakeID(first.ID, "User.Add")
	require.NoError(t, err)
	assert.Equal(t, makeID, adds[0].MakeID)
}

func TestUserAddInfo_RequiresUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := metrics.New()
	r := New(f.store, WithMetrics(m))

	info := f.slack(t, "bob", "bobby")

	report, err := r.CatchUp(ctx)
	require.NoError(t, err, "apply failures are not returned")
	assert.Equal(t, 0, report.Applied)
	assert.Equal(t, 1, report.Failed)

	pending, err := f.store.PendingSources(ctx, store.TableUserInfos, []string{"user_add_info"}, "")
	require.NoError(t, err)
	require.Len(t, pending, 1, "failed source stays pending")
	assert.Equal(t, info.ID, pending[0].Processed.ID)

	failed, err := f.store.MaterializeFailures(ctx, store.MaterializeFailureFilter{})
	require.NoError(t, err)
	require.Len(t, failed, 1, "failed apply is recorded")
	assert.Equal(t, info.ID, failed[0].ProcessedID)
	assert.Equal(t, info.EventID, failed[0].EventID)
	assert.Equal(t, "User.AddInfo", failed[0].Materializer)
	assert.Equal(t, `user "bob" does not exist`, failed[0].Error)
	assert.Equal(t, 1, failed[0].Attempts)

	// A retry that fails again replaces the row.
	_, err = r.CatchUp(ctx)
	require.NoError(t, err)
	failed, err = f.store.MaterializeFailures(ctx, store.MaterializeFailureFilter{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)

	// Once the user exists the next scan applies it and clears the failure.
	f.add(t, "bob")
	report, err = r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 0, report.Failed)

	failed, err = f.store.MaterializeFailures(ctx, store.MaterializeFailureFilter{})
	require.NoError(t, err)
	assert.Empty(t, failed)

	slack, err := f.store.SlackUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bobby", slack)

	infos, err := f.store.UserInfos(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ir.Object{"email": ir.String("bob@example.org")}, infos[0].Info)
}

func TestUserAddInfo_SlackIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := New(f.store)

	f.add(t, "carol")
	f.slack(t, "carol", "old")
	f.slack(t, "carol", "new")

	report, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)
	assert.Equal(t, "new", report.Changes[2].SlackUsername)

	slack, err := f.store.SlackUsername(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "new", slack)

	n, err := f.store.Count(ctx, "user_slack")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUserAddInfo_OtherInfoTypeLeavesSlack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "dan")
	f.processed(t, "user_add_info", ir.Object{"user": ir.String("dan"), "info_type": ir.String("team")}, "")

	report, err := New(f.store).CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)

	slack, err := f.store.SlackUsername(ctx, "dan")
	require.NoError(t, err)
	assert.Empty(t, slack)
}

func TestAccessAndCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := New(f.store)

	f.access(t, "erin", "dashboard")
	f.checkIn(t, "erin", true, false)
	f.checkIn(t, "erin", false, true)

	report, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Applied)

	access, err := f.store.AccessLog(ctx, "erin")
	require.NoError(t, err)
	require.Len(t, access, 1)
	assert.Equal(t, "dashboard", access[0].EntryPoint)

	cur, ok, err := f.store.CurrentCheckIn(ctx, "erin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, cur.CheckIn)
	assert.True(t, cur.Auto)

	log, err := f.store.CheckinLog(ctx, "erin")
	require.NoError(t, err)
	assert.Len(t, log, 2, "check-ins append; state is read-time")
}

func TestFailureRowsAreNeverMaterialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processed(t, "user_add", nil, "TRANSFORM_FAILED: boom")

	report, err := New(f.store).CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)
	assert.Equal(t, 0, report.Failed)
}

func TestPopulate_OnlyTheGivenRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := New(f.store)

	f.add(t, "alice")
	target := f.add(t, "bob")

	report, err := r.Populate(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, "bob", report.Changes[0].User)

	users, err := f.store.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)

	// Populate again is a no-op.
	report, err = r.Populate(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Applied)
}

func TestCatchUp_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := New(f.store)

	f.add(t, "alice")
	f.access(t, "alice", "api")

	_, err := r.CatchUp(ctx)
	require.NoError(t, err)
	report, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Changes: []Change{}}, report)
}

type tables struct {
	Users   []store.UserRow
	Adds    []store.UserAddRow
	Infos   []store.UserInfoRow
	Access  []store.AccessRow
	Checkin []store.CheckinRow
}

func dump(t *testing.T, s *store.Store) tables {
	t.Helper()
	ctx := context.Background()
	var out tables
	var err error
	out.Users, err = s.Users(ctx)
	require.NoError(t, err)
	out.Adds, err = s.UserAdds(ctx)
	require.NoError(t, err)
	out.Infos, err = s.UserInfos(ctx, "")
	require.NoError(t, err)
	out.Access, err = s.AccessLog(ctx, "")
	require.NoError(t, err)
	out.Checkin, err = s.CheckinLog(ctx, "")
	require.NoError(t, err)
	return out
}

func TestEagerAndLazyConverge(t *testing.T) {
	script := func(f *fixture, t *testing.T) []ir.ProcessedEvent {
		return []ir.ProcessedEvent{
			f.add(t, "alice"),
			f.slack(t, "alice", "al"),
			f.access(t, "alice", "dashboard"),
			f.checkIn(t, "alice", true, false),
			f.add(t, "bob"),
			f.checkIn(t, "bob", true, false),
			f.checkIn(t, "alice", false, true),
			f.add(t, "alice"),
		}
	}
	ctx := context.Background()

	eager := newFixture(t)
	for _, pe := range script(eager, t) {
		_, err := New(eager.store).Populate(ctx, pe.ID)
		require.NoError(t, err)
	}

	lazy := newFixture(t)
	script(lazy, t)
	_, err := New(lazy.store).CatchUp(ctx)
	require.NoError(t, err)

	assert.Equal(t, dump(t, eager.store), dump(t, lazy.store))
}

func TestMetricsCounted(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	f.add(t, "alice")
	f.slack(t, "nobody", "x")

	_, err := New(f.store, WithMetrics(m)).CatchUp(context.Background())
	require.NoError(t, err)

	families, err := m.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "materializer" {
					counts[mf.GetName()+"/"+l.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(1), counts[metrics.MetricMaterialized+"/User.Add"])
	assert.Equal(t, float64(1), counts[metrics.MetricMaterializeFailed+"/User.AddInfo"])
}
