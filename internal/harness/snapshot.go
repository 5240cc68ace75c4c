package harness

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// Snapshot is the derived state of a store without content hashes or
// processing times, so two stores fed the same events compare equal
// whether they were materialized eagerly or by catch-up.
type Snapshot struct {
	Users    []UserState    `json:"users"`
	Infos    []InfoState    `json:"infos"`
	Access   []AccessState  `json:"access"`
	CheckIns []CheckInState `json:"checkins"`
	Failures []FailureState `json:"failures"`
	Pending  int            `json:"pending"`
}

// UserState is one users row with its add count and Slack handle.
type UserState struct {
	Username  string `json:"username"`
	Slack     string `json:"slack_username,omitempty"`
	CreatedAt string `json:"created_at"`
	Adds      int    `json:"adds"`
}

// InfoState is one user_infos row.
type InfoState struct {
	Username string    `json:"username"`
	InfoType string    `json:"info_type"`
	Info     ir.Object `json:"info"`
}

// AccessState is one access_log row.
type AccessState struct {
	Username   string `json:"username"`
	EntryPoint string `json:"entry_point"`
	EventTS    string `json:"event_ts"`
}

// CheckInState is one checkin_log row.
type CheckInState struct {
	Username string `json:"username"`
	CheckIn  bool   `json:"check_in"`
	Auto     bool   `json:"auto"`
	EventTS  string `json:"event_ts"`
}

// FailureState is one failure row with its event's type and timestamp.
type FailureState struct {
	EventType string `json:"event_type"`
	EventTS   string `json:"event_ts"`
	Error     string `json:"error"`

	at int64 // event instant, UTC microseconds
}

// TakeSnapshot reads the derived tables of s.
func TakeSnapshot(ctx context.Context, s *store.Store) (*Snapshot, error) {
	snap := &Snapshot{
		Users:    []UserState{},
		Infos:    []InfoState{},
		Access:   []AccessState{},
		CheckIns: []CheckInState{},
		Failures: []FailureState{},
	}

	users, err := s.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	adds, err := s.UserAdds(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	addCount := make(map[string]int, len(adds))
	for _, a := range adds {
		addCount[a.Username]++
	}
	for _, u := range users {
		snap.Users = append(snap.Users, UserState{
			Username:  u.Username,
			Slack:     u.SlackUsername,
			CreatedAt: u.CreatedAt,
			Adds:      addCount[u.Username],
		})
	}

	infos, err := s.UserInfos(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, i := range infos {
		snap.Infos = append(snap.Infos, InfoState{Username: i.Username, InfoType: i.InfoType, Info: i.Info})
	}

	access, err := s.AccessLog(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, a := range access {
		snap.Access = append(snap.Access, AccessState{Username: a.Username, EntryPoint: a.EntryPoint, EventTS: a.EventTS})
	}

	checkins, err := s.CheckinLog(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, c := range checkins {
		snap.CheckIns = append(snap.CheckIns, CheckInState{Username: c.Username, CheckIn: c.CheckIn, Auto: c.Auto, EventTS: c.EventTS})
	}

	failures, err := s.ListProcessed(ctx, store.ProcessedFilter{Outcome: ir.OutcomeFailure})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	for _, f := range failures {
		ev, err := s.ReadEvent(ctx, f.EventID)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		snap.Failures = append(snap.Failures, FailureState{EventType: f.EventType, EventTS: ev.Timestamp, Error: f.Error, at: ev.UnixMicro})
	}
	// Processing order differs between eager and catch-up runs.
	sort.SliceStable(snap.Failures, func(i, j int) bool {
		a, b := snap.Failures[i], snap.Failures[j]
		if a.at != b.at {
			return a.at < b.at
		}
		return a.EventType < b.EventType
	})

	if snap.Pending, err = s.CountPendingEvents(ctx); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

// toCanonicalMap converts the snapshot for ir.MarshalCanonical, which
// only handles IR values, maps, slices and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	users := make([]any, len(s.Users))
	for i, u := range s.Users {
		m := map[string]any{
			"username":   u.Username,
			"created_at": u.CreatedAt,
			"adds":       u.Adds,
		}
		if u.Slack != "" {
			m["slack_username"] = u.Slack
		}
		users[i] = m
	}

	infos := make([]any, len(s.Infos))
	for i, in := range s.Infos {
		info := in.Info
		if info == nil {
			info = ir.Object{}
		}
		infos[i] = map[string]any{
			"username":  in.Username,
			"info_type": in.InfoType,
			"info":      info,
		}
	}

	access := make([]any, len(s.Access))
	for i, a := range s.Access {
		access[i] = map[string]any{
			"username":    a.Username,
			"entry_point": a.EntryPoint,
			"event_ts":    a.EventTS,
		}
	}

	checkins := make([]any, len(s.CheckIns))
	for i, c := range s.CheckIns {
		checkins[i] = map[string]any{
			"username": c.Username,
			"check_in": c.CheckIn,
			"auto":     c.Auto,
			"event_ts": c.EventTS,
		}
	}

	failures := make([]any, len(s.Failures))
	for i, f := range s.Failures {
		failures[i] = map[string]any{
			"event_type": f.EventType,
			"event_ts":   f.EventTS,
			"error":      f.Error,
		}
	}

	return map[string]any{
		"users":    users,
		"infos":    infos,
		"access":   access,
		"checkins": checkins,
		"failures": failures,
		"pending":  s.Pending,
	}
}

// Canonical returns the snapshot as RFC 8785 canonical JSON.
func (s *Snapshot) Canonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// Diff lists the top-level sections that differ between two snapshots.
func (s *Snapshot) Diff(other *Snapshot) ([]string, error) {
	a := s.toCanonicalMap()
	b := other.toCanonicalMap()
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var diff []string
	for _, k := range keys {
		x, err := ir.MarshalCanonical(map[string]any{k: a[k]})
		if err != nil {
			return nil, err
		}
		y, err := ir.MarshalCanonical(map[string]any{k: b[k]})
		if err != nil {
			return nil, err
		}
		if string(x) != string(y) {
			diff = append(diff, k)
		}
	}
	return diff, nil
}
