package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEntry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, entry := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", entry.Step, entry.EventType, entry.EventTS, entry.Outcome)
		}
	}
	return buf.String()
}

// AssertionContext provides database access for state assertions.
type AssertionContext struct {
	Store     *store.Store
	Dashboard *dashboard.Dashboard
	Ctx       context.Context
}

// assertUsers checks the exact user list, sorted by name.
func assertUsers(snap *Snapshot, assertion Assertion) error {
	actual := make([]string, len(snap.Users))
	for i, u := range snap.Users {
		actual[i] = u.Username
	}
	expected := assertion.Users
	if expected == nil {
		expected = []string{}
	}
	if strings.Join(actual, ",") != strings.Join(expected, ",") || len(actual) != len(expected) {
		return &AssertionError{
			Type:     AssertUsers,
			Expected: fmt.Sprintf("users %v", expected),
			Actual:   fmt.Sprintf("users %v", actual),
		}
	}
	return nil
}

// assertSlack checks a user's current Slack handle.
func assertSlack(snap *Snapshot, assertion Assertion) error {
	for _, u := range snap.Users {
		if u.Username != assertion.User {
			continue
		}
		if u.Slack != assertion.Slack {
			return &AssertionError{
				Type:     AssertSlack,
				Expected: fmt.Sprintf("%s has slack username %q", assertion.User, assertion.Slack),
				Actual:   fmt.Sprintf("slack username %q", u.Slack),
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertSlack,
		Expected: fmt.Sprintf("user %s to exist", assertion.User),
		Actual:   "user not found",
	}
}

// assertCheckInState checks the current check-in state, derived at read
// time from the latest check-in row.
func assertCheckInState(ctx context.Context, d *dashboard.Dashboard, assertion Assertion, trace []TraceEntry) error {
	state, err := d.CheckInState(ctx, assertion.User)
	if err != nil {
		return fmt.Errorf("checkin_state %s: %w", assertion.User, err)
	}
	if !state.Known {
		return &AssertionError{
			Type:     AssertCheckInState,
			Expected: fmt.Sprintf("check-in rows for %s", assertion.User),
			Actual:   "none",
			Trace:    trace,
		}
	}
	if assertion.CheckedIn != nil && state.CheckedIn != *assertion.CheckedIn {
		return &AssertionError{
			Type:     AssertCheckInState,
			Expected: fmt.Sprintf("%s checked_in=%t", assertion.User, *assertion.CheckedIn),
			Actual:   fmt.Sprintf("checked_in=%t since %s", state.CheckedIn, state.Since),
			Trace:    trace,
		}
	}
	if assertion.Auto != nil && state.Auto != *assertion.Auto {
		return &AssertionError{
			Type:     AssertCheckInState,
			Expected: fmt.Sprintf("%s auto=%t", assertion.User, *assertion.Auto),
			Actual:   fmt.Sprintf("auto=%t since %s", state.Auto, state.Since),
			Trace:    trace,
		}
	}
	return nil
}

// assertFailuresCount checks the number of failure rows.
func assertFailuresCount(snap *Snapshot, assertion Assertion, trace []TraceEntry) error {
	if len(snap.Failures) != assertion.Count {
		errs := make([]string, len(snap.Failures))
		for i, f := range snap.Failures {
			errs[i] = f.Error
		}
		return &AssertionError{
			Type:     AssertFailuresCount,
			Expected: fmt.Sprintf("%d failure rows", assertion.Count),
			Actual:   fmt.Sprintf("%d failure rows %v", len(snap.Failures), errs),
			Trace:    trace,
		}
	}
	return nil
}

// assertTableCount checks the number of rows in a table.
func assertTableCount(ctx context.Context, st *store.Store, assertion Assertion) error {
	n, err := st.Count(ctx, assertion.Table)
	if err != nil {
		return err
	}
	if n != assertion.Count {
		return &AssertionError{
			Type:     AssertTableCount,
			Expected: fmt.Sprintf("%d rows in %s", assertion.Count, assertion.Table),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

// assertNotified checks that a notification with the exact message was
// sent, to the given channel when one is named.
func assertNotified(sent []Notification, assertion Assertion) error {
	for _, n := range sent {
		if n.Message == assertion.Message && (assertion.Channel == "" || n.Channel == assertion.Channel) {
			return nil
		}
	}
	actual := make([]string, len(sent))
	for i, n := range sent {
		actual[i] = n.Channel + " " + n.Message
	}
	return &AssertionError{
		Type:     AssertNotified,
		Expected: fmt.Sprintf("notification %q on %q", assertion.Message, assertion.Channel),
		Actual:   fmt.Sprintf("sent %q", actual),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertUsers, AssertSlack, AssertFailuresCount:
			if result.Snapshot == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a snapshot", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertUsers:
				err = assertUsers(result.Snapshot, assertion)
			case AssertSlack:
				err = assertSlack(result.Snapshot, assertion)
			default:
				err = assertFailuresCount(result.Snapshot, assertion, result.Trace)
			}
		case AssertCheckInState:
			if actx == nil || actx.Dashboard == nil {
				err = fmt.Errorf("assertion[%d]: checkin_state requires a dashboard", i)
			} else {
				err = assertCheckInState(actx.Ctx, actx.Dashboard, assertion, result.Trace)
			}
		case AssertTableCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: table_count requires database context", i)
			} else {
				err = assertTableCount(actx.Ctx, actx.Store, assertion)
			}
		case AssertNotified:
			err = assertNotified(result.Notifications, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
