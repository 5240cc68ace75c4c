package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dashlog/internal/store"
)

// Scenario is a scripted sequence of dashboard events plus assertions over
// the derived state they leave behind.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Mode is the dashboard mode: eager (default), async or lazy.
	Mode string `yaml:"mode,omitempty"`

	// Directory maps payload e-mail addresses to Slack handles. Lookups
	// not found here fall back to the payload's slack_username.
	Directory map[string]string `yaml:"directory,omitempty"`

	// Steps run in order. Each step either logs an event or runs a
	// catch-up scan.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final derived state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step.
type Step struct {
	// Log is the event type to log.
	Log string `yaml:"log,omitempty"`

	// Attrs are the event attrs. Values must be strings, ints or bools.
	Attrs map[string]any `yaml:"attrs,omitempty"`

	// Data is the optional event payload.
	Data map[string]any `yaml:"data,omitempty"`

	// Expect checks the processed row for the logged event. Checked after
	// the step (eager) or after the final catch-up (lazy).
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// CatchUp runs an engine and materializer catch-up scan.
	CatchUp bool `yaml:"catch_up,omitempty"`
}

// ExpectClause specifies the expected processing outcome of a log step.
type ExpectClause struct {
	// Outcome is "success", "failure" (a failure row was recorded) or
	// "rejected" (validation refused the event and nothing was written).
	Outcome string `yaml:"outcome"`

	// Error is a substring of the failure or rejection text.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final derived state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "users": the exact, sorted set of users
	// - "slack": a user's current Slack handle
	// - "checkin_state": a user's current check-in state
	// - "failures_count": number of failure rows
	// - "table_count": number of rows in a table
	// - "notified": a notification was sent
	Type string `yaml:"type"`

	// Users is the expected user list (users).
	Users []string `yaml:"users,omitempty"`

	// User names the user (slack, checkin_state).
	User string `yaml:"user,omitempty"`

	// Slack is the expected handle (slack).
	Slack string `yaml:"slack,omitempty"`

	// CheckedIn and Auto are the expected state (checkin_state).
	CheckedIn *bool `yaml:"checked_in,omitempty"`
	Auto      *bool `yaml:"auto,omitempty"`

	// Table is the table name (table_count).
	Table string `yaml:"table,omitempty"`

	// Count is the expected row count (failures_count, table_count).
	Count int `yaml:"count,omitempty"`

	// Channel and Message identify a notification (notified). An empty
	// channel matches any channel.
	Channel string `yaml:"channel,omitempty"`
	Message string `yaml:"message,omitempty"`
}

// Assertion type constants.
const (
	AssertUsers         = "users"
	AssertSlack         = "slack"
	AssertCheckInState  = "checkin_state"
	AssertFailuresCount = "failures_count"
	AssertTableCount    = "table_count"
	AssertNotified      = "notified"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Mode {
	case "", "eager", "async", "lazy":
	default:
		return fmt.Errorf("mode %q: must be eager, async or lazy", s.Mode)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		switch {
		case step.Log != "" && step.CatchUp:
			return fmt.Errorf("steps[%d]: log and catch_up are exclusive", i)
		case step.Log == "" && !step.CatchUp:
			return fmt.Errorf("steps[%d]: log or catch_up is required", i)
		case step.CatchUp && (step.Attrs != nil || step.Data != nil || step.Expect != nil):
			return fmt.Errorf("steps[%d]: catch_up takes no attrs, data or expect", i)
		}
		if step.Expect != nil {
			switch step.Expect.Outcome {
			case "success":
				if step.Expect.Error != "" {
					return fmt.Errorf("steps[%d].expect: error is only valid for failure", i)
				}
			case "failure", "rejected":
			default:
				return fmt.Errorf("steps[%d].expect: outcome must be success, failure or rejected", i)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertUsers:
	case AssertSlack:
		if a.User == "" {
			return fmt.Errorf("assertions[%d]: user is required for slack", index)
		}
	case AssertCheckInState:
		if a.User == "" {
			return fmt.Errorf("assertions[%d]: user is required for checkin_state", index)
		}
		if a.CheckedIn == nil && a.Auto == nil {
			return fmt.Errorf("assertions[%d]: checked_in or auto is required for checkin_state", index)
		}
	case AssertFailuresCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTableCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for table_count", index)
		}
		if !store.KnownTable(a.Table) {
			return fmt.Errorf("assertions[%d]: unknown table %q", index, a.Table)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertNotified:
		if a.Message == "" {
			return fmt.Errorf("assertions[%d]: message is required for notified", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
