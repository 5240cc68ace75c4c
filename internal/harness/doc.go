// Package harness runs YAML scenarios against a throwaway dashboard and
// checks the derived state they leave behind.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	mode: eager            # eager (default), async or lazy
//	directory:             # optional e-mail → Slack handle map
//	  alice@example.com: alice.s
//	steps:
//	  - log: user_add
//	    attrs: { user: alice }
//	  - log: user_add_info
//	    attrs: { user: alice, info_type: slack_username }
//	    data: { email: alice@example.com }
//	    expect: { outcome: success }
//	  - catch_up: true
//	assertions:
//	  - type: users
//	    users: [alice]
//	  - type: slack
//	    user: alice
//	    slack: alice.s
//
// # Determinism
//
// Every scenario gets a fresh SQLite database and a step clock: step i is
// logged at testutil.DefaultStart + i seconds, so event IDs, timestamps and
// the final state are identical across runs and modes. Golden files hold
// the trace and the snapshot without content hashes or processing times.
//
// # Replay
//
// Replay rebuilds the derived state of a store from its event log twice,
// in fresh stores, and reports whether both rebuilds agree with each other
// and with the source.
package harness
