package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/dashlog/internal/ir"
)

// GoldenDir holds golden files, relative to the test's package directory.
const GoldenDir = "testdata/golden"

// goldenDocument converts the scenario's trace and final state for
// ir.MarshalCanonical. Content hashes and processing times are left out,
// so the file is the same in every mode.
func goldenDocument(name string, result *Result) map[string]any {
	trace := make([]any, len(result.Trace))
	for i, e := range result.Trace {
		entry := map[string]any{
			"step":       e.Step,
			"event_type": e.EventType,
		}
		if e.EventTS != "" {
			entry["event_ts"] = e.EventTS
		}
		if e.Outcome != "" {
			entry["outcome"] = e.Outcome
		}
		if e.Error != "" {
			entry["error"] = e.Error
		}
		trace[i] = entry
	}

	doc := map[string]any{
		"scenario": name,
		"trace":    trace,
	}
	if result.Snapshot != nil {
		doc["state"] = result.Snapshot.toCanonicalMap()
	}
	return doc
}

// GoldenBytes returns the canonical JSON compared against golden files.
func GoldenBytes(name string, result *Result) ([]byte, error) {
	return ir.MarshalCanonical(goldenDocument(name, result))
}

// RunWithGolden executes a scenario and compares its trace and final state
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := GoldenBytes(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
