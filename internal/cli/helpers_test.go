package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/testutil"
)

// testOptions returns root options pointing at a fresh database, with a
// recording notifier and a step clock.
func testOptions(t *testing.T, format string) (*RootOptions, *testutil.RecordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DASHLOG_EVENTS_DIR", filepath.Join(dir, "events"))

	rec := &testutil.RecordingNotifier{}
	return &RootOptions{
		Format:   format,
		Database: filepath.Join(dir, "dashlog.db"),
		Notifier: rec,
		Clock:    testutil.NewStepClock(testutil.DefaultStart, time.Second),
	}, rec
}

// execute runs cmd with args and returns its stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeData unmarshals the data field of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return resp.CLIResponse
}

// logJSON logs an event through the log command and returns its result.
func logJSON(t *testing.T, opts *RootOptions, eventType string, args ...string) LogResult {
	t.Helper()
	jsonOpts := *opts
	jsonOpts.Format = "json"
	out, err := execute(NewLogCommand(&jsonOpts), append([]string{eventType}, args...)...)
	require.NoError(t, err)
	var result LogResult
	decodeData(t, out, &result)
	return result
}
