package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/testutil"
)

func TestMessages(t *testing.T) {
	assert.Equal(t, "```alice was added to the dashboard```", AddedMessage("alice"))
	assert.Equal(t, "```alice updated their slack username```", InfoMessage("alice", "their", "slack_username"))
	assert.Equal(t, "```You updated your slack username```", InfoMessage("You", "your", "slack_username"))
	assert.Equal(t, "```alice accessed the dashboard```", AccessMessage("alice", "dashboard"))
	assert.Equal(t, "```bob checked in```", CheckInMessage("bob", true, false))
	assert.Equal(t, "```bob checked out```", CheckInMessage("bob", false, false))
	assert.Equal(t, "```You auto-checked out```", CheckInMessage("You", false, true))
	assert.Equal(t, "@bob.s", DirectChannel("bob.s"))
}

func TestBestEffort_SwallowsAndCounts(t *testing.T) {
	rec := &testutil.RecordingNotifier{Err: errors.New("down")}
	m := metrics.New()
	n := BestEffort(rec, m)

	assert.NoError(t, n.Notify(context.Background(), DefaultChannel, "hello"))
	assert.Len(t, rec.Sent(), 1)

	families, err := m.Gather()
	require.NoError(t, err)
	var failed float64
	for _, f := range families {
		if f.GetName() == metrics.MetricNotificationsFailed {
			failed = f.Metric[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, failed)
}

func TestFunc(t *testing.T) {
	var got string
	n := Func(func(_ context.Context, channel, message string) error {
		got = channel + " " + message
		return nil
	})
	require.NoError(t, n.Notify(context.Background(), "#c", "m"))
	assert.Equal(t, "#c m", got)
	assert.NoError(t, Log{}.Notify(context.Background(), "#c", "m"))
}

func newTestSlack(t *testing.T, url string) *Slack {
	t.Helper()
	s, err := NewSlack(SlackConfig{WebhookURL: url, RatePerSecond: 1000, MaxRetries: 2, Timeout: time.Second})
	require.NoError(t, err)
	s.initial = time.Millisecond
	return s
}

func TestSlack_PostsPayload(t *testing.T) {
	var got slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSlack(t, srv.URL)
	require.NoError(t, s.Notify(context.Background(), "#microns-dashboard", "```bob checked in```"))
	assert.Equal(t, slackPayload{Channel: "#microns-dashboard", Text: "```bob checked in```"}, got)
}

func TestSlack_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSlack(t, srv.URL)
	require.NoError(t, s.Notify(context.Background(), "#c", "m"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSlack_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("channel_not_found"))
	}))
	defer srv.Close()

	s := newTestSlack(t, srv.URL)
	err := s.Notify(context.Background(), "@nobody", "m")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "channel_not_found", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSlack_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newTestSlack(t, srv.URL)
	err := s.Notify(context.Background(), "#c", "m")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestNewSlack_RequiresURL(t *testing.T) {
	_, err := NewSlack(SlackConfig{})
	assert.Error(t, err)
}
