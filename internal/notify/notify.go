// Package notify delivers human-readable notifications about materialized
// changes. Delivery is best-effort: callers wrap notifiers with BestEffort
// after the materialization has committed.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/dashlog/internal/metrics"
)

// DefaultChannel is the channel notifications go to unless configured.
const DefaultChannel = "#microns-dashboard"

// Notifier sends one message to one channel.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, channel, message string) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, channel, message string) error {
	return f(ctx, channel, message)
}

// Log writes notifications to slog. Used when no webhook is configured.
type Log struct{}

// Notify logs the message at info.
func (Log) Notify(_ context.Context, channel, message string) error {
	slog.Info("notification", "channel", channel, "message", message)
	return nil
}

type bestEffort struct {
	next    Notifier
	metrics *metrics.Metrics
}

// BestEffort wraps n so that delivery errors are logged and counted but
// never returned.
func BestEffort(n Notifier, m *metrics.Metrics) Notifier {
	return &bestEffort{next: n, metrics: m}
}

func (b *bestEffort) Notify(ctx context.Context, channel, message string) error {
	if err := b.next.Notify(ctx, channel, message); err != nil {
		b.metrics.NotificationFailed()
		slog.Warn("notification failed", "channel", channel, "error", err)
	}
	return nil
}

// DirectChannel addresses a direct message to a Slack handle.
func DirectChannel(slackUsername string) string {
	return "@" + slackUsername
}

// AddedMessage announces a new dashboard user.
func AddedMessage(user string) string {
	return fmt.Sprintf("```%s was added to the dashboard```", user)
}

// InfoMessage announces an info update. subject is the user name or "You"
// and possessive "their" or "your"; underscores in infoType become spaces.
func InfoMessage(subject, possessive, infoType string) string {
	return fmt.Sprintf("```%s updated %s %s```", subject, possessive, strings.ReplaceAll(infoType, "_", " "))
}

// AccessMessage announces a dashboard access through entryPoint.
func AccessMessage(user, entryPoint string) string {
	return fmt.Sprintf("```%s accessed the %s```", user, entryPoint)
}

// CheckInMessage announces a check-in or check-out. subject is the user
// name or "You".
func CheckInMessage(subject string, checkIn, auto bool) string {
	prefix := ""
	if auto {
		prefix = "auto-"
	}
	direction := "out"
	if checkIn {
		direction = "in"
	}
	return fmt.Sprintf("```%s %schecked %s```", subject, prefix, direction)
}
