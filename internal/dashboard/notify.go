package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dashlog/internal/materialize"
	"github.com/roach88/dashlog/internal/notify"
)

// DefaultNotifyTimeout bounds the delivery of one change's messages.
const DefaultNotifyTimeout = 30 * time.Second

// notifyQueueSize bounds the changes waiting for delivery. Changes beyond
// it are dropped with a warning.
const notifyQueueSize = 256

type notifyJob struct {
	ctx     context.Context
	change  materialize.Change
	flushed chan struct{} // marks a Flush point when set
}

// outbox hands committed changes to one delivery goroutine, so the caller
// of LogEvent never waits on the notifier.
type outbox struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan notifyJob
	done    chan struct{}
	timeout time.Duration
}

func newOutbox(timeout time.Duration) *outbox {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	return &outbox{
		jobs:    make(chan notifyJob, notifyQueueSize),
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

func (d *Dashboard) deliver() {
	defer close(d.outbox.done)
	for job := range d.outbox.jobs {
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(job.ctx, d.outbox.timeout)
		d.notifyChange(ctx, job.change)
		cancel()
	}
}

// notifyAll queues changes for delivery. Delivery keeps ctx values but
// not its cancellation: the changes are committed whatever the caller does
// next.
func (d *Dashboard) notifyAll(ctx context.Context, changes []materialize.Change) {
	if len(changes) == 0 {
		return
	}
	ob := d.outbox
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.closed {
		slog.Warn("dashboard closed; notifications dropped", "changes", len(changes))
		return
	}
	detached := context.WithoutCancel(ctx)
	for _, c := range changes {
		select {
		case ob.jobs <- notifyJob{ctx: detached, change: c}:
		default:
			d.metrics.NotificationFailed()
			slog.Warn("notification queue full; change dropped",
				"materializer", c.Materializer, "processed_id", c.ProcessedID, "user", c.User)
		}
	}
}

// Flush waits until every change queued before the call is delivered.
func (d *Dashboard) Flush() {
	ob := d.outbox
	ob.mu.RLock()
	if ob.closed {
		ob.mu.RUnlock()
		return
	}
	marker := make(chan struct{})
	ob.jobs <- notifyJob{flushed: marker}
	ob.mu.RUnlock()
	<-marker
}

// Close delivers the queued changes and stops the delivery goroutine.
// Later changes are dropped. Close the dashboard before its store.
func (d *Dashboard) Close() {
	ob := d.outbox
	ob.mu.Lock()
	if !ob.closed {
		ob.closed = true
		close(ob.jobs)
	}
	ob.mu.Unlock()
	<-ob.done
}

// notifyChange posts the broadcast message for c and, where the user has a
// Slack handle, the direct message. Runs after the materializer committed;
// errors never reach the caller.
func (d *Dashboard) notifyChange(ctx context.Context, c materialize.Change) {
	var broadcast, direct string
	switch c.Kind {
	case materialize.KindUserAdded:
		broadcast = notify.AddedMessage(c.User)
	case materialize.KindUserInfo:
		broadcast = notify.InfoMessage(c.User, "their", c.InfoType)
		direct = notify.InfoMessage("You", "your", c.InfoType)
	case materialize.KindAccess:
		broadcast = notify.AccessMessage(c.User, c.EntryPoint)
	case materialize.KindCheckIn:
		broadcast = notify.CheckInMessage(c.User, c.CheckIn, c.Auto)
		direct = notify.CheckInMessage("You", c.CheckIn, c.Auto)
	default:
		return
	}

	_ = d.notifier.Notify(ctx, d.channel, broadcast)
	if direct == "" {
		return
	}

	slack := c.SlackUsername
	if slack == "" {
		var err error
		if slack, err = d.store.SlackUsername(ctx, c.User); err != nil {
			slog.Warn("slack lookup failed", "user", c.User, "error", err)
			return
		}
	}
	if slack == "" {
		slog.Debug("no slack handle; direct message skipped", "user", c.User)
		return
	}
	_ = d.notifier.Notify(ctx, notify.DirectChannel(slack), direct)
}
