package testutil

import (
	"context"
	"sync"
)

// Notification is one message captured by RecordingNotifier.
type Notification struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// RecordingNotifier captures notifications instead of sending them.
//
// Set Err to make every Notify call fail after recording the attempt.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

// Notify records the message.
func (r *RecordingNotifier) Notify(_ context.Context, channel, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Notification{Channel: channel, Message: message})
	return r.Err
}

// Sent returns a copy of the recorded notifications in order.
func (r *RecordingNotifier) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Messages returns only the message texts, in order.
func (r *RecordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Message
	}
	return out
}

// Reset clears recorded notifications.
func (r *RecordingNotifier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
