package harness

// TraceEntry is one logged event and what processing made of it.
type TraceEntry struct {
	Step      int    `json:"step"`
	EventType string `json:"event_type"`
	EventTS   string `json:"event_ts,omitempty"`
	Outcome   string `json:"outcome,omitempty"` // "success", "failure", or "" while pending
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per log step, in step order.
	Trace []TraceEntry `json:"trace"`

	// Errors holds expect and assertion failures. Empty when Pass.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the derived state after the last step.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// Notifications are the messages sent while the scenario ran.
	Notifications []Notification `json:"notifications,omitempty"`
}

// Notification is one message the scenario's notifier received.
type Notification struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
