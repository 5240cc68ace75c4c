package ir

import "time"

// TimestampLayout is the fixed event timestamp format. It is part of the
// hashed input of EventID, so changing it changes every new event ID.
const TimestampLayout = "2006-01-02_15:04:05.000000"

// Event is an immutable event log record.
type Event struct {
	ID        string `json:"event_id"`
	Type      string `json:"event_type"`
	Timestamp string `json:"event_ts"` // formatted with TimestampLayout in Timezone
	Timezone  string `json:"timezone"`
	UnixMicro int64  `json:"event_unix_us,omitempty"` // the same instant in UTC; sort key
	VersionID string `json:"version_id"`
	Attrs     Object `json:"attrs"`
	Data      Object `json:"data,omitempty"`      // inline payload, nil when absent or external
	DataPath  string `json:"data_path,omitempty"` // external payload file
}

// HasPayload reports whether the event carries a payload, inline or external.
func (e Event) HasPayload() bool {
	return e.Data != nil || e.DataPath != ""
}

// Time returns the event instant in the event's zone. Timestamp alone is
// ambiguous during a DST fall-back hour, so UnixMicro wins when set.
func (e Event) Time() (time.Time, error) {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	if e.UnixMicro != 0 {
		return time.UnixMicro(e.UnixMicro).In(loc), nil
	}
	return time.ParseInLocation(TimestampLayout, e.Timestamp, loc)
}

// StorageKind selects where an event payload lives.
type StorageKind string

const (
	StorageInline StorageKind = "inline"
	StorageFile   StorageKind = "file"
)

// Storage is an event type's payload storage policy.
type Storage struct {
	Kind StorageKind `json:"kind"`
	Ext  string      `json:"ext,omitempty"` // file extension for StorageFile, e.g. ".json"
}

// EventTypeSpec is the declarative part of an event type.
type EventTypeSpec struct {
	Name     string   `json:"name"`
	Group    string   `json:"group"`              // event family, e.g. "UserAdd"
	Required []string `json:"required,omitempty"` // attrs that must be present
	Storage  Storage  `json:"storage"`
}

// HandlerSpec is the declarative part of a handler: which event types it
// covers. The version defaults to the current schema version.
type HandlerSpec struct {
	Name       string   `json:"name"`
	EventTypes []string `json:"events"`
	Version    string   `json:"version,omitempty"`
}

// HandlerRecord is the stored row for a handler bound to one event type.
type HandlerRecord struct {
	ID        string `json:"handler_id"`
	Name      string `json:"name"`
	EventType string `json:"event_type"`
	VersionID string `json:"version_id"`
}

// Outcome of applying a handler to an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ProcessedEvent records the single outcome of one handler on one event.
// Record is set on success, Error on failure; never both.
type ProcessedEvent struct {
	ID          string  `json:"processed_id"`
	EventID     string  `json:"event_id"`
	HandlerID   string  `json:"handler_id"`
	EventType   string  `json:"event_type"`
	Outcome     Outcome `json:"outcome"`
	Record      Object  `json:"record,omitempty"`
	Error       string  `json:"error,omitempty"`
	ProcessedAt string  `json:"processed_at"`
}

// Succeeded reports whether the handler produced a record.
func (p ProcessedEvent) Succeeded() bool {
	return p.Outcome == OutcomeSuccess
}

// Tag is a schema version row.
type Tag struct {
	ID        string `json:"version_id"`
	Version   string `json:"version"`
	CreatedAt string `json:"created_at"`
}
