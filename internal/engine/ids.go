package engine

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces scan IDs. Implemented by UUIDv7Generator in
// production and testutil.SequenceIDGenerator in tests.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings, so scan IDs in
// logs sort by start time.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 in hyphenated form. Panics if the random
// source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Clock supplies wall time for processed_at stamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
