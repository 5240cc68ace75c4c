package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDGenerator(t *testing.T) {
	gen := NewSequenceIDGenerator("scan")
	assert.Equal(t, "scan-000001", gen.Generate())
	assert.Equal(t, "scan-000002", gen.Generate())

	assert.Equal(t, "test-scan-000001", NewSequenceIDGenerator("").Generate())
}

func TestRecordingNotifier(t *testing.T) {
	r := &RecordingNotifier{}
	ctx := context.Background()

	assert.NoError(t, r.Notify(ctx, "#general", "hello"))
	assert.NoError(t, r.Notify(ctx, "@alice", "hi"))
	assert.Equal(t, []Notification{
		{Channel: "#general", Message: "hello"},
		{Channel: "@alice", Message: "hi"},
	}, r.Sent())
	assert.Equal(t, []string{"hello", "hi"}, r.Messages())

	r.Reset()
	assert.Empty(t, r.Sent())

	r.Err = errors.New("webhook down")
	assert.Error(t, r.Notify(ctx, "#general", "x"))
	assert.Len(t, r.Sent(), 1, "failed attempts are still recorded")
}
