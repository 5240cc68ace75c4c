package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventIDDeterminism(t *testing.T) {
	id1, err := EventID("user_add", "2024-03-01_10:00:00.000001")
	require.NoError(t, err)
	id2, err := EventID("user_add", "2024-03-01_10:00:00.000001")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestEventIDIncludesTimestamp(t *testing.T) {
	id1 := MustEventID("user_add", "2024-03-01_10:00:00.000001")
	id2 := MustEventID("user_add", "2024-03-01_10:00:00.000002")
	id3 := MustEventID("user_check_in", "2024-03-01_10:00:00.000001")

	assert.NotEqual(t, id1, id2, "different timestamps must give different IDs")
	assert.NotEqual(t, id1, id3, "different types must give different IDs")
}

func TestHandlerIDPerVersion(t *testing.T) {
	v1 := MustTagID("0.1.0")
	v2 := MustTagID("0.2.0")

	assert.NotEqual(t, MustHandlerID("user_add", v1), MustHandlerID("user_add", v2))
	assert.NotEqual(t, MustHandlerID("user_add", v1), MustHandlerID("user_add_info", v1))
	assert.Equal(t, MustHandlerID("user_add", v1), MustHandlerID("user_add", v1))
}

func TestProcessedIDPairsEventAndHandler(t *testing.T) {
	ev := MustEventID("user_add", "2024-03-01_10:00:00.000001")
	h1 := MustHandlerID("user_add", MustTagID("0.1.0"))
	h2 := MustHandlerID("user_add", MustTagID("0.2.0"))

	p1 := MustProcessedID(ev, h1)
	assert.Equal(t, p1, MustProcessedID(ev, h1))
	assert.NotEqual(t, p1, MustProcessedID(ev, h2))
}

func TestDomainSeparation(t *testing.T) {
	// Same field values under different domains never collide.
	obj := Object{"event_id": String("x"), "handler_id": String("y")}
	a, err := hashObject(DomainProcessed, obj)
	require.NoError(t, err)
	b, err := hashObject(DomainMake, obj)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMakeIDPerMaterializer(t *testing.T) {
	a, err := MakeID("p1", "User.Add")
	require.NoError(t, err)
	b, err := MakeID("p1", "AccessLog")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
