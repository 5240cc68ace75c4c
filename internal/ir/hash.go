package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed IDs. The version suffix leaves room
// for changing the hashed fields without colliding with old IDs.
const (
	DomainEvent     = "dashlog/event/v1"
	DomainHandler   = "dashlog/handler/v1"
	DomainProcessed = "dashlog/processed/v1"
	DomainTag       = "dashlog/tag/v1"
	DomainMake      = "dashlog/make/v1"
)

// hashWithDomain returns hex(SHA256(domain || 0x00 || data)).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func hashObject(domain string, obj Object) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return hashWithDomain(domain, canonical), nil
}

// EventID identifies an event by its type and formatted timestamp.
// Attrs and payload are not part of the ID: two events of one type logged
// within the same microsecond collide, and the store reports that.
func EventID(eventType, timestamp string) (string, error) {
	id, err := hashObject(DomainEvent, Object{
		"event_type": String(eventType),
		"event_ts":   String(timestamp),
	})
	if err != nil {
		return "", fmt.Errorf("EventID: %w", err)
	}
	return id, nil
}

// HandlerID identifies the handler for one event type at one schema version.
func HandlerID(eventType, versionID string) (string, error) {
	id, err := hashObject(DomainHandler, Object{
		"event_type": String(eventType),
		"version_id": String(versionID),
	})
	if err != nil {
		return "", fmt.Errorf("HandlerID: %w", err)
	}
	return id, nil
}

// ProcessedID is the idempotency token for applying one handler to one
// event. At most one processed row exists per ID.
func ProcessedID(eventID, handlerID string) (string, error) {
	id, err := hashObject(DomainProcessed, Object{
		"event_id":   String(eventID),
		"handler_id": String(handlerID),
	})
	if err != nil {
		return "", fmt.Errorf("ProcessedID: %w", err)
	}
	return id, nil
}

// TagID identifies a schema version string.
func TagID(version string) (string, error) {
	id, err := hashObject(DomainTag, Object{"version": String(version)})
	if err != nil {
		return "", fmt.Errorf("TagID: %w", err)
	}
	return id, nil
}

// MakeID records which materializer produced a derived row from which
// processed event.
func MakeID(processedID, materializer string) (string, error) {
	id, err := hashObject(DomainMake, Object{
		"materializer": String(materializer),
		"processed_id": String(processedID),
	})
	if err != nil {
		return "", fmt.Errorf("MakeID: %w", err)
	}
	return id, nil
}

// MustEventID is like EventID but panics on error. Tests only.
func MustEventID(eventType, timestamp string) string {
	id, err := EventID(eventType, timestamp)
	if err != nil {
		panic(err)
	}
	return id
}

// MustHandlerID is like HandlerID but panics on error. Tests only.
func MustHandlerID(eventType, versionID string) string {
	id, err := HandlerID(eventType, versionID)
	if err != nil {
		panic(err)
	}
	return id
}

// MustProcessedID is like ProcessedID but panics on error. Tests only.
func MustProcessedID(eventID, handlerID string) string {
	id, err := ProcessedID(eventID, handlerID)
	if err != nil {
		panic(err)
	}
	return id
}

// MustTagID is like TagID but panics on error.
func MustTagID(version string) string {
	id, err := TagID(version)
	if err != nil {
		panic(err)
	}
	return id
}
