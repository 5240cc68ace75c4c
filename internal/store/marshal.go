package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/dashlog/internal/ir"
)

// marshalObject converts an Object to canonical JSON TEXT.
func marshalObject(obj ir.Object) (string, error) {
	s, err := ir.CanonicalString(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return s, nil
}

// marshalNullable returns NULL for a nil object, canonical JSON otherwise.
// It keeps "no payload" apart from "empty payload".
func marshalNullable(obj ir.Object) (sql.NullString, error) {
	if obj == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalObject(obj)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// unmarshalObject parses JSON TEXT written by marshalObject.
func unmarshalObject(data string) (ir.Object, error) {
	obj, err := ir.ParseStored(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// unmarshalNullable is the inverse of marshalNullable.
func unmarshalNullable(data sql.NullString) (ir.Object, error) {
	if !data.Valid {
		return nil, nil
	}
	return unmarshalObject(data.String)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
