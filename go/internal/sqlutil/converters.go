package sqlutil

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Helper functions for converting event fields to and from sql.Null* types

// ToSqlString converts an optional participant id to sql.NullString
func ToSqlString(val *string) sql.NullString {
	if val == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *val, Valid: true}
}

// FromSqlStringPtr converts sql.NullString back to an optional participant id
func FromSqlStringPtr(val sql.NullString) *string {
	if !val.Valid {
		return nil
	}
	return &val.String
}

// ToSqlPayload stores a JSON null (or empty) payload as SQL NULL
func ToSqlPayload(payload json.RawMessage) sql.NullString {
	if len(payload) == 0 || string(payload) == "null" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(payload), Valid: true}
}

// FromSqlPayload turns SQL NULL back into a JSON null payload
func FromSqlPayload(val sql.NullString) json.RawMessage {
	if !val.Valid {
		return json.RawMessage("null")
	}
	return json.RawMessage(val.String)
}

// ToUnixNano encodes a timestamp for integer columns
func ToUnixNano(t time.Time) int64 {
	return t.UnixNano()
}

// FromUnixNano decodes an integer column into a UTC timestamp
func FromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
