// Package ir holds the value model and record types shared by every other
// dashlog package, plus the content-addressed ID functions.
//
// ir imports nothing internal. Constraints:
//   - no floats in values; numbers are int64
//   - JSON tags use snake_case and match the SQLite column names
//   - every ID is SHA-256 over RFC 8785 canonical JSON with a domain prefix
package ir
