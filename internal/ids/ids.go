// Package ids generates and validates the time-ordered identifiers used for
// attachment records and request correlation.
package ids

import "github.com/google/uuid"

// New returns a UUIDv7 string or panics if generation fails.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether id is a canonical UUIDv7 string.
func Valid(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == 7 && parsed.String() == id
}
