package uuid

import (
	"github.com/google/uuid"
)

// NewString returns a new V7 UUID string. V7 UUIDs are time-ordered, which
// keeps the temp-file area of a file store roughly insertion sorted.
// Panics on error to maintain compatibility with google/uuid's NewString().
func NewString() string {
	return uuid.Must(uuid.NewV7()).String()
}
