package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random 32 character hex identifier.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id looks like an identifier produced by New.
func Valid(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
