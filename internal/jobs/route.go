package jobs

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeRunID accepts a run ID with or without its prefix and returns the
// prefixed form. ok is false when the remainder is not a UUID.
func NormalizeRunID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	rest := strings.TrimPrefix(id, RunPrefix)
	if _, err := uuid.Parse(rest); err != nil {
		return "", false
	}
	return RunPrefix + rest, true
}
