// Package jobs names batch runs.
package jobs

import (
	"github.com/google/uuid"
)

// RunPrefix starts every run ID.
const RunPrefix = "run-"

// NewRunID returns a fresh run ID such as "run-6f1c2a9e-...".
func NewRunID() string {
	return RunPrefix + uuid.NewString()
}
