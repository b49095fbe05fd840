package core

import (
	"github.com/google/uuid"
)

// NewID returns a random identifier for schedules.
func NewID() string {
	return uuid.NewString()
}

// QueryID returns a task id for a one-shot query so it can be cancelled like any other task.
func QueryID(kind string) string {
	return kind + "-" + uuid.NewString()[:8]
}
