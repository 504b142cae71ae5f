package engram

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnixMilli returns current time as Unix milliseconds.
// All persisted timestamps in this package use this resolution.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
