package store

import (
	"context"
	"time"

	"reportpipe/internal/models"
)

// Driver selects the storage backend for status persistence.
type Driver int

const (
	Postgres Driver = iota + 1
	Redis
)

func (d Driver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Redis:
		return "redis"
	default:
		return "unknown"
	}
}

// ActivityEntry is one row of the human-readable activity log written when a
// generation finishes.
type ActivityEntry struct {
	ID           string
	GenerationID string
	TaskID       string
	Kind         string
	Message      string
	CreatedAt    time.Time
}

// StatusStore persists generation status timelines and the activity log.
// These are the on-finish side effects the event listener performs.
type StatusStore interface {
	UpsertStatus(ctx context.Context, ev models.GenerationEvent) error
	WriteActivity(ctx context.Context, entry ActivityEntry) error
}
