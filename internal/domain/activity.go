package domain

import (
	"context"
	"time"

	"example.com/magnifisica/internal/feed"
)

// ActivityEntry is one recorded distance sample. Entries are immutable once stored.
type ActivityEntry struct {
	ID             string
	UserID         string
	RecordedAt     time.Time
	DistanceMeters float64
}

// ActivityStore is the read side of the externally owned activity time series.
type ActivityStore interface {
	// WatchActivity opens a live feed of every entry for the user recorded at or after since.
	// Each emission is the full current result set.
	WatchActivity(userID string, since time.Time) feed.Source[[]ActivityEntry]
	// QueryActivity performs a bounded one-shot read of entries with from <= RecordedAt <= to.
	QueryActivity(ctx context.Context, userID string, from, to time.Time) ([]ActivityEntry, error)
}

// ActivityWriter appends new entries.
type ActivityWriter interface {
	InsertActivity(ctx context.Context, entry ActivityEntry) error
}
