// Package events defines the change events exchanged between service instances.
package events

import "time"

// Event types, carried in the event_type header.
const (
	TypeActivityRecorded  = "activity.recorded"
	TypeMembershipChanged = "membership.changed"
)

// Header keys.
const (
	HeaderEventType = "event_type"
	HeaderOrigin    = "origin"
)

// ActivityRecorded is emitted after a new activity entry is stored.
type ActivityRecorded struct {
	EntryID        string    `json:"entry_id"`
	UserID         string    `json:"user_id"`
	RecordedAt     time.Time `json:"recorded_at"`
	DistanceMeters float64   `json:"distance_meters"`
}

// MembershipChanged is emitted when a user joins or completes a challenge.
type MembershipChanged struct {
	MembershipID   string    `json:"membership_id"`
	ChallengeID    string    `json:"challenge_id,omitempty"`
	UserID         string    `json:"user_id"`
	Change         string    `json:"change"`
	IsCompleted    bool      `json:"is_completed"`
	StoredProgress float64   `json:"stored_progress"`
	OccurredAt     time.Time `json:"occurred_at"`
}
