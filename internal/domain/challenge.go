package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/magnifisica/internal/feed"
)

// ChallengeMembership is a user's enrollment in one time-boxed distance challenge.
type ChallengeMembership struct {
	ID             string
	ChallengeID    string
	UserID         string
	Title          string
	Description    string
	StartDate      time.Time
	EndDate        time.Time
	TargetDistance *float64
	IsCompleted    bool
	StoredProgress float64
	JoinedAt       time.Time
}

// Validate checks the membership invariants.
func (m ChallengeMembership) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(m.ChallengeID) == "" {
		return fmt.Errorf("%w: challenge id is required", ErrValidation)
	}
	if !m.StartDate.Before(m.EndDate) {
		return fmt.Errorf("%w: start date must be before end date", ErrValidation)
	}
	if m.TargetDistance != nil && *m.TargetDistance < 0 {
		return fmt.Errorf("%w: target distance must not be negative", ErrValidation)
	}
	return nil
}

// ChallengeProgress decorates a membership with progress computed at read time.
// CalculatedProgress is in meters and is never persisted.
type ChallengeProgress struct {
	ChallengeMembership
	CalculatedProgress float64
}

// MembershipStore is the read side of the externally owned membership set.
type MembershipStore interface {
	// WatchMemberships opens a live feed of the user's memberships ordered by JoinedAt
	// descending.
	WatchMemberships(userID string) feed.Source[[]ChallengeMembership]
}

// MembershipWriter mutates memberships.
type MembershipWriter interface {
	InsertMembership(ctx context.Context, membership ChallengeMembership) error
	// MarkCompleted flags the membership as completed and stores its final progress.
	MarkCompleted(ctx context.Context, userID, membershipID string, storedProgress float64) error
}
