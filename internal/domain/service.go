// Package domain defines the profile data model, its collaborator contracts, and the
// mutation workflows that keep cached views honest.
package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ViewInvalidator is told which cached views a mutation made stale. Mutations never touch
// cached values directly.
type ViewInvalidator interface {
	// ActivityChanged affects both the weekly histogram and challenge progress.
	ActivityChanged(userID string)
	// MembershipsChanged affects challenge lists only.
	MembershipsChanged(userID string)
}

// EventPublisher announces mutations to other instances.
type EventPublisher interface {
	PublishActivityRecorded(ctx context.Context, entry ActivityEntry) error
	PublishMembershipChanged(ctx context.Context, membership ChallengeMembership, change string) error
}

// Membership change kinds carried on published events.
const (
	MembershipJoined    = "joined"
	MembershipCompleted = "completed"
)

// ServiceOption configures optional behaviour for the Service.
type ServiceOption func(*Service)

// WithPublisher enables event publication after each mutation.
func WithPublisher(publisher EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithServiceLogger overrides the logger.
func WithServiceLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source used to stamp new records.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// Service orchestrates mutations against the stores.
type Service struct {
	activities  ActivityWriter
	memberships MembershipWriter
	invalidator ViewInvalidator
	publisher   EventPublisher
	logger      logrus.FieldLogger
	now         func() time.Time
}

// NewService constructs a Service.
func NewService(activities ActivityWriter, memberships MembershipWriter, invalidator ViewInvalidator, opts ...ServiceOption) *Service {
	s := &Service{
		activities:  activities,
		memberships: memberships,
		invalidator: invalidator,
		logger:      logrus.StandardLogger().WithField("component", "domain"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordActivityInput captures a new distance sample.
type RecordActivityInput struct {
	UserID         string
	RecordedAt     time.Time
	DistanceMeters float64
}

// RecordActivity stores a new entry and invalidates the user's views.
func (s *Service) RecordActivity(ctx context.Context, input RecordActivityInput) (*ActivityEntry, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if input.DistanceMeters <= 0 {
		return nil, fmt.Errorf("%w: distance must be > 0", ErrValidation)
	}

	now := s.now()
	recordedAt := input.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}
	if recordedAt.After(now) {
		return nil, fmt.Errorf("%w: recorded_at must not be in the future", ErrValidation)
	}
	entry := ActivityEntry{
		ID:             uuid.NewString(),
		UserID:         input.UserID,
		RecordedAt:     recordedAt.UTC(),
		DistanceMeters: input.DistanceMeters,
	}

	if err := s.activities.InsertActivity(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert activity: %w", err)
	}
	s.invalidator.ActivityChanged(entry.UserID)

	if s.publisher != nil {
		if err := s.publisher.PublishActivityRecorded(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("user_id", entry.UserID).Warn("publish activity recorded")
		}
	}
	return &entry, nil
}

// JoinChallengeInput captures a new membership.
type JoinChallengeInput struct {
	UserID         string
	ChallengeID    string
	Title          string
	Description    string
	StartDate      time.Time
	EndDate        time.Time
	TargetDistance *float64
}

// JoinChallenge enrolls the user and invalidates their challenge views.
func (s *Service) JoinChallenge(ctx context.Context, input JoinChallengeInput) (*ChallengeMembership, error) {
	membership := ChallengeMembership{
		ID:             uuid.NewString(),
		ChallengeID:    input.ChallengeID,
		UserID:         input.UserID,
		Title:          input.Title,
		Description:    input.Description,
		StartDate:      input.StartDate.UTC(),
		EndDate:        input.EndDate.UTC(),
		TargetDistance: input.TargetDistance,
		JoinedAt:       s.now().UTC(),
	}
	if err := membership.Validate(); err != nil {
		return nil, err
	}

	if err := s.memberships.InsertMembership(ctx, membership); err != nil {
		return nil, fmt.Errorf("insert membership: %w", err)
	}
	s.invalidator.MembershipsChanged(membership.UserID)
	s.publishMembership(ctx, membership, MembershipJoined)
	return &membership, nil
}

// CompleteChallenge closes a membership, freezing its stored progress.
func (s *Service) CompleteChallenge(ctx context.Context, userID, membershipID string, storedProgress float64) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(membershipID) == "" {
		return fmt.Errorf("%w: user id and membership id are required", ErrValidation)
	}
	if storedProgress < 0 {
		return fmt.Errorf("%w: stored progress must not be negative", ErrValidation)
	}

	if err := s.memberships.MarkCompleted(ctx, userID, membershipID, storedProgress); err != nil {
		return fmt.Errorf("complete membership: %w", err)
	}
	s.invalidator.MembershipsChanged(userID)
	s.publishMembership(ctx, ChallengeMembership{
		ID:             membershipID,
		UserID:         userID,
		IsCompleted:    true,
		StoredProgress: storedProgress,
	}, MembershipCompleted)
	return nil
}

func (s *Service) publishMembership(ctx context.Context, membership ChallengeMembership, change string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishMembershipChanged(ctx, membership, change); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":       membership.UserID,
			"membership_id": membership.ID,
			"change":        change,
		}).Warn("publish membership changed")
	}
}
