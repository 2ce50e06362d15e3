package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks rejected mutation input.
	ErrValidation = errors.New("validation failed")
	// ErrMembershipNotFound is returned when a membership cannot be located.
	ErrMembershipNotFound = errors.New("membership not found")
	// ErrAlreadyJoined is returned when a user joins the same challenge twice.
	ErrAlreadyJoined = errors.New("challenge already joined")
)

// UpstreamQueryError reports a failed range query or live feed.
type UpstreamQueryError struct {
	Op     string
	UserID string
	Err    error
}

func (e *UpstreamQueryError) Error() string {
	return fmt.Sprintf("upstream %s for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *UpstreamQueryError) Unwrap() error { return e.Err }

// PartialAggregationError reports that one challenge's progress query failed, which fails the
// whole emission.
type PartialAggregationError struct {
	ChallengeID string
	Err         error
}

func (e *PartialAggregationError) Error() string {
	return fmt.Sprintf("progress for challenge %s: %v", e.ChallengeID, e.Err)
}

func (e *PartialAggregationError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamQueryError unless it already is one.
func Upstream(op, userID string, err error) error {
	if err == nil {
		return nil
	}
	var target *UpstreamQueryError
	if errors.As(err, &target) {
		return err
	}
	return &UpstreamQueryError{Op: op, UserID: userID, Err: err}
}
