// Package memory provides in-process activity and membership stores with live feeds, used for
// local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/observability"
)

// Store keeps activity entries and challenge memberships in memory.
type Store struct {
	mu          sync.RWMutex
	activities  map[string][]domain.ActivityEntry
	memberships map[string][]domain.ChallengeMembership

	activityWatchers   *hub
	membershipWatchers *hub
}

var (
	_ domain.ActivityStore    = (*Store)(nil)
	_ domain.ActivityWriter   = (*Store)(nil)
	_ domain.MembershipStore  = (*Store)(nil)
	_ domain.MembershipWriter = (*Store)(nil)
)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		activities:         make(map[string][]domain.ActivityEntry),
		memberships:        make(map[string][]domain.ChallengeMembership),
		activityWatchers:   newHub(),
		membershipWatchers: newHub(),
	}
}

// WatchActivity implements domain.ActivityStore. Each Open emits the current result set
// synchronously, then again after every insert for the user.
func (s *Store) WatchActivity(userID string, since time.Time) feed.Source[[]domain.ActivityEntry] {
	return feed.SourceFunc[[]domain.ActivityEntry](func(onNext func([]domain.ActivityEntry), _ func(error)) feed.Cancel {
		w := &watcher{emit: func() {
			onNext(s.activitySince(userID, since))
		}}
		remove := s.activityWatchers.add(userID, w)
		w.fire()
		return feed.Once(remove)
	})
}

// QueryActivity implements domain.ActivityStore.
func (s *Store) QueryActivity(ctx context.Context, userID string, from, to time.Time) ([]domain.ActivityEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]domain.ActivityEntry, 0)
	for _, entry := range s.activities[userID] {
		if entry.RecordedAt.Before(from) || entry.RecordedAt.After(to) {
			continue
		}
		results = append(results, entry)
	}
	return results, nil
}

// InsertActivity implements domain.ActivityWriter.
func (s *Store) InsertActivity(ctx context.Context, entry domain.ActivityEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}

	s.mu.Lock()
	list := append(s.activities[entry.UserID], entry)
	sort.SliceStable(list, func(i, j int) bool { return list[i].RecordedAt.Before(list[j].RecordedAt) })
	s.activities[entry.UserID] = list
	s.mu.Unlock()

	observability.RecordActivityRecorded(entry.RecordedAt)
	s.activityWatchers.notify(entry.UserID)
	return nil
}

func (s *Store) activitySince(userID string, since time.Time) []domain.ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]domain.ActivityEntry, 0)
	for _, entry := range s.activities[userID] {
		if !entry.RecordedAt.Before(since) {
			results = append(results, entry)
		}
	}
	return results
}

// WatchMemberships implements domain.MembershipStore.
func (s *Store) WatchMemberships(userID string) feed.Source[[]domain.ChallengeMembership] {
	return feed.SourceFunc[[]domain.ChallengeMembership](func(onNext func([]domain.ChallengeMembership), _ func(error)) feed.Cancel {
		w := &watcher{emit: func() {
			onNext(s.membershipsOf(userID))
		}}
		remove := s.membershipWatchers.add(userID, w)
		w.fire()
		return feed.Once(remove)
	})
}

// InsertMembership implements domain.MembershipWriter.
func (s *Store) InsertMembership(ctx context.Context, membership domain.ChallengeMembership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(membership.ID) == "" {
		membership.ID = uuid.NewString()
	}
	if membership.JoinedAt.IsZero() {
		membership.JoinedAt = time.Now().UTC()
	}

	s.mu.Lock()
	for _, existing := range s.memberships[membership.UserID] {
		if existing.ChallengeID == membership.ChallengeID {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", domain.ErrAlreadyJoined, membership.ChallengeID)
		}
	}
	s.memberships[membership.UserID] = append(s.memberships[membership.UserID], membership)
	s.mu.Unlock()

	s.membershipWatchers.notify(membership.UserID)
	return nil
}

// MarkCompleted implements domain.MembershipWriter.
func (s *Store) MarkCompleted(ctx context.Context, userID, membershipID string, storedProgress float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	list := s.memberships[userID]
	found := false
	for i := range list {
		if list[i].ID == membershipID {
			list[i].IsCompleted = true
			list[i].StoredProgress = storedProgress
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", domain.ErrMembershipNotFound, membershipID)
	}
	s.membershipWatchers.notify(userID)
	return nil
}

// membershipsOf returns a copy ordered by JoinedAt, newest first.
func (s *Store) membershipsOf(userID string) []domain.ChallengeMembership {
	s.mu.RLock()
	results := make([]domain.ChallengeMembership, len(s.memberships[userID]))
	copy(results, s.memberships[userID])
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].JoinedAt.After(results[j].JoinedAt) })
	return results
}

// Watchers reports the live feeds open for userID, activity and memberships combined.
func (s *Store) Watchers(userID string) int {
	return s.activityWatchers.count(userID) + s.membershipWatchers.count(userID)
}
