// Package testsupport provides scripted store doubles for package tests.
package testsupport

import (
	"context"
	"sync"
	"time"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
)

// ActivityStore is a scripted domain.ActivityStore. Live feeds are backed by one Subject per
// user; range queries are answered by QueryFunc and counted.
type ActivityStore struct {
	mu        sync.Mutex
	feeds     map[string]*feed.Subject[[]domain.ActivityEntry]
	watches   []time.Time
	queries   []Range
	QueryFunc func(ctx context.Context, userID string, from, to time.Time) ([]domain.ActivityEntry, error)
}

// Range records one QueryActivity call.
type Range struct {
	UserID   string
	From, To time.Time
}

// NewActivityStore returns an empty scripted store.
func NewActivityStore() *ActivityStore {
	return &ActivityStore{feeds: make(map[string]*feed.Subject[[]domain.ActivityEntry])}
}

// Feed returns the subject driving userID's live feed.
func (s *ActivityStore) Feed(userID string) *feed.Subject[[]domain.ActivityEntry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.feeds[userID]
	if !ok {
		subject = feed.NewColdSubject[[]domain.ActivityEntry]()
		s.feeds[userID] = subject
	}
	return subject
}

// WatchActivity implements domain.ActivityStore.
func (s *ActivityStore) WatchActivity(userID string, since time.Time) feed.Source[[]domain.ActivityEntry] {
	s.mu.Lock()
	s.watches = append(s.watches, since)
	s.mu.Unlock()
	return s.Feed(userID)
}

// QueryActivity implements domain.ActivityStore.
func (s *ActivityStore) QueryActivity(ctx context.Context, userID string, from, to time.Time) ([]domain.ActivityEntry, error) {
	s.mu.Lock()
	s.queries = append(s.queries, Range{UserID: userID, From: from, To: to})
	fn := s.QueryFunc
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, userID, from, to)
}

// Queries returns the recorded range queries.
func (s *ActivityStore) Queries() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Range, len(s.queries))
	copy(out, s.queries)
	return out
}

// Watches returns the since bound of every WatchActivity call.
func (s *ActivityStore) Watches() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.watches))
	copy(out, s.watches)
	return out
}

// MembershipStore is a scripted domain.MembershipStore backed by one Subject per user.
type MembershipStore struct {
	mu    sync.Mutex
	feeds map[string]*feed.Subject[[]domain.ChallengeMembership]
}

// NewMembershipStore returns an empty scripted store.
func NewMembershipStore() *MembershipStore {
	return &MembershipStore{feeds: make(map[string]*feed.Subject[[]domain.ChallengeMembership])}
}

// Feed returns the subject driving userID's membership feed.
func (s *MembershipStore) Feed(userID string) *feed.Subject[[]domain.ChallengeMembership] {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.feeds[userID]
	if !ok {
		subject = feed.NewColdSubject[[]domain.ChallengeMembership]()
		s.feeds[userID] = subject
	}
	return subject
}

// WatchMemberships implements domain.MembershipStore.
func (s *MembershipStore) WatchMemberships(userID string) feed.Source[[]domain.ChallengeMembership] {
	return s.Feed(userID)
}

// Entry builds an ActivityEntry for tests.
func Entry(userID string, at time.Time, meters float64) domain.ActivityEntry {
	return domain.ActivityEntry{ID: at.Format(time.RFC3339Nano), UserID: userID, RecordedAt: at, DistanceMeters: meters}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
