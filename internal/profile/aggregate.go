// Package profile merges the weekly histogram feed and the challenge-progress feed into a
// single profile snapshot feed.
package profile

import (
	"sync"
	"sync/atomic"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
)

// slots holds the latest value of each input feed. A nil pointer means the feed has not
// delivered yet.
type slots struct {
	weekly     *domain.WeeklyHistogram
	challenges *[]domain.ChallengeProgress
}

// merge builds a snapshot once both slots are filled. It is the whole AwaitingBoth -> Ready
// state machine: the second return value is false while awaiting either feed.
func merge(s slots) (domain.ProfileSnapshot, bool) {
	if s.weekly == nil || s.challenges == nil {
		return domain.ProfileSnapshot{}, false
	}
	return domain.ProfileSnapshot{
		WeeklyActivity: *s.weekly,
		Challenges:     *s.challenges,
	}, true
}

// Aggregate combines two feeds for the same user.
type Aggregate struct {
	weekly     feed.Source[domain.WeeklyHistogram]
	challenges feed.Source[[]domain.ChallengeProgress]
}

// NewAggregate constructs an Aggregate.
func NewAggregate(weekly feed.Source[domain.WeeklyHistogram], challenges feed.Source[[]domain.ChallengeProgress]) *Aggregate {
	return &Aggregate{weekly: weekly, challenges: challenges}
}

// Open implements feed.Source. The returned Cancel releases both inputs exactly once.
func (a *Aggregate) Open(onNext func(domain.ProfileSnapshot), onError func(error)) feed.Cancel {
	m := &merger{onNext: onNext, onError: onError}

	cancelWeekly := feed.Once(a.weekly.Open(
		func(h domain.WeeklyHistogram) {
			m.update(func(s *slots) { s.weekly = &h })
		},
		m.fail,
	))
	cancelChallenges := feed.Once(a.challenges.Open(
		func(list []domain.ChallengeProgress) {
			m.update(func(s *slots) { s.challenges = &list })
		},
		m.fail,
	))

	return feed.Once(func() {
		m.close()
		cancelWeekly()
		cancelChallenges()
	})
}

type merger struct {
	onNext  func(domain.ProfileSnapshot)
	onError func(error)

	mu     sync.Mutex
	state  slots
	failed bool
	// closed is atomic so a subscriber may cancel from inside onNext.
	closed atomic.Bool
}

func (m *merger) update(apply func(*slots)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed || m.closed.Load() {
		return
	}
	apply(&m.state)
	if snapshot, ready := merge(m.state); ready {
		m.onNext(snapshot)
	}
}

func (m *merger) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed || m.closed.Load() {
		return
	}
	m.failed = true
	m.onError(err)
}

func (m *merger) close() {
	m.closed.Store(true)
}
