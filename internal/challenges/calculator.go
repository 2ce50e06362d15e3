// Package challenges computes live progress for a user's joined challenges.
package challenges

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/observability"
)

// Calculator decorates membership feeds with progress summed from bounded activity queries.
type Calculator struct {
	activities  domain.ActivityStore
	memberships domain.MembershipStore
}

// NewCalculator constructs a Calculator.
func NewCalculator(activities domain.ActivityStore, memberships domain.MembershipStore) *Calculator {
	return &Calculator{activities: activities, memberships: memberships}
}

// Source returns the live challenge-progress feed for userID. Order follows the membership
// feed (most recently joined first).
func (c *Calculator) Source(userID string) feed.Source[[]domain.ChallengeProgress] {
	return feed.SourceFunc[[]domain.ChallengeProgress](func(onNext func([]domain.ChallengeProgress), onError func(error)) feed.Cancel {
		s := &subscription{
			calc:    c,
			userID:  userID,
			onNext:  onNext,
			onError: onError,
		}
		s.ctx, s.cancelAll = context.WithCancel(context.Background())
		upstream := c.memberships.WatchMemberships(userID).Open(s.handleMemberships, s.handleError)
		return feed.Once(func() {
			s.close()
			upstream()
		})
	})
}

type subscription struct {
	calc    *Calculator
	userID  string
	onNext  func([]domain.ChallengeProgress)
	onError func(error)

	ctx       context.Context
	cancelAll context.CancelFunc

	// emitMu orders deliveries; mu guards the fields below.
	emitMu   sync.Mutex
	mu       sync.Mutex
	gen      uint64
	inflight context.CancelFunc
	done     bool
}

func (s *subscription) handleMemberships(list []domain.ChallengeMembership) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	if s.inflight != nil {
		// A newer membership snapshot supersedes the running one.
		s.inflight()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight = cancel
	s.mu.Unlock()

	if !needsQueries(list) {
		cancel()
		s.deliver(gen, decorate(list), nil)
		return
	}
	go func() {
		defer cancel()
		result, err := s.calc.compute(ctx, s.userID, list)
		s.deliver(gen, result, err)
	}()
}

func (s *subscription) handleError(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.cancelAll()
	s.mu.Unlock()

	s.onError(domain.Upstream("watch memberships", s.userID, err))
}

func (s *subscription) deliver(gen uint64, result []domain.ChallengeProgress, err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	current := gen == s.gen && !s.done
	if current && err != nil {
		s.done = true
		s.cancelAll()
	}
	s.mu.Unlock()

	if !current {
		return
	}
	if err != nil {
		observability.RecordAggregationFailure()
		s.onError(err)
		return
	}
	s.onNext(result)
}

func (s *subscription) close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.cancelAll()
}

// compute runs one range query per open challenge concurrently. Any failure fails the batch.
func (c *Calculator) compute(ctx context.Context, userID string, list []domain.ChallengeMembership) ([]domain.ChallengeProgress, error) {
	out := decorate(list)
	g, gctx := errgroup.WithContext(ctx)
	for i := range out {
		if out[i].IsCompleted {
			continue
		}
		i := i
		membership := out[i].ChallengeMembership
		g.Go(func() error {
			entries, err := c.activities.QueryActivity(gctx, userID, membership.StartDate, membership.EndDate)
			observability.RecordRangeQuery(err)
			if err != nil {
				return &domain.PartialAggregationError{
					ChallengeID: membership.ChallengeID,
					Err:         domain.Upstream("query activity", userID, err),
				}
			}
			out[i].CalculatedProgress = SumMeters(entries)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// decorate copies memberships into progress records. Completed challenges keep a calculated
// progress of zero; tracking stops once a challenge is complete.
func decorate(list []domain.ChallengeMembership) []domain.ChallengeProgress {
	out := make([]domain.ChallengeProgress, len(list))
	for i, m := range list {
		out[i] = domain.ChallengeProgress{ChallengeMembership: m}
	}
	return out
}

func needsQueries(list []domain.ChallengeMembership) bool {
	for _, m := range list {
		if !m.IsCompleted {
			return true
		}
	}
	return false
}

// SumMeters totals the distance of entries without unit conversion.
func SumMeters(entries []domain.ActivityEntry) float64 {
	var total float64
	for _, e := range entries {
		total += e.DistanceMeters
	}
	return total
}
