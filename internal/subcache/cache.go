// Package subcache shares live feeds between subscribers. Entries are keyed by data kind and
// user; each holds the last value, a reference-counted upstream subscription and the timers
// that govern freshness, the keep-alive grace window and retention.
package subcache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/observability"
	"example.com/magnifisica/internal/profile"
)

// WeeklySource produces a user's weekly histogram feed.
type WeeklySource interface {
	Source(userID string) feed.Source[domain.WeeklyHistogram]
}

// ChallengeSource produces a user's challenge progress feed.
type ChallengeSource interface {
	Source(userID string) feed.Source[[]domain.ChallengeProgress]
}

// Cache deduplicates live feeds per (kind, user). Profile entries are built from the weekly and
// challenge entries of the same cache, so they observe every invalidation of either.
type Cache struct {
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time

	weekly     *group[domain.WeeklyHistogram]
	challenges *group[[]domain.ChallengeProgress]
	profiles   *group[domain.ProfileSnapshot]
}

var _ domain.ViewInvalidator = (*Cache)(nil)

// New constructs a Cache over the given feed producers.
func New(weekly WeeklySource, challenges ChallengeSource, opts ...Option) *Cache {
	c := &Cache{
		cfg:    DefaultConfig(),
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "subcache")

	c.weekly = newGroup(KindWeekly, weekly.Source, c, c.cfg.MaxRetries)
	c.challenges = newGroup(KindChallenges, challenges.Source, c, c.cfg.MaxRetries)
	// The parts already retry, so profile errors go straight to subscribers.
	c.profiles = newGroup(KindProfile, func(userID string) feed.Source[domain.ProfileSnapshot] {
		return profile.NewAggregate(c.weekly.sourceFor(userID), c.challenges.sourceFor(userID))
	}, c, 0)
	return c
}

// SubscribeProfile attaches to userID's profile snapshot feed.
func (c *Cache) SubscribeProfile(userID string, onNext func(domain.ProfileSnapshot), onError func(error)) feed.Cancel {
	return c.profiles.subscribe(userID, onNext, onError)
}

// SubscribeWeekly attaches to userID's weekly histogram feed.
func (c *Cache) SubscribeWeekly(userID string, onNext func(domain.WeeklyHistogram), onError func(error)) feed.Cancel {
	return c.weekly.subscribe(userID, onNext, onError)
}

// SubscribeChallenges attaches to userID's challenge progress feed.
func (c *Cache) SubscribeChallenges(userID string, onNext func([]domain.ChallengeProgress), onError func(error)) feed.Cancel {
	return c.challenges.subscribe(userID, onNext, onError)
}

// FetchProfileOnce returns the first available profile snapshot and releases its slot.
func (c *Cache) FetchProfileOnce(ctx context.Context, userID string) (domain.ProfileSnapshot, error) {
	return c.profiles.fetchOnce(ctx, userID)
}

// FetchWeeklyOnce returns the first available weekly histogram and releases its slot.
func (c *Cache) FetchWeeklyOnce(ctx context.Context, userID string) (domain.WeeklyHistogram, error) {
	return c.weekly.fetchOnce(ctx, userID)
}

// FetchChallengesOnce returns the first available challenge list and releases its slot.
func (c *Cache) FetchChallengesOnce(ctx context.Context, userID string) ([]domain.ChallengeProgress, error) {
	return c.challenges.fetchOnce(ctx, userID)
}

// Invalidate marks the entries selected by scope stale. Live entries refresh and push the new
// value to their subscribers; dormant entries refetch on next subscribe. Keys that are not
// cached are ignored.
func (c *Cache) Invalidate(scope Scope) {
	observability.RecordInvalidation(scope.String())
	c.logger.WithFields(logrus.Fields{"scope": scope.String(), "user_id": scope.UserID()}).Debug("invalidating")

	// Profiles refresh through their parts, so the snapshot is only marked, and marked first:
	// a part may re-emit synchronously and the fresh snapshot must not be flagged afterwards.
	if scope.name == "all" {
		c.profiles.invalidateAll(false)
		c.weekly.invalidateAll(true)
		c.challenges.invalidateAll(true)
		return
	}
	c.profiles.invalidate(scope.userID, false)
	for _, kind := range scope.kinds {
		switch kind {
		case KindWeekly:
			c.weekly.invalidate(scope.userID, true)
		case KindChallenges:
			c.challenges.invalidate(scope.userID, true)
		}
	}
}

// Prefetch warms the entry for (kind, userID) without attaching a subscriber.
func (c *Cache) Prefetch(kind Kind, userID string) error {
	switch kind {
	case KindProfile:
		c.profiles.prefetch(userID)
	case KindWeekly:
		c.weekly.prefetch(userID)
	case KindChallenges:
		c.challenges.prefetch(userID)
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrValidation, kind)
	}
	return nil
}

// CachedWeekly returns the cached weekly histogram without subscribing.
func (c *Cache) CachedWeekly(userID string) (domain.WeeklyHistogram, bool) {
	return c.weekly.peek(userID)
}

// CachedChallenges returns the cached challenge list without subscribing.
func (c *Cache) CachedChallenges(userID string) ([]domain.ChallengeProgress, bool) {
	return c.challenges.peek(userID)
}

// ActivityChanged implements domain.ViewInvalidator.
func (c *Cache) ActivityChanged(userID string) {
	c.Invalidate(User(userID))
}

// MembershipsChanged implements domain.ViewInvalidator.
func (c *Cache) MembershipsChanged(userID string) {
	c.Invalidate(Challenges(userID))
}

// Close tears down every upstream and stops all timers. Subscriptions made afterwards receive
// nothing.
func (c *Cache) Close() {
	c.profiles.close()
	c.weekly.close()
	c.challenges.close()
}
