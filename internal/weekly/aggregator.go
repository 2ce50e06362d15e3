// Package weekly rolls a user's live activity feed into a trailing seven-day histogram.
package weekly

import (
	"sync"
	"time"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
)

const metersPerKm = 1000.0

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source used to place the day boundaries.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLocation sets the time zone whose midnights delimit the buckets.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// Aggregator builds WeeklyHistogram feeds on top of an ActivityStore.
type Aggregator struct {
	store domain.ActivityStore
	now   func() time.Time
	loc   *time.Location
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store domain.ActivityStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store: store,
		now:   time.Now,
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Source returns the live histogram feed for userID.
func (a *Aggregator) Source(userID string) feed.Source[domain.WeeklyHistogram] {
	return feed.SourceFunc[domain.WeeklyHistogram](func(onNext func(domain.WeeklyHistogram), onError func(error)) feed.Cancel {
		return a.open(userID, onNext, onError)
	})
}

func (a *Aggregator) open(userID string, onNext func(domain.WeeklyHistogram), onError func(error)) feed.Cancel {
	// Boundaries are fixed for the lifetime of this subscription.
	boundaries := DayBoundaries(a.now(), a.loc)
	labels := DayLabels(boundaries)

	var (
		mu     sync.Mutex
		failed bool
	)
	cancel := a.store.WatchActivity(userID, boundaries[0]).Open(
		func(entries []domain.ActivityEntry) {
			mu.Lock()
			defer mu.Unlock()
			if failed {
				return
			}
			onNext(Build(entries, boundaries, labels))
		},
		func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if failed {
				return
			}
			failed = true
			onError(domain.Upstream("watch activity", userID, err))
		},
	)
	return feed.Once(cancel)
}

// DayBoundaries returns the local midnights of today-6 through today, oldest first.
func DayBoundaries(now time.Time, loc *time.Location) [domain.DaysInWeek]time.Time {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var out [domain.DaysInWeek]time.Time
	for i := range out {
		// AddDate keeps wall-clock midnight across DST shifts.
		out[i] = today.AddDate(0, 0, i-(domain.DaysInWeek-1))
	}
	return out
}

// DayLabels returns the short weekday name of each boundary.
func DayLabels(boundaries [domain.DaysInWeek]time.Time) [domain.DaysInWeek]string {
	var out [domain.DaysInWeek]string
	for i, b := range boundaries {
		out[i] = b.Weekday().String()[:3]
	}
	return out
}

// Build computes a histogram from the complete entry set. Entries older than the first
// boundary are ignored.
func Build(entries []domain.ActivityEntry, boundaries [domain.DaysInWeek]time.Time, labels [domain.DaysInWeek]string) domain.WeeklyHistogram {
	hist := domain.WeeklyHistogram{DayLabels: labels}
	for _, entry := range entries {
		idx := bucketFor(entry.RecordedAt, boundaries)
		if idx < 0 {
			continue
		}
		hist.DayTotalsKm[idx] += entry.DistanceMeters / metersPerKm
	}
	return hist
}

// bucketFor scans from the most recent boundary back; ties go to the more recent bucket.
func bucketFor(ts time.Time, boundaries [domain.DaysInWeek]time.Time) int {
	for i := len(boundaries) - 1; i >= 0; i-- {
		if !ts.Before(boundaries[i]) {
			return i
		}
	}
	return -1
}
