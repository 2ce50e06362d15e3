package profile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/feed"
	"example.com/magnifisica/internal/testsupport"
)

func histogram(todayKm float64) domain.WeeklyHistogram {
	h := domain.WeeklyHistogram{DayLabels: [7]string{"Thu", "Fri", "Sat", "Sun", "Mon", "Tue", "Wed"}}
	h.DayTotalsKm[6] = todayKm
	return h
}

func progress(id string, meters float64) []domain.ChallengeProgress {
	return []domain.ChallengeProgress{{
		ChallengeMembership: domain.ChallengeMembership{ChallengeID: id},
		CalculatedProgress:  meters,
	}}
}

func TestMergeRequiresBothSlots(t *testing.T) {
	h := histogram(1)
	list := progress("a", 10)

	_, ready := merge(slots{})
	require.False(t, ready)
	_, ready = merge(slots{weekly: &h})
	require.False(t, ready)
	_, ready = merge(slots{challenges: &list})
	require.False(t, ready)

	snapshot, ready := merge(slots{weekly: &h, challenges: &list})
	require.True(t, ready)
	require.Equal(t, h, snapshot.WeeklyActivity)
	require.Equal(t, list, snapshot.Challenges)
}

func TestEmptyChallengeListCountsAsDelivered(t *testing.T) {
	h := histogram(0)
	empty := []domain.ChallengeProgress{}

	snapshot, ready := merge(slots{weekly: &h, challenges: &empty})
	require.True(t, ready)
	require.NotNil(t, snapshot.Challenges)
}

func TestAggregateWaitsForBothFeeds(t *testing.T) {
	for _, weeklyFirst := range []bool{true, false} {
		weekly := feed.NewColdSubject[domain.WeeklyHistogram]()
		challenges := feed.NewColdSubject[[]domain.ChallengeProgress]()
		rec := &testsupport.Recorder[domain.ProfileSnapshot]{}

		cancel := NewAggregate(weekly, challenges).Open(rec.OnNext, rec.OnError)

		if weeklyFirst {
			weekly.Next(histogram(2))
			require.Empty(t, rec.Values())
			challenges.Next(progress("a", 500))
		} else {
			challenges.Next(progress("a", 500))
			require.Empty(t, rec.Values())
			weekly.Next(histogram(2))
		}

		values := rec.Values()
		require.Len(t, values, 1)
		require.Equal(t, 2.0, values[0].WeeklyActivity.DayTotalsKm[6])
		require.Equal(t, 500.0, values[0].Challenges[0].CalculatedProgress)
		cancel()
	}
}

func TestAggregateReusesOtherSlotOnUpdate(t *testing.T) {
	weekly := feed.NewColdSubject[domain.WeeklyHistogram]()
	challenges := feed.NewColdSubject[[]domain.ChallengeProgress]()
	rec := &testsupport.Recorder[domain.ProfileSnapshot]{}

	cancel := NewAggregate(weekly, challenges).Open(rec.OnNext, rec.OnError)
	defer cancel()

	weekly.Next(histogram(1))
	challenges.Next(progress("a", 100))
	weekly.Next(histogram(3))
	challenges.Next(progress("a", 250))
	challenges.Next(progress("b", 900))

	values := rec.Values()
	require.Len(t, values, 4)
	require.Equal(t, 3.0, values[1].WeeklyActivity.DayTotalsKm[6])
	require.Equal(t, 100.0, values[1].Challenges[0].CalculatedProgress)
	require.Equal(t, 3.0, values[2].WeeklyActivity.DayTotalsKm[6])
	require.Equal(t, 250.0, values[2].Challenges[0].CalculatedProgress)
	require.Equal(t, "b", values[3].Challenges[0].ChallengeID)
	require.Equal(t, 3.0, values[3].WeeklyActivity.DayTotalsKm[6])
}

func TestAggregateHandlesSynchronousReplay(t *testing.T) {
	weekly := feed.NewSubject[domain.WeeklyHistogram]()
	challenges := feed.NewSubject[[]domain.ChallengeProgress]()
	weekly.Next(histogram(4))
	challenges.Next(progress("a", 1))

	rec := &testsupport.Recorder[domain.ProfileSnapshot]{}
	cancel := NewAggregate(weekly, challenges).Open(rec.OnNext, rec.OnError)
	defer cancel()

	require.Len(t, rec.Values(), 1)
}

func TestCancelReleasesBothFeedsOnce(t *testing.T) {
	weekly := feed.NewColdSubject[domain.WeeklyHistogram]()
	challenges := feed.NewColdSubject[[]domain.ChallengeProgress]()
	rec := &testsupport.Recorder[domain.ProfileSnapshot]{}

	cancel := NewAggregate(weekly, challenges).Open(rec.OnNext, rec.OnError)
	cancel()
	cancel()

	require.Equal(t, 1, weekly.Cancels())
	require.Equal(t, 1, challenges.Cancels())
	require.Zero(t, weekly.Subscribers())
	require.Zero(t, challenges.Subscribers())

	weekly.Next(histogram(1))
	challenges.Next(progress("a", 1))
	require.Empty(t, rec.Values())
}

func TestCancelFromInsideCallback(t *testing.T) {
	weekly := feed.NewColdSubject[domain.WeeklyHistogram]()
	challenges := feed.NewColdSubject[[]domain.ChallengeProgress]()

	var cancel feed.Cancel
	calls := 0
	cancel = NewAggregate(weekly, challenges).Open(func(domain.ProfileSnapshot) {
		calls++
		cancel()
	}, func(error) {})

	weekly.Next(histogram(1))
	challenges.Next(progress("a", 1))
	weekly.Next(histogram(2))

	require.Equal(t, 1, calls)
	require.Equal(t, 1, weekly.Cancels())
	require.Equal(t, 1, challenges.Cancels())
}

func TestErrorFromEitherFeedIsForwarded(t *testing.T) {
	weekly := feed.NewColdSubject[domain.WeeklyHistogram]()
	challenges := feed.NewColdSubject[[]domain.ChallengeProgress]()
	rec := &testsupport.Recorder[domain.ProfileSnapshot]{}

	cancel := NewAggregate(weekly, challenges).Open(rec.OnNext, rec.OnError)

	weekly.Next(histogram(1))
	challenges.Next(progress("a", 1))
	boom := errors.New("memberships unavailable")
	challenges.Error(boom)
	weekly.Next(histogram(5))

	require.Len(t, rec.Values(), 1, "no snapshot from the healthy feed alone")
	errs := rec.Errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)

	require.NotPanics(t, func() {
		cancel()
		cancel()
	})
	require.Equal(t, 1, weekly.Cancels())
}
