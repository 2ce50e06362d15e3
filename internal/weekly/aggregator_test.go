package weekly

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/testsupport"
)

var (
	// Wednesday afternoon.
	fixedNow = time.Date(2025, time.October, 29, 15, 30, 0, 0, time.UTC)
	clock    = func() time.Time { return fixedNow }
)

func TestDayBoundariesAndLabels(t *testing.T) {
	boundaries := DayBoundaries(fixedNow, time.UTC)

	require.Equal(t, time.Date(2025, time.October, 23, 0, 0, 0, 0, time.UTC), boundaries[0])
	require.Equal(t, time.Date(2025, time.October, 29, 0, 0, 0, 0, time.UTC), boundaries[6])
	require.Equal(t, [7]string{"Thu", "Fri", "Sat", "Sun", "Mon", "Tue", "Wed"}, DayLabels(boundaries))
}

func TestDayBoundariesFollowLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 15:30 UTC is already Thursday 01:30 in UTC+10.
	boundaries := DayBoundaries(fixedNow, loc)

	require.Equal(t, time.Date(2025, time.October, 30, 0, 0, 0, 0, loc), boundaries[6])
	require.Equal(t, "Thu", DayLabels(boundaries)[6])
}

func TestBuildSameDayEntriesShareBucket(t *testing.T) {
	boundaries := DayBoundaries(fixedNow, time.UTC)
	day := boundaries[3]
	entries := []domain.ActivityEntry{
		testsupport.Entry("u1", day, 2000),
		testsupport.Entry("u1", day.Add(11*time.Hour), 3000),
		testsupport.Entry("u1", day.Add(23*time.Hour+59*time.Minute), 4000),
	}

	hist := Build(entries, boundaries, DayLabels(boundaries))

	require.InDelta(t, 9.0, hist.DayTotalsKm[3], 1e-9)
	for i, total := range hist.DayTotalsKm {
		if i != 3 {
			require.Zero(t, total, "bucket %d", i)
		}
	}
}

func TestBuildConservesDistance(t *testing.T) {
	boundaries := DayBoundaries(fixedNow, time.UTC)
	var entries []domain.ActivityEntry
	var meters float64
	for i := 0; i < 40; i++ {
		at := boundaries[0].Add(time.Duration(i) * 4 * time.Hour)
		if at.After(fixedNow) {
			break
		}
		d := float64(250 * (i + 1))
		meters += d
		entries = append(entries, testsupport.Entry("u1", at, d))
	}

	hist := Build(entries, boundaries, DayLabels(boundaries))

	require.InDelta(t, meters/1000, hist.TotalKm(), 1e-9)
}

func TestBuildBoundaryTieGoesToRecentBucket(t *testing.T) {
	boundaries := DayBoundaries(fixedNow, time.UTC)
	entries := []domain.ActivityEntry{
		testsupport.Entry("u1", boundaries[5], 1000),
		testsupport.Entry("u1", boundaries[5].Add(-time.Nanosecond), 500),
		testsupport.Entry("u1", boundaries[0].Add(-time.Second), 9999),
	}

	hist := Build(entries, boundaries, DayLabels(boundaries))

	require.InDelta(t, 1.0, hist.DayTotalsKm[5], 1e-9)
	require.InDelta(t, 0.5, hist.DayTotalsKm[4], 1e-9)
	require.InDelta(t, 1.5, hist.TotalKm(), 1e-9, "entries before the window are ignored")
}

func TestSourceRecomputesOnEveryEmission(t *testing.T) {
	store := testsupport.NewActivityStore()
	agg := NewAggregator(store, WithClock(clock), WithLocation(time.UTC))

	var got []domain.WeeklyHistogram
	cancel := agg.Source("u1").Open(func(h domain.WeeklyHistogram) { got = append(got, h) }, func(err error) {
		t.Fatalf("unexpected error: %v", err)
	})
	defer cancel()

	require.Equal(t, []time.Time{time.Date(2025, time.October, 23, 0, 0, 0, 0, time.UTC)}, store.Watches())

	today := fixedNow.Add(-time.Hour)
	first := []domain.ActivityEntry{testsupport.Entry("u1", today, 1500)}
	store.Feed("u1").Next(first)
	store.Feed("u1").Next(append(first, testsupport.Entry("u1", today, 500)))

	require.Len(t, got, 2)
	require.InDelta(t, 1.5, got[0].DayTotalsKm[6], 1e-9)
	require.InDelta(t, 2.0, got[1].DayTotalsKm[6], 1e-9, "full result sets replace, not accumulate")
}

func TestSourceEmptyFeedYieldsZeroHistogram(t *testing.T) {
	store := testsupport.NewActivityStore()
	agg := NewAggregator(store, WithClock(clock), WithLocation(time.UTC))

	var got []domain.WeeklyHistogram
	cancel := agg.Source("u1").Open(func(h domain.WeeklyHistogram) { got = append(got, h) }, func(error) {})
	defer cancel()
	store.Feed("u1").Next(nil)

	require.Len(t, got, 1)
	require.Equal(t, [7]float64{}, got[0].DayTotalsKm)
	require.Equal(t, "Wed", got[0].DayLabels[6])
}

func TestSourceSurfacesFeedErrorAndStops(t *testing.T) {
	store := testsupport.NewActivityStore()
	agg := NewAggregator(store, WithClock(clock), WithLocation(time.UTC))

	var (
		values int
		errs   []error
	)
	cancel := agg.Source("u1").Open(func(domain.WeeklyHistogram) { values++ }, func(err error) { errs = append(errs, err) })

	boom := errors.New("listener closed")
	store.Feed("u1").Error(boom)
	store.Feed("u1").Next(nil)

	require.Zero(t, values)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
	var upstream *domain.UpstreamQueryError
	require.ErrorAs(t, errs[0], &upstream)
	require.Equal(t, "u1", upstream.UserID)

	require.NotPanics(t, func() {
		cancel()
		cancel()
	})
}

func TestSourceCancelDetachesFeed(t *testing.T) {
	store := testsupport.NewActivityStore()
	agg := NewAggregator(store, WithClock(clock), WithLocation(time.UTC))

	cancel := agg.Source("u1").Open(func(domain.WeeklyHistogram) {}, func(error) {})
	require.Equal(t, 1, store.Feed("u1").Subscribers())
	cancel()
	cancel()
	require.Zero(t, store.Feed("u1").Subscribers())
	require.Equal(t, 1, store.Feed("u1").Cancels())
}
