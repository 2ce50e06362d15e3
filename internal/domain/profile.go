package domain

// DaysInWeek is the number of buckets in a WeeklyHistogram.
const DaysInWeek = 7

// WeeklyHistogram holds per-day distance totals for the trailing week. Index DaysInWeek-1 is
// today, index 0 is six days ago.
type WeeklyHistogram struct {
	DayLabels   [DaysInWeek]string
	DayTotalsKm [DaysInWeek]float64
}

// TotalKm sums all buckets.
func (h WeeklyHistogram) TotalKm() float64 {
	var total float64
	for _, v := range h.DayTotalsKm {
		total += v
	}
	return total
}

// ProfileSnapshot is the merged profile view. It is only ever produced with both parts set.
type ProfileSnapshot struct {
	WeeklyActivity WeeklyHistogram
	Challenges     []ChallengeProgress
}
