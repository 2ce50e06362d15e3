package api

import (
	"errors"
	"strings"
	"time"

	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/subcache"
)

// RecordActivityRequest is the payload for POST /v1/users/{userID}/activities.
type RecordActivityRequest struct {
	RecordedAt     time.Time `json:"recorded_at"`
	DistanceMeters float64   `json:"distance_meters"`
}

// JoinChallengeRequest is the payload for POST /v1/users/{userID}/challenges.
type JoinChallengeRequest struct {
	ChallengeID    string    `json:"challenge_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	TargetDistance *float64  `json:"target_distance,omitempty"`
}

// CompleteChallengeRequest carries the progress frozen at completion.
type CompleteChallengeRequest struct {
	StoredProgress float64 `json:"stored_progress"`
}

// PrefetchRequest lists the kinds to warm. Empty means the profile.
type PrefetchRequest struct {
	Kinds []string `json:"kinds"`
}

// InvalidateRequest selects cache entries to invalidate.
type InvalidateRequest struct {
	Target string `json:"scope"`
	UserID string `json:"user_id"`
}

// Scope converts the request to a cache scope.
func (r InvalidateRequest) Scope() (subcache.Scope, error) {
	if r.Target == "all" {
		return subcache.All(), nil
	}
	if strings.TrimSpace(r.UserID) == "" {
		return subcache.Scope{}, errors.New("user_id is required")
	}
	switch r.Target {
	case "user":
		return subcache.User(r.UserID), nil
	case "weekly":
		return subcache.Weekly(r.UserID), nil
	case "challenges":
		return subcache.Challenges(r.UserID), nil
	}
	return subcache.Scope{}, errors.New("scope must be one of all, user, weekly, challenges")
}

// ActivityView describes a stored activity entry.
type ActivityView struct {
	EntryID        string    `json:"entry_id"`
	UserID         string    `json:"user_id"`
	RecordedAt     time.Time `json:"recorded_at"`
	DistanceMeters float64   `json:"distance_meters"`
}

// WeeklyView is the seven-day histogram, oldest day first.
type WeeklyView struct {
	DayLabels   []string  `json:"day_labels"`
	DayTotalsKm []float64 `json:"day_totals_km"`
	TotalKm     float64   `json:"total_km"`
}

// ChallengeView is one membership with its progress.
type ChallengeView struct {
	MembershipID       string    `json:"membership_id"`
	ChallengeID        string    `json:"challenge_id"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	TargetDistance     *float64  `json:"target_distance,omitempty"`
	IsCompleted        bool      `json:"is_completed"`
	StoredProgress     float64   `json:"stored_progress"`
	CalculatedProgress float64   `json:"calculated_progress"`
	JoinedAt           time.Time `json:"joined_at"`
}

// ProfileView combines both parts of the profile screen.
type ProfileView struct {
	WeeklyActivity WeeklyView      `json:"weekly_activity"`
	Challenges     []ChallengeView `json:"challenges"`
}

func toWeeklyView(h domain.WeeklyHistogram) WeeklyView {
	return WeeklyView{
		DayLabels:   h.DayLabels[:],
		DayTotalsKm: h.DayTotalsKm[:],
		TotalKm:     h.TotalKm(),
	}
}

func toChallengeView(p domain.ChallengeProgress) ChallengeView {
	return ChallengeView{
		MembershipID:       p.ID,
		ChallengeID:        p.ChallengeID,
		Title:              p.Title,
		Description:        p.Description,
		StartDate:          p.StartDate,
		EndDate:            p.EndDate,
		TargetDistance:     p.TargetDistance,
		IsCompleted:        p.IsCompleted,
		StoredProgress:     p.StoredProgress,
		CalculatedProgress: p.CalculatedProgress,
		JoinedAt:           p.JoinedAt,
	}
}

func toChallengeViews(list []domain.ChallengeProgress) []ChallengeView {
	out := make([]ChallengeView, 0, len(list))
	for _, p := range list {
		out = append(out, toChallengeView(p))
	}
	return out
}

func toProfileView(s domain.ProfileSnapshot) ProfileView {
	return ProfileView{
		WeeklyActivity: toWeeklyView(s.WeeklyActivity),
		Challenges:     toChallengeViews(s.Challenges),
	}
}
