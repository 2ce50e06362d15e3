package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"example.com/magnifisica/internal/auth"
	"example.com/magnifisica/internal/challenges"
	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/persistence/memory"
	"example.com/magnifisica/internal/subcache"
	"example.com/magnifisica/internal/testsupport"
	"example.com/magnifisica/internal/weekly"
)

var now = time.Date(2025, time.October, 29, 15, 30, 0, 0, time.UTC)

type fixture struct {
	mux     *http.ServeMux
	service *domain.Service
	cache   *subcache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := func() time.Time { return now }
	store := memory.NewStore()

	cfg := subcache.DefaultConfig()
	cfg.KeepAlive = 20 * time.Millisecond
	cache := subcache.New(
		weekly.NewAggregator(store, weekly.WithClock(clock), weekly.WithLocation(time.UTC)),
		challenges.NewCalculator(store, store),
		subcache.WithConfig(cfg), subcache.WithLogger(logger), subcache.WithClock(clock),
	)
	t.Cleanup(cache.Close)

	service := domain.NewService(store, store, cache, domain.WithServiceLogger(logger), domain.WithClock(clock))
	mux := http.NewServeMux()
	NewHandler(service, cache, WithLogger(logger), WithFetchTimeout(time.Second)).RegisterRoutes(mux)
	return &fixture{mux: mux, service: service, cache: cache}
}

func claimsFor(subject string, scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	return &auth.Claims{Subject: subject, Scopes: set, ExpiresAt: now.Add(time.Hour)}
}

func (f *fixture) do(method, path string, body any, claims *auth.Claims) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func meters(v float64) *float64 { return &v }

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.service.JoinChallenge(ctx, domain.JoinChallengeInput{
		UserID:         "u1",
		ChallengeID:    "october-10k",
		Title:          "October 10k",
		StartDate:      time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, time.October, 31, 23, 59, 59, 0, time.UTC),
		TargetDistance: meters(10000),
	})
	require.NoError(t, err)
	for _, meters := range []float64{2000, 3000, 4000} {
		_, err := f.service.RecordActivity(ctx, domain.RecordActivityInput{UserID: "u1", RecordedAt: now.Add(-time.Hour), DistanceMeters: meters})
		require.NoError(t, err)
	}
}

func TestFetchProfile(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rr := f.do(http.MethodGet, "/v1/users/u1/profile", nil, claimsFor("u1", auth.ScopeProfilesRead))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var profile ProfileView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &profile))
	require.Equal(t, 9.0, profile.WeeklyActivity.TotalKm)
	require.Equal(t, "Wed", profile.WeeklyActivity.DayLabels[6])
	require.Len(t, profile.Challenges, 1)
	require.Equal(t, 9000.0, profile.Challenges[0].CalculatedProgress)
}

func TestFetchWeeklyAndChallenges(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	claims := claimsFor("u1", auth.ScopeProfilesRead)

	rr := f.do(http.MethodGet, "/v1/users/u1/weekly", nil, claims)
	require.Equal(t, http.StatusOK, rr.Code)
	var histogram WeeklyView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &histogram))
	require.Len(t, histogram.DayTotalsKm, domain.DaysInWeek)

	rr = f.do(http.MethodGet, "/v1/users/u1/challenges", nil, claims)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []ChallengeView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "october-10k", list[0].ChallengeID)
}

func TestFetchAuthorization(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/users/u1/profile", nil, nil).Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/users/u1/profile", nil, claimsFor("u1", auth.ScopeActivitiesWrite)).Code)
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/users/u1/profile", nil, claimsFor("u2", auth.ScopeProfilesRead)).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/users/u1/settings", nil, claimsFor("u1", auth.ScopeProfilesRead)).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/users/u1/weekly", nil, claimsFor("admin", auth.ScopeProfilesRead, auth.ScopeCacheAdmin)).Code)
}

func TestRecordActivity(t *testing.T) {
	f := newFixture(t)
	claims := claimsFor("u1", auth.ScopeActivitiesWrite)

	rr := f.do(http.MethodPost, "/v1/users/u1/activities", RecordActivityRequest{DistanceMeters: 0}, claims)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "validation_failed")

	rr = f.do(http.MethodPost, "/v1/users/u1/activities", RecordActivityRequest{RecordedAt: now, DistanceMeters: 1500}, claims)
	require.Equal(t, http.StatusCreated, rr.Code)
	var view ActivityView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.NotEmpty(t, view.EntryID)
	require.Equal(t, "u1", view.UserID)

	h, err := f.cache.FetchWeeklyOnce(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 1.5, h.TotalKm())
}

func TestChallengeMutations(t *testing.T) {
	f := newFixture(t)
	claims := claimsFor("u1", auth.ScopeChallengesWrite)
	join := JoinChallengeRequest{
		ChallengeID: "half",
		Title:       "Half marathon month",
		StartDate:   time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC),
	}

	rr := f.do(http.MethodPost, "/v1/users/u1/challenges", join, claims)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created ChallengeView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Nil(t, created.TargetDistance)

	require.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/v1/users/u1/challenges", join, claims).Code)

	bad := join
	bad.ChallengeID = "backwards"
	bad.EndDate = bad.StartDate
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/users/u1/challenges", bad, claims).Code)

	complete := "/v1/users/u1/challenges/" + created.MembershipID + "/complete"
	require.Equal(t, http.StatusNoContent, f.do(http.MethodPost, complete, CompleteChallengeRequest{StoredProgress: 21097}, claims).Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/v1/users/u1/challenges/missing/complete", CompleteChallengeRequest{}, claims).Code)

	list, err := f.cache.FetchChallengesOnce(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].IsCompleted)
	require.Zero(t, list[0].CalculatedProgress)
	require.Equal(t, 21097.0, list[0].StoredProgress)
}

func TestInvalidateEndpoint(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/v1/cache/invalidate", InvalidateRequest{Target: "all"}, claimsFor("u1", auth.ScopeProfilesRead)).Code)

	admin := claimsFor("ops", auth.ScopeCacheAdmin)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/cache/invalidate", InvalidateRequest{Target: "weekly"}, admin).Code)
	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/cache/invalidate", InvalidateRequest{Target: "everything", UserID: "u1"}, admin).Code)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/v1/cache/invalidate", InvalidateRequest{Target: "weekly", UserID: "nobody"}, admin).Code)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/v1/cache/invalidate", InvalidateRequest{Target: "all"}, admin).Code)
}

func TestPrefetchEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	claims := claimsFor("u1", auth.ScopeProfilesRead)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/v1/users/u1/prefetch", PrefetchRequest{Kinds: []string{"bogus"}}, claims).Code)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/v1/users/u1/prefetch", PrefetchRequest{Kinds: []string{"weekly"}}, claims).Code)

	require.Eventually(t, func() bool {
		h, ok := f.cache.CachedWeekly("u1")
		return ok && h.TotalKm() == 9.0
	}, testsupport.WaitTimeout, 5*time.Millisecond)
}

func TestStreamPushesUpdates(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	withClaims := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mux.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claimsFor("u1", auth.ScopeProfilesRead))))
	})
	server := httptest.NewServer(withClaims)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/users/u1/profile/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type profileFrame struct {
		Type string      `json:"type"`
		Kind string      `json:"kind"`
		Data ProfileView `json:"data"`
	}
	read := func() profileFrame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(testsupport.WaitTimeout)))
		var frame profileFrame
		require.NoError(t, conn.ReadJSON(&frame))
		return frame
	}

	first := read()
	require.Equal(t, FrameSnapshot, first.Type)
	require.Equal(t, "profile", first.Kind)
	require.Equal(t, 9.0, first.Data.WeeklyActivity.TotalKm)

	_, err = f.service.RecordActivity(context.Background(), domain.RecordActivityInput{UserID: "u1", RecordedAt: now, DistanceMeters: 1000})
	require.NoError(t, err)

	for {
		frame := read()
		require.Equal(t, FrameSnapshot, frame.Type)
		if frame.Data.WeeklyActivity.TotalKm == 10.0 && frame.Data.Challenges[0].CalculatedProgress == 10000.0 {
			break
		}
	}
}
