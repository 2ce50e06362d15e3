// Package api exposes HTTP handlers for the profile service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"example.com/magnifisica/internal/auth"
	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/subcache"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithFetchTimeout bounds how long a one-shot read waits for the first value.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		h.fetchTimeout = timeout
	}
}

// WithAllowedOrigins restricts websocket upgrades to the given origins. Empty allows any.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		h.origins = origins
	}
}

// Handler coordinates HTTP requests with the domain service and the subscription cache.
type Handler struct {
	service      *domain.Service
	cache        *subcache.Cache
	logger       logrus.FieldLogger
	fetchTimeout time.Duration
	origins      []string
	upgrader     websocket.Upgrader
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, cache *subcache.Cache, opts ...Option) *Handler {
	h := &Handler{
		service:      service,
		cache:        cache,
		logger:       logrus.StandardLogger(),
		fetchTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithField("component", "api")
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/users/{userID}/{kind}", h.fetch)
	mux.HandleFunc("GET /v1/users/{userID}/{kind}/stream", h.stream)
	mux.HandleFunc("POST /v1/users/{userID}/activities", h.recordActivity)
	mux.HandleFunc("POST /v1/users/{userID}/challenges", h.joinChallenge)
	mux.HandleFunc("POST /v1/users/{userID}/challenges/{membershipID}/complete", h.completeChallenge)
	mux.HandleFunc("POST /v1/users/{userID}/prefetch", h.prefetch)
	mux.HandleFunc("POST /v1/cache/invalidate", h.invalidate)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// authorize checks the caller holds scope and may act on userID. It writes the error response
// itself.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, userID, scope string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return false
	}
	if userID != "" && !claims.CanAccessUser(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot access another user's data")
		return false
	}
	return true
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	kind, ok := subcache.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return
	}
	if !h.authorize(w, r, userID, auth.ScopeProfilesRead) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.fetchTimeout)
	defer cancel()

	var (
		payload any
		err     error
	)
	switch kind {
	case subcache.KindProfile:
		var snapshot domain.ProfileSnapshot
		snapshot, err = h.cache.FetchProfileOnce(ctx, userID)
		payload = toProfileView(snapshot)
	case subcache.KindWeekly:
		var histogram domain.WeeklyHistogram
		histogram, err = h.cache.FetchWeeklyOnce(ctx, userID)
		payload = toWeeklyView(histogram)
	case subcache.KindChallenges:
		var list []domain.ChallengeProgress
		list, err = h.cache.FetchChallengesOnce(ctx, userID)
		payload = toChallengeViews(list)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) recordActivity(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if !h.authorize(w, r, userID, auth.ScopeActivitiesWrite) {
		return
	}

	var req RecordActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	entry, err := h.service.RecordActivity(r.Context(), domain.RecordActivityInput{
		UserID:         userID,
		RecordedAt:     req.RecordedAt,
		DistanceMeters: req.DistanceMeters,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ActivityView{
		EntryID:        entry.ID,
		UserID:         entry.UserID,
		RecordedAt:     entry.RecordedAt,
		DistanceMeters: entry.DistanceMeters,
	})
}

func (h *Handler) joinChallenge(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if !h.authorize(w, r, userID, auth.ScopeChallengesWrite) {
		return
	}

	var req JoinChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	membership, err := h.service.JoinChallenge(r.Context(), domain.JoinChallengeInput{
		UserID:         userID,
		ChallengeID:    req.ChallengeID,
		Title:          req.Title,
		Description:    req.Description,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		TargetDistance: req.TargetDistance,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChallengeView(domain.ChallengeProgress{ChallengeMembership: *membership}))
}

func (h *Handler) completeChallenge(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if !h.authorize(w, r, userID, auth.ScopeChallengesWrite) {
		return
	}

	var req CompleteChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	if err := h.service.CompleteChallenge(r.Context(), userID, r.PathValue("membershipID"), req.StoredProgress); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) prefetch(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if !h.authorize(w, r, userID, auth.ScopeProfilesRead) {
		return
	}

	var req PrefetchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
			return
		}
	}
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = []string{string(subcache.KindProfile)}
	}
	for _, raw := range kinds {
		kind, ok := subcache.ParseKind(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_failed", "unknown kind "+raw)
			return
		}
		if err := h.cache.Prefetch(kind, userID); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, "", auth.ScopeCacheAdmin) {
		return
	}

	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	scope, err := req.Scope()
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	h.cache.Invalidate(scope)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *domain.UpstreamQueryError
	var partial *domain.PartialAggregationError
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrMembershipNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrAlreadyJoined):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "no value available in time")
	case errors.As(err, &partial), errors.As(err, &upstream):
		h.logger.WithError(err).WithField("path", r.URL.Path).Warn("upstream failure")
		writeError(w, http.StatusBadGateway, "upstream_failed", err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
