package core

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"adsingest/internal/types"
)

// defaultRequestTimeout bounds handler work. A triggered pass only claims
// and dispatches; workers run detached from the request.
const defaultRequestTimeout = 30 * time.Second

// MountRoutes registers middleware and routes.
//
// Ordering: Recoverer is outermost, then the request timeout, request id and
// logger.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/health", s.HandleHealth)
	s.router.Get("/live", s.HandleLive)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/accounts/{accountID}/run", s.HandleRunAccount)
		if s.Tuples != nil {
			r.Get("/tuples/{tupleID}", s.HandleGetTuple)
		}
	})
}

// HandleLive reports process liveness without touching dependencies.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, healthResponse{Status: "alive"})
}

// HandleRunAccount runs one scheduling pass for the account in the path.
// It responds 202 once due tuples have been claimed and dispatched.
func (s *Server) HandleRunAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	res, err := s.Runner.RunOne(r.Context(), accountID, s.Now())
	if err != nil {
		s.Logger.ErrorContext(r.Context(), "triggered pass failed",
			"account_id", accountID,
			"request_id", types.GetRequestID(r.Context()),
			"error", err,
		)
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: res})
}

// HandleGetTuple returns one report tuple by id.
func (s *Server) HandleGetTuple(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tupleID"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "tuple id must be a positive integer", nil))
		return
	}
	t, err := s.Tuples.Get(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: tupleView(t)})
}

type tupleResponse struct {
	ID                  int64      `json:"id"`
	AccountID           string     `json:"account_id"`
	CountryCode         string     `json:"country_code"`
	PeriodStart         string     `json:"period_start"`
	Aggregation         string     `json:"aggregation"`
	EntityType          string     `json:"entity_type"`
	Status              string     `json:"status"`
	Refreshing          bool       `json:"refreshing"`
	ReportID            *string    `json:"report_id,omitempty"`
	LastReportCreatedAt *string    `json:"last_report_created_at,omitempty"`
	NextRefreshAt       *time.Time `json:"next_refresh_at,omitempty"`
	Error               *string    `json:"error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// tupleView renders naive local values without a zone suffix.
func tupleView(t *types.ReportTuple) tupleResponse {
	resp := tupleResponse{
		ID:            t.ID,
		AccountID:     t.AccountID,
		CountryCode:   t.CountryCode,
		PeriodStart:   t.PeriodStart.Format("2006-01-02T15:04:05"),
		Aggregation:   string(t.Aggregation),
		EntityType:    string(t.EntityType),
		Status:        string(t.Status),
		Refreshing:    t.Refreshing,
		ReportID:      t.ReportID,
		NextRefreshAt: t.NextRefreshAt,
		Error:         t.Error,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.LastReportCreatedAt != nil {
		s := t.LastReportCreatedAt.Format("2006-01-02T15:04:05")
		resp.LastReportCreatedAt = &s
	}
	return resp
}
