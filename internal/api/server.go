// Package api serves the read-only JSON surface used by the dashboards.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/store"
)

// staleAfter flags a station whose newest observation is older than this.
// Daily rows arrive once per local day, so anything past a day and a half is late.
const staleAfter = 36 * time.Hour

type Server struct {
	store *store.Store
	loc   *time.Location
	log   *slog.Logger
	now   func() time.Time
}

func NewServer(s *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store: s,
		loc:   s.Location(),
		log:   logger.With("component", "api"),
		now:   time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/stations", s.handleStations)
		api.Route("/stations/{id}", func(sr chi.Router) {
			sr.Get("/", s.handleStation)
			sr.Get("/observations", s.handleObservations)
			sr.Get("/indices", s.handleIndices)
			sr.Get("/aggregate", s.handleAggregate)
			sr.Get("/extremes", s.handleExtremes)
			sr.Get("/quality", s.handleQuality)
		})
		api.Get("/forecasts", s.handleForecasts)
		api.Get("/alerts", s.handleAlerts)
		api.Get("/models", s.handleModels)
		api.Get("/notifications/stats", s.handleNotificationStats)
		api.Get("/ingest/health", s.handleIngestHealth)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.WithCorrelationID(r.Context())
		if id, ok := logging.CorrelationID(ctx); ok {
			w.Header().Set("X-Correlation-ID", id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusOf(kind failure.Kind) int {
	switch kind {
	case failure.NotFound:
		return http.StatusNotFound
	case failure.ValidationRejected, failure.RangeViolation, failure.ConfigInvalid:
		return http.StatusBadRequest
	case failure.Cancelled, failure.Timeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := failure.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		logging.Failure(r.Context(), s.log, "request failed", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

type HealthStatus struct {
	Status           string          `json:"status"`
	MigrationVersion int             `json:"migration_version"`
	Stations         []StationHealth `json:"stations"`
	Errors           []string        `json:"errors,omitempty"`
}

type StationHealth struct {
	StationID  string     `json:"station_id"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	AgeMinutes int        `json:"age_minutes"`
	Stale      bool       `json:"stale"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stations, err := s.store.GetStations(ctx, true)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Errors: []string{err.Error()}})
		return
	}
	version, err := s.store.MigrationVersion()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "error", Errors: []string{err.Error()}})
		return
	}

	health := HealthStatus{
		Status:           "ok",
		MigrationVersion: version,
		Stations:         make([]StationHealth, 0, len(stations)),
	}
	now := s.now()
	for _, st := range stations {
		obs, err := s.store.Latest(ctx, st.StationID)
		if err != nil {
			health.Errors = append(health.Errors, st.StationID+": "+err.Error())
			continue
		}
		sh := StationHealth{StationID: st.StationID, Stale: true}
		if obs != nil {
			age := now.Sub(obs.Timestamp)
			seen := obs.Timestamp
			sh.LastSeen = &seen
			sh.AgeMinutes = int(age.Minutes())
			sh.Stale = age > staleAfter
		}
		if sh.Stale {
			health.Status = "degraded"
		}
		health.Stations = append(health.Stations, sh)
	}
	if len(health.Errors) > 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}
