// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// AdminRouter returns the admin API handler:
//
//	GET  /api/status            service and store state
//	POST /api/scan[?full=true]  start a backfill run
//	GET  /metrics               Prometheus metrics
func (mc *MirrorConnector) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(mc.adminMetrics.middleware)
	r.Get("/api/status", mc.HandleStatus)
	r.Post("/api/scan", mc.HandleScan)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(mc.Registry, promhttp.HandlerOpts{}))
	return r
}

// HandleStatus is an HTTP handler for GET /api/status.
func (mc *MirrorConnector) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := mc.Status(r.Context())
	if err != nil {
		mc.log.Error().Err(err).Msg("Failed to collect status")
		mc.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	mc.writeJSON(w, http.StatusOK, status)
}

// HandleScan is an HTTP handler for POST /api/scan. It starts a backfill run
// in the background and responds 202, or 409 if a run is active.
func (mc *MirrorConnector) HandleScan(w http.ResponseWriter, r *http.Request) {
	full := false
	if raw := r.URL.Query().Get("full"); raw != "" {
		var err error
		full, err = strconv.ParseBool(raw)
		if err != nil {
			mc.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid full parameter"})
			return
		}
	}

	mc.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Bool("full", full).
		Msg("Backfill requested")

	err := mc.Scan(full)
	switch {
	case errors.Is(err, mirror.ErrBackfillRunning):
		mc.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		mc.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		mc.writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "full": full})
	}
}

func (mc *MirrorConnector) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		mc.log.Warn().Err(err).Msg("Failed to write admin response")
	}
}

type adminMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func newAdminMetrics(reg prometheus.Registerer) *adminMetrics {
	factory := promauto.With(reg)
	return &adminMetrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mirror",
			Name:      "admin_request_duration_seconds",
			Help:      "Duration of admin API requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirror",
			Name:      "admin_requests_total",
			Help:      "Total number of admin API requests.",
		}, []string{"path", "method", "status"}),
	}
}

func (am *adminMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Label by route pattern, not raw path.
		path := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
			path = routeCtx.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		am.duration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		am.requests.WithLabelValues(path, r.Method, status).Inc()
	})
}
