// Package api exposes the engine over HTTP: correlation queries, the
// anomaly feed, forecasts, incident lifecycle actions, and a risk preview
// endpoint for producers that want a score before ingesting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signalforgehq/signal-engine/internal/anomaly"
	"github.com/signalforgehq/signal-engine/internal/correlation"
	"github.com/signalforgehq/signal-engine/internal/forecast"
	"github.com/signalforgehq/signal-engine/internal/models"
	"github.com/signalforgehq/signal-engine/internal/risk"
	"github.com/signalforgehq/signal-engine/internal/utils"
)

// Correlator answers relatedness queries for a signal.
type Correlator interface {
	Correlate(ctx context.Context, signalID int64, k int, window time.Duration) ([]models.CorrelationResult, error)
	BuildGraph(ctx context.Context, centerID int64, depth, kPerNode, maxNodes int) (*models.CorrelationGraph, error)
}

// AnomalyFeed exposes the detector's recent event history.
type AnomalyFeed interface {
	RecentEvents() []anomaly.Event
}

// Forecaster produces metric projections on demand.
type Forecaster interface {
	ListMetricNames(ctx context.Context, lookback time.Duration, maxScan int) ([]string, error)
	Generate(ctx context.Context, metric string, horizon int, lookback time.Duration) (forecast.Result, error)
}

// IncidentStore is the slice of the store the incident endpoints need.
type IncidentStore interface {
	GetIncident(ctx context.Context, id int64) (*models.Incident, error)
	ListIncidents(ctx context.Context, status models.IncidentStatus) ([]models.Incident, error)
	UpdateIncident(ctx context.Context, inc *models.Incident) error
}

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	correlator Correlator
	anomalies  AnomalyFeed
	forecaster Forecaster
	incidents  IncidentStore
	scorer     *risk.Scorer
	logger     *slog.Logger
	latency    *utils.LatencyTracker
	started    time.Time
	now        func() time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(correlator Correlator, anomalies AnomalyFeed, forecaster Forecaster, incidents IncidentStore, scorer *risk.Scorer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		correlator: correlator,
		anomalies:  anomalies,
		forecaster: forecaster,
		incidents:  incidents,
		scorer:     scorer,
		logger:     logger,
		latency:    utils.NewLatencyTracker(1000),
		started:    time.Now(),
		now:        time.Now,
	}
}

// Router builds the chi router with all routes mounted.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.trackLatency)

	r.Get("/healthz", h.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/signals/{id}/correlations", h.handleCorrelations)
		r.Get("/signals/{id}/graph", h.handleGraph)
		r.Get("/anomalies/recent", h.handleRecentAnomalies)
		r.Get("/forecast", h.handleForecast)
		r.Get("/forecast/metrics", h.handleForecastMetrics)
		r.Get("/incidents", h.handleListIncidents)
		r.Get("/incidents/{id}", h.handleGetIncident)
		r.Post("/incidents/{id}/actions", h.handleIncidentAction)
		r.Post("/risk/preview", h.handleRiskPreview)
	})
	return r
}

func (h *Handlers) trackLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.latency.Observe(time.Since(start))
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"requests":       h.latency.Count(),
		"p95_ms":         h.latency.Percentile(95).Milliseconds(),
	})
}

func (h *Handlers) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	k := queryInt(r, "k", 0)
	windowHours := queryInt(r, "window_hours", 0)

	results, err := h.correlator.Correlate(r.Context(), id, k, time.Duration(windowHours)*time.Hour)
	if err != nil {
		if errors.Is(err, correlation.ErrSignalNotFound) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("signal %d not found", id))
			return
		}
		h.logger.Error("correlation query failed", slog.Int64("signal_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "correlation query failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"signal_id":    id,
		"correlations": results,
	})
}

func (h *Handlers) handleGraph(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	depth := queryInt(r, "depth", 0)
	kPerNode := queryInt(r, "k_per_node", 0)
	maxNodes := queryInt(r, "max_nodes", 0)

	graph, err := h.correlator.BuildGraph(r.Context(), id, depth, kPerNode, maxNodes)
	if err != nil {
		if errors.Is(err, correlation.ErrSignalNotFound) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("signal %d not found", id))
			return
		}
		h.logger.Error("graph build failed", slog.Int64("signal_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "graph build failed")
		return
	}
	respondJSON(w, http.StatusOK, graph)
}

func (h *Handlers) handleRecentAnomalies(w http.ResponseWriter, r *http.Request) {
	events := h.anomalies.RecentEvents()
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := utils.ParseRFC3339(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filtered := events[:0]
		for _, ev := range events {
			if !ev.DetectedAt.Before(since) {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []anomaly.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (h *Handlers) handleForecast(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		respondError(w, http.StatusBadRequest, "metric is required")
		return
	}
	horizon := queryInt(r, "horizon", 0)
	lookbackHours := queryInt(r, "lookback_hours", 0)

	result, err := h.forecaster.Generate(r.Context(), metric, horizon, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		h.logger.Error("forecast failed", slog.String("metric", metric), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "forecast failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleForecastMetrics(w http.ResponseWriter, r *http.Request) {
	names, err := h.forecaster.ListMetricNames(r.Context(), 0, 0)
	if err != nil {
		h.logger.Error("metric listing failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "metric listing failed")
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"metrics": names})
}

func (h *Handlers) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := models.IncidentStatus(r.URL.Query().Get("status"))
	list, err := h.incidents.ListIncidents(r.Context(), status)
	if err != nil {
		h.logger.Error("incident listing failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "incident listing failed")
		return
	}
	if list == nil {
		list = []models.Incident{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(list),
		"incidents": list,
	})
}

func (h *Handlers) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	inc, err := h.incidents.GetIncident(r.Context(), id)
	if err != nil {
		h.logger.Error("incident lookup failed", slog.Int64("incident_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "incident lookup failed")
		return
	}
	if inc == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("incident %d not found", id))
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type incidentActionRequest struct {
	Action string `json:"action"`
}

func (h *Handlers) handleIncidentAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req incidentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		respondError(w, http.StatusBadRequest, "body must be {\"action\": \"acknowledge|resolve|dismiss|reopen\"}")
		return
	}

	inc, err := h.incidents.GetIncident(r.Context(), id)
	if err != nil {
		h.logger.Error("incident lookup failed", slog.Int64("incident_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "incident lookup failed")
		return
	}
	if inc == nil {
		respondError(w, http.StatusNotFound, fmt.Sprintf("incident %d not found", id))
		return
	}

	if err := inc.Apply(models.IncidentAction(req.Action), h.now().UTC()); err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			respondError(w, http.StatusConflict, te.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.incidents.UpdateIncident(r.Context(), inc); err != nil {
		h.logger.Error("incident update failed", slog.Int64("incident_id", id), slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "incident update failed")
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

type riskPreviewRequest struct {
	Source         models.SignalSource `json:"source"`
	Metadata       map[string]any      `json:"metadata"`
	SentimentScore *float64            `json:"sentiment_score"`
	AnomalyScore   float64             `json:"anomaly_magnitude"`
	TicketVolume   float64             `json:"ticket_volume_spike"`
	Revenue        float64             `json:"revenue_deviation"`
	Engagement     float64             `json:"engagement_surge"`
}

func (h *Handlers) handleRiskPreview(w http.ResponseWriter, r *http.Request) {
	var req riskPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result := h.scorer.Score(risk.Inputs{
		SentimentScore:    req.SentimentScore,
		AnomalyMagnitude:  req.AnomalyScore,
		TicketVolumeSpike: req.TicketVolume,
		RevenueDeviation:  req.Revenue,
		EngagementSurge:   req.Engagement,
		Context:           risk.ResolveSourceContext(req.Source, req.Metadata),
	})
	respondJSON(w, http.StatusOK, result)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
