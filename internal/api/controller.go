package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Marketen/credentials-indexer/internal/application/domain"
	"github.com/Marketen/credentials-indexer/internal/application/ports"
	"github.com/Marketen/credentials-indexer/internal/logger"
)

// QueueReporter is the read side of the consolidation queue.
type QueueReporter interface {
	ActiveConsolidations(ctx context.Context) ([]domain.PendingConsolidation, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

type Controller struct {
	Store    ports.HistoryReader
	Queue    QueueReporter
	Gatherer prometheus.Gatherer

	startTime time.Time
	now       func() time.Time
}

// NewController returns a new controller.
func NewController(store ports.HistoryReader, queue QueueReporter, gatherer prometheus.Gatherer) *Controller {
	return &Controller{
		Store:     store,
		Queue:     queue,
		Gatherer:  gatherer,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/consolidations/active", c.HandleActiveConsolidations).Methods(http.MethodGet)
	r.HandleFunc("/validators/{id}/history", c.HandleValidatorHistory).Methods(http.MethodGet)
	r.HandleFunc("/queue/stats", c.HandleQueueStats).Methods(http.MethodGet)

	return r
}

type healthResponse struct {
	Status            string `json:"status"`
	Database          string `json:"database"`
	Uptime            string `json:"uptime,omitempty"`
	LastProcessedSlot uint64 `json:"lastProcessedSlot"`
	LagStatus         string `json:"lagStatus,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
}

// HandleHealth reports database connectivity and pipeline progress.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := c.Store.Ping(ctx); err != nil {
		logger.Warn("Health check: database ping failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "error", Database: "disconnected"})
		return
	}
	slot, found, err := c.Store.LastProcessedSlot(ctx)
	if err != nil {
		logger.Warn("Health check: reading progress marker failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "error", Database: "disconnected"})
		return
	}

	lag := "Initializing"
	if found && slot > 0 {
		lag = fmt.Sprintf("Processing slot %d", slot)
	}
	now := c.now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Database:          "connected",
		Uptime:            fmt.Sprintf("%.0f seconds", now.Sub(c.startTime).Seconds()),
		LastProcessedSlot: uint64(slot),
		LagStatus:         lag,
		Timestamp:         now.UTC().Format(time.RFC3339),
	})
}

// HandleActiveConsolidations passes through the node's pending consolidation queue.
func (c *Controller) HandleActiveConsolidations(w http.ResponseWriter, r *http.Request) {
	pending, err := c.Queue.ActiveConsolidations(r.Context())
	if err != nil {
		logger.Error("Failed to fetch active consolidations from Beacon API: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch active consolidations.")
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleValidatorHistory lists every stored event naming the validator.
func (c *Controller) HandleValidatorHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid validator index.")
		return
	}

	history, err := c.Store.ValidatorHistory(r.Context(), domain.ValidatorIndex(id))
	if err != nil {
		logger.Error("Failed to fetch validator history: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch validator history.")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type queueStatsResponse struct {
	QueueLength       int     `json:"queueLength"`
	EstimatedWaitTime string  `json:"estimatedWaitTime"`
	ChurnRatePerDay   float64 `json:"churnRatePerDay"`
}

// HandleQueueStats reports the consolidation queue length and wait estimate.
func (c *Controller) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.Queue.Stats(r.Context())
	if err != nil {
		logger.Error("Failed to fetch queue statistics from Beacon API: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch queue statistics.")
		return
	}
	writeJSON(w, http.StatusOK, queueStatsResponse{
		QueueLength:       stats.QueueLength,
		EstimatedWaitTime: fmt.Sprintf("%.2f minutes", stats.EstimatedWaitMinutes),
		ChurnRatePerDay:   stats.ChurnRatePerDay,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}
