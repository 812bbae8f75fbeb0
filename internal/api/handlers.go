// Package api exposes the operator HTTP surface: create-and-send, cancel,
// retry, and campaign stats. The authoring UI in front of it is a separate
// system; this is the engine's entry point.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lumencrm/delivery-engine/internal/service/campaign"
)

// WorkerStats reports queue worker counters, when a worker runs in-process.
type WorkerStats interface {
	Stats() map[string]int64
}

// Handlers contains the operator API HTTP handlers.
type Handlers struct {
	campaigns *campaign.Service
	worker    WorkerStats
}

// NewHandlers creates the operator API handlers. worker may be nil when the
// queue worker runs in its own binary.
func NewHandlers(campaigns *campaign.Service, worker WorkerStats) *Handlers {
	return &Handlers{campaigns: campaigns, worker: worker}
}

// HandleCreateAndSend creates a campaign and sends or enqueues it.
func (h *Handlers) HandleCreateAndSend(w http.ResponseWriter, r *http.Request) {
	var input campaign.SendInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := h.campaigns.CreateAndSend(r.Context(), input)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, receipt)
}

// HandleGetCampaign returns a single campaign.
func (h *Handlers) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// HandleListCampaigns returns campaigns, newest first.
func (h *Handlers) HandleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": list,
		"total":     total,
	})
}

// HandleCancel cancels a scheduled campaign.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	removed, err := h.campaigns.Cancel(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled":     true,
		"items_removed": removed,
	})
}

// HandleRetryFailed resets failed queue items for one campaign, or for all
// campaigns at /retry-failed.
func (h *Handlers) HandleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var id int64
	if raw := chi.URLParam(r, "id"); raw != "" {
		var ok bool
		if id, ok = pathID(w, r); !ok {
			return
		}
	}
	n, err := h.campaigns.RetryFailed(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items_reset": n})
}

// HandleStats returns campaign counters plus queue depth.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	stats, err := h.campaigns.GetStats(r.Context(), id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleWorkerStats returns queue worker counters.
func (h *Handlers) HandleWorkerStats(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"running": false})
		return
	}
	respondJSON(w, http.StatusOK, h.worker.Stats())
}

// HealthCheck reports service liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrCannotCancel),
		errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrMissingSubject),
		errors.Is(err, campaign.ErrMissingContent),
		errors.Is(err, campaign.ErrScheduleInPast):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
