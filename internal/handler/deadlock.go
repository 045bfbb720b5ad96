package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"lsmnet/internal/domain"
	"lsmnet/internal/notify"
	"lsmnet/pkg/cache"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

// DeadlockHandler serves the latest deadlock record a participant was
// involved in, as written by the notifier.
type DeadlockHandler struct {
	cache  *cache.Cache
	logger logger.Logger
}

func NewDeadlockHandler(c *cache.Cache, log logger.Logger) *DeadlockHandler {
	return &DeadlockHandler{cache: c, logger: log}
}

func (h *DeadlockHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/deadlocks/{participant}", h.GetLatest).Methods("GET")
}

func (h *DeadlockHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	participant := mux.Vars(r)["participant"]

	var record domain.DeadlockRecord
	err := h.cache.Get(r.Context(), notify.LastRecordKey(participant), &record)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			h.respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "No deadlock on record",
			})
			return
		}
		h.logger.Error("Deadlock record lookup failed", map[string]interface{}{
			"participant": participant,
			"error":       err.Error(),
		})
		h.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.respondJSON(w, http.StatusOK, record)
}

func (h *DeadlockHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
