// Package handler exposes the netting pipeline over HTTP.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"lsmnet/internal/domain"
	"lsmnet/internal/netting"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
	"lsmnet/pkg/validator"
)

type NettingHandler struct {
	service   *netting.Service
	validator *validator.Validator
	logger    logger.Logger
}

func NewNettingHandler(service *netting.Service, val *validator.Validator, log logger.Logger) *NettingHandler {
	return &NettingHandler{service: service, validator: val, logger: log}
}

func (h *NettingHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/netting/run", h.RunNetting).Methods("POST")
	r.HandleFunc("/api/v1/netting/plans/{id}", h.GetPlan).Methods("GET")
	r.HandleFunc("/api/v1/netting/execute", h.ExecuteNetting).Methods("POST")
}

type runNettingRequest struct {
	SeedParticipant string `json:"seed_participant" validate:"required,min=1,max=64"`
	Currency        string `json:"currency" validate:"required,len=3"`
}

// RunNetting performs detection and planning and parks the plan for
// inspection. Nothing durable changes until the plan is executed.
func (h *NettingHandler) RunNetting(w http.ResponseWriter, r *http.Request) {
	var req runNettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	plan, err := h.service.RunNetting(r.Context(), req.SeedParticipant, domain.Currency(req.Currency))
	if err != nil {
		if errors.Is(err, errors.ErrNoObligationsFound) {
			// Nothing to net is a normal terminal state, not a failure.
			h.respondJSON(w, http.StatusOK, map[string]interface{}{
				"status": "nothing_to_net",
			})
			return
		}
		h.logger.Error("Netting run failed", map[string]interface{}{
			"seed":     req.SeedParticipant,
			"currency": req.Currency,
			"error":    err.Error(),
		})
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, plan)
}

// GetPlan returns a parked plan so an operator can inspect it before
// approving execution.
func (h *NettingHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid plan id")
		return
	}

	plan, err := h.service.Plan(id)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "Plan not found")
		return
	}
	h.respondJSON(w, http.StatusOK, plan)
}

type executeNettingRequest struct {
	PlanID string `json:"plan_id" validate:"required,uuid4"`
}

// ExecuteNetting commits a previously computed plan.
func (h *NettingHandler) ExecuteNetting(w http.ResponseWriter, r *http.Request) {
	var req executeNettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	planID, err := uuid.Parse(req.PlanID)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid plan id")
		return
	}

	result, err := h.service.ExecuteNetting(r.Context(), planID)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrPlanNotFound):
			h.respondError(w, http.StatusNotFound, "Plan not found")
		case errors.Is(err, errors.ErrSettlementAborted):
			// State moved since detection; the caller re-runs detection.
			h.respondError(w, http.StatusConflict, "Settlement aborted, re-run detection")
		case errors.Is(err, errors.ErrInvalidPlan):
			h.logger.Error("Invalid plan reached the executor", map[string]interface{}{
				"plan_id": req.PlanID,
				"error":   err.Error(),
			})
			h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("Settlement execution failed", map[string]interface{}{
				"plan_id": req.PlanID,
				"error":   err.Error(),
			})
			h.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

func (h *NettingHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (h *NettingHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
