package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"lsmnet/internal/domain"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
	"lsmnet/pkg/validator"
)

type ObligationRepository interface {
	Create(ctx context.Context, ob *domain.Obligation) error
	ListByParticipant(ctx context.Context, participant string, currency domain.Currency) ([]domain.Obligation, error)
}

type AccountRepository interface {
	FindByParticipant(ctx context.Context, participant string, currency domain.Currency) (*domain.Account, error)
	ApprovePledge(ctx context.Context, participant string, currency domain.Currency, amount decimal.Decimal) error
}

// ParticipantHandler serves the obligation and account queries operators
// use around a netting run.
type ParticipantHandler struct {
	obligations ObligationRepository
	accounts    AccountRepository
	validator   *validator.Validator
	logger      logger.Logger
}

func NewParticipantHandler(obligations ObligationRepository, accounts AccountRepository, val *validator.Validator, log logger.Logger) *ParticipantHandler {
	return &ParticipantHandler{obligations: obligations, accounts: accounts, validator: val, logger: log}
}

func (h *ParticipantHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/obligations", h.ListObligations).Methods("GET")
	r.HandleFunc("/api/v1/obligations", h.CreateObligation).Methods("POST")
	r.HandleFunc("/api/v1/accounts/{participant}", h.GetAccount).Methods("GET")
	r.HandleFunc("/api/v1/accounts/{participant}/pledges", h.ApprovePledge).Methods("POST")
}

func (h *ParticipantHandler) ListObligations(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	currency := r.URL.Query().Get("currency")
	if participant == "" || currency == "" {
		h.respondError(w, http.StatusBadRequest, "participant and currency are required")
		return
	}

	obligations, err := h.obligations.ListByParticipant(r.Context(), participant, domain.Currency(currency))
	if err != nil {
		h.logger.Error("Failed to list obligations", map[string]interface{}{"error": err.Error()})
		h.respondError(w, http.StatusInternalServerError, "Failed to list obligations")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"obligations": obligations,
		"count":       len(obligations),
	})
}

type createObligationRequest struct {
	Debtor   string          `json:"debtor" validate:"required,min=1,max=64"`
	Creditor string          `json:"creditor" validate:"required,min=1,max=64"`
	Amount   decimal.Decimal `json:"amount" validate:"positive_amount"`
	Currency string          `json:"currency" validate:"required,len=3"`
}

// CreateObligation records a bilaterally agreed obligation. The agreement
// protocol itself runs between the participants; this is the bookkeeping
// surface.
func (h *ParticipantHandler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req createObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}
	if req.Debtor == req.Creditor {
		h.respondError(w, http.StatusBadRequest, "Debtor and creditor must differ")
		return
	}

	ob := &domain.Obligation{
		Debtor:   req.Debtor,
		Creditor: req.Creditor,
		Amount:   req.Amount,
		Currency: domain.Currency(req.Currency),
	}
	if err := h.obligations.Create(r.Context(), ob); err != nil {
		h.logger.Error("Failed to create obligation", map[string]interface{}{"error": err.Error()})
		h.respondError(w, http.StatusInternalServerError, "Failed to create obligation")
		return
	}

	h.respondJSON(w, http.StatusCreated, ob)
}

func (h *ParticipantHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	participant := mux.Vars(r)["participant"]
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		h.respondError(w, http.StatusBadRequest, "currency is required")
		return
	}

	account, err := h.accounts.FindByParticipant(r.Context(), participant, domain.Currency(currency))
	if err != nil {
		if errors.Is(err, errors.ErrParticipantNotFound) {
			h.respondError(w, http.StatusNotFound, "Participant not found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Failed to fetch account")
		return
	}

	h.respondJSON(w, http.StatusOK, account)
}

type approvePledgeRequest struct {
	Amount   decimal.Decimal `json:"amount" validate:"positive_amount"`
	Currency string          `json:"currency" validate:"required,len=3"`
}

func (h *ParticipantHandler) ApprovePledge(w http.ResponseWriter, r *http.Request) {
	participant := mux.Vars(r)["participant"]

	var req approvePledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if errs := h.validator.ValidateStructured(&req); errs != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	if err := h.accounts.ApprovePledge(r.Context(), participant, domain.Currency(req.Currency), req.Amount); err != nil {
		if errors.Is(err, errors.ErrParticipantNotFound) {
			h.respondError(w, http.StatusNotFound, "Participant not found")
			return
		}
		h.logger.Error("Failed to approve pledge", map[string]interface{}{
			"participant": participant,
			"error":       err.Error(),
		})
		h.respondError(w, http.StatusInternalServerError, "Failed to approve pledge")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "pledged"})
}

func (h *ParticipantHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (h *ParticipantHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
