package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokenledger/internal/model"
	"tokenledger/internal/service"
)

type Handler struct {
	svc    service.LedgerService
	logger *slog.Logger
}

func NewHandler(svc service.LedgerService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cost", h.CalculateCost)
		r.Route("/accounts/{userID}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/daily-limit", h.GetDailyLimit)
			r.Get("/transactions", h.ListTransactions)
			r.Post("/check", h.CheckBalance)
			r.Post("/deduct", h.Deduct)
			r.Post("/credit", h.Credit)
			r.Post("/refund", h.Refund)
		})
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.svc.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, bal)
}

func (h *Handler) GetDailyLimit(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.GetDailyLimitInfo(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

func (h *Handler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	ok, err := h.svc.CheckBalance(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"allowed": ok})
}

func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req model.DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	req.UserID = chi.URLParam(r, "userID")
	entry, err := h.svc.DeductTokens(r.Context(), req)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req model.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	req.UserID = chi.URLParam(r, "userID")
	entry, err := h.svc.AddTokens(r.Context(), req)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, entry)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req model.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	req.UserID = chi.URLParam(r, "userID")
	entry, err := h.svc.RefundTokens(r.Context(), req)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, entry)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid_limit", "")
			return
		}
		limit = n
	}
	entries, err := h.svc.ListTransactions(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (h *Handler) CalculateCost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation string         `json:"operation"`
		Params    map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", "")
		return
	}
	tokens, err := h.svc.CalculateCostByKind(req.Operation, req.Params)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"operation": req.Operation, "tokens": tokens})
}

// respondFailure maps ledger errors onto HTTP statuses.
func (h *Handler) respondFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.respondError(w, status, err.Error(), model.ErrorCode(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrUnknownOperation),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidUser),
		errors.Is(err, model.ErrInvalidReason),
		errors.Is(err, model.ErrUnknownPlan),
		errors.Is(err, model.ErrNotRefundable):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyRefunded):
		return http.StatusConflict
	case errors.Is(err, model.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]string{"error": message}
	if code != "" {
		body["error_code"] = code
	}
	h.respondJSON(w, status, body)
}
