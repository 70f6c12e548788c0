package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paysync/internal/model"
	"paysync/internal/service"
)

const (
	maxWebhookBody   = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

type Handler struct {
	svc    service.WebhookService
	logger *slog.Logger
}

func NewHandler(svc service.WebhookService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "http")}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /webhooks/payments", h.Webhook)
	mux.HandleFunc("GET /admin/dead-letters", h.DeadLetters)
	mux.HandleFunc("POST /admin/dead-letters/{eventID}/requeue", h.Requeue)
	mux.HandleFunc("GET /admin/transactions/{id}/allocations", h.Allocations)
	mux.HandleFunc("GET /v1/users/{id}/transactions", h.UserTransactions)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type webhookResponse struct {
	Received         bool     `json:"received"`
	Processed        bool     `json:"processed"`
	Duplicate        bool     `json:"duplicate,omitempty"`
	Ignored          bool     `json:"ignored,omitempty"`
	StoredForRetry   bool     `json:"stored_for_retry,omitempty"`
	InvalidationKeys []string `json:"invalidation_keys,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Webhook acknowledges a provider delivery. Bad signatures and undecodable
// bodies get 400 so the provider stops retrying; handler failures get 500
// so it retries alongside the internal retry queue.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("Stripe-Signature")
	}
	if signature == "" {
		h.respondError(w, http.StatusBadRequest, "missing_signature")
		return
	}

	res, err := h.svc.Ingest(r.Context(), body, signature)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res.Rejected {
		h.respondError(w, http.StatusBadRequest, res.Err.Error())
		return
	}
	if res.Err != nil {
		h.respondJSON(w, http.StatusInternalServerError, webhookResponse{
			Received:       true,
			Processed:      false,
			StoredForRetry: res.StoredForRetry,
			Error:          res.Err.Error(),
		})
		return
	}

	h.respondJSON(w, http.StatusOK, webhookResponse{
		Received:         true,
		Processed:        true,
		Duplicate:        res.Duplicate,
		Ignored:          res.Ignored,
		InvalidationKeys: res.InvalidationKeys,
	})
}

func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	recs, err := h.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if recs == nil {
		recs = []model.RetryRecord{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"dead_letters": recs})
}

func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	if err := h.svc.Requeue(r.Context(), eventID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found")
			return
		}
		h.logger.Error("requeue failed", "event_id", eventID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "requeued", "event_id": eventID})
}

func (h *Handler) Allocations(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("id")
	allocs, err := h.svc.Allocations(r.Context(), txID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found")
			return
		}
		h.logger.Error("list allocations failed", "transaction_id", txID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	if allocs == nil {
		allocs = []model.FundAllocation{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"transaction_id": txID, "allocations": allocs})
}

func (h *Handler) UserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	txs, err := h.svc.TransactionsByOwner(r.Context(), userID)
	if err != nil {
		h.logger.Error("list transactions failed", "user_id", userID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "transactions": txs})
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		h.respondError(w, http.StatusBadRequest, "invalid_limit")
		return 0, false
	}
	return n, true
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
