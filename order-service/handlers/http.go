package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/draftea/order-saga/order-service/application"
	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// OrderHandlers contains order HTTP handlers
type OrderHandlers struct {
	submitOrder *application.SubmitOrder
	getOrder    *application.GetOrder
	store       Pinger
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	submitOrder *application.SubmitOrder,
	getOrder *application.GetOrder,
	store Pinger,
) *OrderHandlers {
	return &OrderHandlers{
		submitOrder: submitOrder,
		getOrder:    getOrder,
		store:       store,
	}
}

// SubmitOrder handles order submission requests. The response only confirms
// that the saga was started.
func (h *OrderHandlers) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.SubmitOrderCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	response, err := h.submitOrder.Execute(r.Context(), &cmd)
	if err != nil {
		var validationErr *application.ValidationError
		switch {
		case errors.As(err, &validationErr):
			writeError(w, http.StatusBadRequest, "Invalid order", validationErr.Fields)
		case errors.Is(err, saga.ErrTransportUnavailable):
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("order submission failed")
			writeError(w, http.StatusServiceUnavailable, "Order could not be submitted, try again later", nil)
		default:
			writeError(w, http.StatusInternalServerError, err.Error(), nil)
		}
		return
	}

	w.Header().Set("Location", "/orders/"+response.OrderID)
	writeJSON(w, http.StatusAccepted, response)
}

// GetOrder handles order retrieval requests
func (h *OrderHandlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	response, err := h.getOrder.ByOrderID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeQueryError(w, r, err, "Order not found")
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// ListOrders handles order listing requests
func (h *OrderHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	response, err := h.getOrder.List(r.Context(), limit)
	if err != nil {
		h.writeQueryError(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// GetSaga handles saga state requests
func (h *OrderHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	response, err := h.getOrder.SagaByCorrelationID(r.Context(), chi.URLParam(r, "correlationId"))
	if err != nil {
		h.writeQueryError(w, r, err, "Saga not found")
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// Health reports liveness
func (h *OrderHandlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// Ready reports whether the saga store is reachable
func (h *OrderHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.SubmitOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
	})
	r.Get("/sagas/{correlationId}", h.GetSaga)
}

func (h *OrderHandlers) writeQueryError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, domain.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, notFound, nil)
		return
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Msg("query failed")
	if errors.Is(err, saga.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", nil)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), nil)
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, fields map[string]string) {
	writeJSON(w, status, errorResponse{Error: message, Fields: fields})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
