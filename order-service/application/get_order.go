package application

import (
	"context"
	"time"

	"github.com/draftea/order-saga/order-service/domain"
	"github.com/draftea/order-saga/shared/models"
	"github.com/draftea/order-saga/shared/saga"
	"github.com/pkg/errors"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// OrderResponse is the order projection of a saga
type OrderResponse struct {
	ID                string     `json:"id"`
	CustomerEmail     string     `json:"customer_email"`
	ProductName       string     `json:"product_name"`
	Quantity          int        `json:"quantity"`
	TotalAmount       float64    `json:"total_amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	TrackingNumber    *string    `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SagaResponse is the full saga instance
type SagaResponse struct {
	CorrelationID     string     `json:"correlation_id"`
	OrderID           string     `json:"order_id"`
	CurrentState      string     `json:"current_state"`
	CustomerEmail     string     `json:"customer_email"`
	ProductName       string     `json:"product_name"`
	Quantity          int        `json:"quantity"`
	TotalAmount       float64    `json:"total_amount"`
	Currency          string     `json:"currency"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	TrackingNumber    *string    `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int        `json:"version"`
}

// GetOrder reads order projections from the saga store
type GetOrder struct {
	repository domain.SagaRepository
}

// NewGetOrder creates a new GetOrder use case
func NewGetOrder(repository domain.SagaRepository) *GetOrder {
	return &GetOrder{repository: repository}
}

// ByOrderID returns the order or domain.ErrSagaNotFound
func (uc *GetOrder) ByOrderID(ctx context.Context, orderID string) (*OrderResponse, error) {
	id, err := models.NewID(orderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrSagaNotFound, "invalid order ID")
	}

	instance, err := uc.repository.FindByOrderID(ctx, id)
	if err != nil {
		return nil, saga.StoreUnavailable(err, "failed to find order")
	}
	if instance == nil {
		return nil, domain.ErrSagaNotFound
	}

	return toOrderResponse(instance), nil
}

// SagaByCorrelationID returns the saga or domain.ErrSagaNotFound
func (uc *GetOrder) SagaByCorrelationID(ctx context.Context, correlationID string) (*SagaResponse, error) {
	id, err := models.NewID(correlationID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrSagaNotFound, "invalid correlation ID")
	}

	instance, err := uc.repository.FindByCorrelationID(ctx, id)
	if err != nil {
		return nil, saga.StoreUnavailable(err, "failed to find saga")
	}
	if instance == nil {
		return nil, domain.ErrSagaNotFound
	}

	return toSagaResponse(instance), nil
}

// List returns the most recent orders, newest first
func (uc *GetOrder) List(ctx context.Context, limit int) ([]*OrderResponse, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	instances, err := uc.repository.ListRecent(ctx, limit)
	if err != nil {
		return nil, saga.StoreUnavailable(err, "failed to list orders")
	}

	orders := make([]*OrderResponse, 0, len(instances))
	for _, instance := range instances {
		orders = append(orders, toOrderResponse(instance))
	}
	return orders, nil
}

func toOrderResponse(s *domain.OrderSaga) *OrderResponse {
	return &OrderResponse{
		ID:                s.OrderID.String(),
		CustomerEmail:     s.CustomerEmail,
		ProductName:       s.ProductName,
		Quantity:          s.Quantity,
		TotalAmount:       s.TotalAmount.Decimal(),
		Currency:          s.TotalAmount.Currency,
		Status:            s.CurrentState.String(),
		FailureReason:     s.FailureReason,
		TrackingNumber:    s.TrackingNumber,
		EstimatedDelivery: s.EstimatedDelivery,
		CreatedAt:         s.Timestamps.CreatedAt,
		UpdatedAt:         s.Timestamps.UpdatedAt,
	}
}

func toSagaResponse(s *domain.OrderSaga) *SagaResponse {
	return &SagaResponse{
		CorrelationID:     s.CorrelationID.String(),
		OrderID:           s.OrderID.String(),
		CurrentState:      s.CurrentState.String(),
		CustomerEmail:     s.CustomerEmail,
		ProductName:       s.ProductName,
		Quantity:          s.Quantity,
		TotalAmount:       s.TotalAmount.Decimal(),
		Currency:          s.TotalAmount.Currency,
		FailureReason:     s.FailureReason,
		TrackingNumber:    s.TrackingNumber,
		EstimatedDelivery: s.EstimatedDelivery,
		CreatedAt:         s.Timestamps.CreatedAt,
		UpdatedAt:         s.Timestamps.UpdatedAt,
		Version:           s.Version.Value,
	}
}
