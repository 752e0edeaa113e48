package events

import (
	"time"

	"github.com/draftea/order-saga/shared/models"
)

// Every payload carries the correlation id so consumers can route replies
// without reading the envelope.

type OrderSubmittedData struct {
	OrderID       models.ID    `json:"order_id"`
	CorrelationID models.ID    `json:"correlation_id"`
	CustomerEmail string       `json:"customer_email"`
	ProductName   string       `json:"product_name"`
	Quantity      int          `json:"quantity"`
	TotalAmount   models.Money `json:"total_amount"`
}

type ReserveStockData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
}

type StockReservedData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
}

type StockReservationFailedData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
	Reason        string    `json:"reason"`
}

type ProcessPaymentData struct {
	OrderID       models.ID    `json:"order_id"`
	CorrelationID models.ID    `json:"correlation_id"`
	CustomerEmail string       `json:"customer_email"`
	Amount        models.Money `json:"amount"`
}

type PaymentCompletedData struct {
	OrderID       models.ID    `json:"order_id"`
	CorrelationID models.ID    `json:"correlation_id"`
	CustomerEmail string       `json:"customer_email"`
	Amount        models.Money `json:"amount"`
	TransactionID string       `json:"transaction_id"`
}

type PaymentFailedData struct {
	OrderID       models.ID    `json:"order_id"`
	CorrelationID models.ID    `json:"correlation_id"`
	CustomerEmail string       `json:"customer_email"`
	Amount        models.Money `json:"amount"`
	Reason        string       `json:"reason"`
}

type ArrangeShippingData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	CustomerEmail string    `json:"customer_email"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
}

type ShippingArrangedData struct {
	OrderID           models.ID `json:"order_id"`
	CorrelationID     models.ID `json:"correlation_id"`
	TrackingNumber    string    `json:"tracking_number"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

type ReleaseStockData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
	Reason        string    `json:"reason"`
}

type StockReleasedData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
}

type OrderCompletedData struct {
	OrderID        models.ID `json:"order_id"`
	CorrelationID  models.ID `json:"correlation_id"`
	TrackingNumber string    `json:"tracking_number"`
}

type OrderFailedData struct {
	OrderID       models.ID `json:"order_id"`
	CorrelationID models.ID `json:"correlation_id"`
	Reason        string    `json:"reason"`
}
