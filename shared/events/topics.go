package events

// Order saga events
const (
	OrderSubmittedTopic         Topic = "order.submitted"
	StockReservedTopic          Topic = "stock.reserved"
	StockReservationFailedTopic Topic = "stock.reservation.failed"
	PaymentCompletedTopic       Topic = "payment.completed"
	PaymentFailedTopic          Topic = "payment.failed"
	ShippingArrangedTopic       Topic = "shipping.arranged"
	StockReleasedTopic          Topic = "stock.released"
	OrderCompletedTopic         Topic = "order.completed"
	OrderFailedTopic            Topic = "order.failed"
)

// Commands sent to the fulfillment workers
const (
	ReserveStockTopic    Topic = "stock.reserve.requested"
	ReleaseStockTopic    Topic = "stock.release.requested"
	ProcessPaymentTopic  Topic = "payment.process.requested"
	ArrangeShippingTopic Topic = "shipping.arrange.requested"
)

// SagaInboundTopics are the topics the saga engine consumes.
var SagaInboundTopics = []Topic{
	OrderSubmittedTopic,
	StockReservedTopic,
	StockReservationFailedTopic,
	PaymentCompletedTopic,
	PaymentFailedTopic,
	ShippingArrangedTopic,
	StockReleasedTopic,
}

// CommandTopics are the topics the fulfillment workers consume.
var CommandTopics = []Topic{
	ReserveStockTopic,
	ReleaseStockTopic,
	ProcessPaymentTopic,
	ArrangeShippingTopic,
}
