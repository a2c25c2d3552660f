package domain

// OrderStatus is the ledger-side status of an order
type OrderStatus string

const (
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusFulfilled  OrderStatus = "fulfilled"
	OrderStatusFailed     OrderStatus = "failed"
)

// IsValid checks if the order status is valid
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusInProgress, OrderStatusPaid, OrderStatusFulfilled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a status transition is valid.
// failed is recoverable: a new payment attempt may move it back to in_progress or straight to paid.
func (s OrderStatus) CanTransitionTo(newStatus OrderStatus) bool {
	switch s {
	case "", OrderStatusInProgress:
		return newStatus == OrderStatusPaid ||
			newStatus == OrderStatusFailed ||
			newStatus == OrderStatusInProgress
	case OrderStatusFailed:
		return newStatus == OrderStatusInProgress ||
			newStatus == OrderStatusPaid ||
			newStatus == OrderStatusFailed
	case OrderStatusPaid:
		return newStatus == OrderStatusFulfilled
	case OrderStatusFulfilled:
		return false // Terminal
	default:
		return false
	}
}

// EventType marks where in its lifecycle a forwarded order is
type EventType string

const (
	EventOrderPartial  EventType = "order.partial"
	EventOrderComplete EventType = "order.complete"
)

// IsValid checks if the event type is known
func (e EventType) IsValid() bool {
	return e == EventOrderPartial || e == EventOrderComplete
}

// PrintMethod is how a print area is decorated
type PrintMethod string

const (
	PrintMethodPrint PrintMethod = "print"
	PrintMethodEmbo  PrintMethod = "embo"
)

// LifecycleStage is the furthest pipeline step an order reached in one request.
// Stages are derived per request; the only persisted state is the ledger status.
type LifecycleStage string

const (
	StageDraft         LifecycleStage = "draft"
	StageLedgerEnsured LifecycleStage = "ledger_ensured"
	StageUploadsPlaced LifecycleStage = "uploads_placed"
	StageValidated     LifecycleStage = "validated"
	StageForwarded     LifecycleStage = "forwarded"
	StagePaid          LifecycleStage = "paid"
	StagePaymentFailed LifecycleStage = "payment_failed"
)
