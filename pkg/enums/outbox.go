package enums

import "fmt"

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregatePayment         OutboxAggregateType = "payment"
	AggregateEscrow          OutboxAggregateType = "escrow"
	AggregateRefund          OutboxAggregateType = "refund"
	AggregateInstallmentPlan OutboxAggregateType = "installment_plan"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregatePayment,
	AggregateEscrow,
	AggregateRefund,
	AggregateInstallmentPlan,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventPaymentCreated           OutboxEventType = "payment.created"
	EventPaymentCompleted         OutboxEventType = "payment.completed"
	EventPaymentFailed            OutboxEventType = "payment.failed"
	EventPaymentCancelled         OutboxEventType = "payment.cancelled"
	EventPaymentRefunded          OutboxEventType = "payment.refunded"
	EventEscrowHeld               OutboxEventType = "escrow.held"
	EventEscrowReleased           OutboxEventType = "escrow.released"
	EventEscrowRefunded           OutboxEventType = "escrow.refunded"
	EventEscrowDisputed           OutboxEventType = "escrow.disputed"
	EventRefundCompleted          OutboxEventType = "refund.completed"
	EventRefundFailed             OutboxEventType = "refund.failed"
	EventInstallmentPlanCompleted OutboxEventType = "installment_plan.completed"
	EventInstallmentPlanDefaulted OutboxEventType = "installment_plan.defaulted"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPaymentCreated,
	EventPaymentCompleted,
	EventPaymentFailed,
	EventPaymentCancelled,
	EventPaymentRefunded,
	EventEscrowHeld,
	EventEscrowReleased,
	EventEscrowRefunded,
	EventEscrowDisputed,
	EventRefundCompleted,
	EventRefundFailed,
	EventInstallmentPlanCompleted,
	EventInstallmentPlanDefaulted,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// OrderEventType names the order service events this service consumes.
type OrderEventType string

const (
	OrderEventDelivered OrderEventType = "order.delivered"
	OrderEventCancelled OrderEventType = "order.cancelled"
)
