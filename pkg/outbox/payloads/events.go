package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// PaymentEvent is the payload of every payment.* event.
type PaymentEvent struct {
	PaymentID         uuid.UUID             `json:"payment_id"`
	OrderID           uuid.UUID             `json:"order_id"`
	CustomerID        uuid.UUID             `json:"customer_id"`
	Provider          enums.PaymentProvider `json:"provider"`
	Amount            int64                 `json:"amount"`
	Currency          string                `json:"currency"`
	Status            enums.PaymentStatus   `json:"status"`
	TransactionID     string                `json:"transaction_id,omitempty"`
	FailureReason     string                `json:"failure_reason,omitempty"`
	RefundedAmount    int64                 `json:"refunded_amount,omitempty"`
	InstallmentPlanID *uuid.UUID            `json:"installment_plan_id,omitempty"`
}

// EscrowEvent is the payload of every escrow.* event.
type EscrowEvent struct {
	EscrowID  uuid.UUID           `json:"escrow_id"`
	PaymentID uuid.UUID           `json:"payment_id"`
	OrderID   uuid.UUID           `json:"order_id"`
	Amount    int64               `json:"amount"`
	Currency  string              `json:"currency"`
	Status    enums.EscrowStatus  `json:"status"`
	HoldUntil time.Time           `json:"hold_until"`
	Reason    string              `json:"reason,omitempty"`
	Winner    enums.DisputeWinner `json:"winner,omitempty"`
}

// RefundEvent is the payload of refund.* events.
type RefundEvent struct {
	RefundID         uuid.UUID          `json:"refund_id"`
	PaymentID        uuid.UUID          `json:"payment_id"`
	EscrowID         *uuid.UUID         `json:"escrow_id,omitempty"`
	Amount           int64              `json:"amount"`
	Currency         string             `json:"currency"`
	Status           enums.RefundStatus `json:"status"`
	ProviderRefundID string             `json:"provider_refund_id,omitempty"`
	FailureReason    string             `json:"failure_reason,omitempty"`
}

// InstallmentPlanEvent is the payload of installment_plan.* events.
type InstallmentPlanEvent struct {
	PlanID       uuid.UUID        `json:"plan_id"`
	OrderID      uuid.UUID        `json:"order_id"`
	CustomerID   uuid.UUID        `json:"customer_id"`
	TotalAmount  int64            `json:"total_amount"`
	Installments int              `json:"installments"`
	PaidCount    int              `json:"paid_count"`
	Status       enums.PlanStatus `json:"status"`
}

// OrderDeliveredEvent is consumed from the order service.
type OrderDeliveredEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// OrderCancelledEvent is consumed from the order service.
type OrderCancelledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	CancelledAt time.Time `json:"cancelled_at"`
	Reason      string    `json:"reason,omitempty"`
}
