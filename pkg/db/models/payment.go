package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// Payment is a single provider-backed charge for an order or installment.
type Payment struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID             `gorm:"column:order_id;type:uuid;not null"`
	CustomerID        uuid.UUID             `gorm:"column:customer_id;type:uuid;not null"`
	PayeeAccountID    *string               `gorm:"column:payee_account_id"`
	Amount            int64                 `gorm:"column:amount;not null"`
	Currency          string                `gorm:"column:currency;not null"`
	Provider          enums.PaymentProvider `gorm:"column:provider;not null"`
	ProviderIntentID  *string               `gorm:"column:provider_intent_id"`
	Status            enums.PaymentStatus   `gorm:"column:status;not null;default:'pending'"`
	TransactionID     *string               `gorm:"column:transaction_id"`
	InstallmentPlanID *uuid.UUID            `gorm:"column:installment_plan_id;type:uuid"`
	InstallmentSeq    *int                  `gorm:"column:installment_seq"`
	RefundedAmount    int64                 `gorm:"column:refunded_amount;not null;default:0"`
	InFlightOp        *string               `gorm:"column:in_flight_op"`
	FailureReason     *string               `gorm:"column:failure_reason"`
	Version           int64                 `gorm:"column:version;not null;default:1"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt       *time.Time            `gorm:"column:completed_at"`

	Splits []PaymentSplit `gorm:"foreignKey:PaymentID;references:ID"`
}

// RefundableAmount is what remains after completed refunds.
func (p *Payment) RefundableAmount() int64 {
	if p == nil {
		return 0
	}
	return p.Amount - p.RefundedAmount
}

// PaymentSplit assigns part of a payment to a recipient account.
type PaymentSplit struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID   uuid.UUID `gorm:"column:payment_id;type:uuid;not null"`
	RecipientID string    `gorm:"column:recipient_id;not null"`
	Amount      int64     `gorm:"column:amount;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}
