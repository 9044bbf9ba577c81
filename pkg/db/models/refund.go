package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// Refund returns all or part of a completed payment to the customer.
type Refund struct {
	ID               uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID        uuid.UUID          `gorm:"column:payment_id;type:uuid;not null"`
	EscrowID         *uuid.UUID         `gorm:"column:escrow_id;type:uuid"`
	Amount           int64              `gorm:"column:amount;not null"`
	Currency         string             `gorm:"column:currency;not null"`
	Reason           string             `gorm:"column:reason;not null"`
	Status           enums.RefundStatus `gorm:"column:status;not null;default:'pending'"`
	RequestedBy      uuid.UUID          `gorm:"column:requested_by;type:uuid;not null"`
	ApprovedBy       *uuid.UUID         `gorm:"column:approved_by;type:uuid"`
	RejectionReason  *string            `gorm:"column:rejection_reason"`
	ProviderRefundID *string            `gorm:"column:provider_refund_id"`
	FailureReason    *string            `gorm:"column:failure_reason"`
	Attempts         int                `gorm:"column:attempts;not null;default:0"`
	Version          int64              `gorm:"column:version;not null;default:1"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time          `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt      *time.Time         `gorm:"column:completed_at"`
}
