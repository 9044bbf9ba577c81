package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// Escrow holds a completed payment's funds until release or refund.
type Escrow struct {
	ID         uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	PaymentID  uuid.UUID             `gorm:"column:payment_id;type:uuid;not null;uniqueIndex"`
	OrderID    uuid.UUID             `gorm:"column:order_id;type:uuid;not null"`
	Amount     int64                 `gorm:"column:amount;not null"`
	Currency   string                `gorm:"column:currency;not null"`
	Provider   enums.PaymentProvider `gorm:"column:provider;not null"`
	HoldUntil  time.Time             `gorm:"column:hold_until;not null"`
	Status     enums.EscrowStatus    `gorm:"column:status;not null;default:'held'"`
	ReleasedAt *time.Time            `gorm:"column:released_at"`
	RefundedAt *time.Time            `gorm:"column:refunded_at"`

	DisputeReason    *string              `gorm:"column:dispute_reason"`
	DisputeEvidence  json.RawMessage      `gorm:"column:dispute_evidence;type:jsonb"`
	DisputedBy       *uuid.UUID           `gorm:"column:disputed_by;type:uuid"`
	DisputedAt       *time.Time           `gorm:"column:disputed_at"`
	ResolutionWinner *enums.DisputeWinner `gorm:"column:resolution_winner"`
	ResolvedBy       *uuid.UUID           `gorm:"column:resolved_by;type:uuid"`
	ResolvedAt       *time.Time           `gorm:"column:resolved_at"`

	ReleaseAttempts  int        `gorm:"column:release_attempts;not null;default:0"`
	LastReleaseError *string    `gorm:"column:last_release_error"`
	InFlightOp       *string    `gorm:"column:in_flight_op"`
	InFlightAt       *time.Time `gorm:"column:in_flight_at"`
	Version          int64      `gorm:"column:version;not null;default:1"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`

	Settlements []EscrowSettlement `gorm:"foreignKey:EscrowID;references:ID"`
}

// EscrowSettlement is one recipient's share of a released escrow.
type EscrowSettlement struct {
	ID            uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	EscrowID      uuid.UUID              `gorm:"column:escrow_id;type:uuid;not null"`
	RecipientID   string                 `gorm:"column:recipient_id;not null"`
	Amount        int64                  `gorm:"column:amount;not null"`
	Status        enums.SettlementStatus `gorm:"column:status;not null;default:'pending'"`
	TransferRef   *string                `gorm:"column:transfer_ref"`
	TransferredAt *time.Time             `gorm:"column:transferred_at"`
	CreatedAt     time.Time              `gorm:"column:created_at;autoCreateTime"`
}
