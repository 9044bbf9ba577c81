package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// InstallmentPlan splits an order total into equal scheduled payments.
type InstallmentPlan struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID             `gorm:"column:order_id;type:uuid;not null"`
	CustomerID        uuid.UUID             `gorm:"column:customer_id;type:uuid;not null"`
	PayeeAccountID    *string               `gorm:"column:payee_account_id"`
	Provider          enums.PaymentProvider `gorm:"column:provider;not null"`
	Currency          string                `gorm:"column:currency;not null"`
	TotalAmount       int64                 `gorm:"column:total_amount;not null"`
	Installments      int                   `gorm:"column:installments;not null"`
	InstallmentAmount int64                 `gorm:"column:installment_amount;not null"`
	PaidCount         int                   `gorm:"column:paid_count;not null;default:0"`
	IntervalDays      int                   `gorm:"column:interval_days;not null"`
	NextDueAt         time.Time             `gorm:"column:next_due_at;not null"`
	Status            enums.PlanStatus      `gorm:"column:status;not null;default:'active'"`
	Version           int64                 `gorm:"column:version;not null;default:1"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// AmountFor returns the charge for the 1-based installment seq; the last one
// absorbs rounding so the plan sums to TotalAmount.
func (p *InstallmentPlan) AmountFor(seq int) int64 {
	if seq >= p.Installments {
		return p.TotalAmount - p.InstallmentAmount*int64(p.Installments-1)
	}
	return p.InstallmentAmount
}
