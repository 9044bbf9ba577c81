package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// ReconciliationEntry records a processed provider webhook event.
type ReconciliationEntry struct {
	ID                 uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	Provider           enums.PaymentProvider       `gorm:"column:provider;not null"`
	ProviderEventID    string                      `gorm:"column:provider_event_id;not null"`
	CanonicalEventType enums.CanonicalEventType    `gorm:"column:canonical_event_type;not null"`
	Outcome            enums.ReconciliationOutcome `gorm:"column:outcome;not null"`
	ResultingPaymentID *uuid.UUID                  `gorm:"column:resulting_payment_id;type:uuid"`
	ProcessedAt        time.Time                   `gorm:"column:processed_at;not null"`
}

func (ReconciliationEntry) TableName() string {
	return "reconciliation_entries"
}
