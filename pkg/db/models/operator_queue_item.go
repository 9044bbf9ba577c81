package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// OperatorQueueItem is a case that automated processing could not settle.
type OperatorQueueItem struct {
	ID             uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	Kind           enums.OperatorItemKind   `gorm:"column:kind;not null"`
	EntityType     string                   `gorm:"column:entity_type;not null"`
	EntityID       uuid.UUID                `gorm:"column:entity_id;type:uuid;not null"`
	Details        json.RawMessage          `gorm:"column:details;type:jsonb"`
	Status         enums.OperatorItemStatus `gorm:"column:status;not null;default:'open'"`
	ResolvedBy     *uuid.UUID               `gorm:"column:resolved_by;type:uuid"`
	ResolutionNote *string                  `gorm:"column:resolution_note"`
	CreatedAt      time.Time                `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt     *time.Time               `gorm:"column:resolved_at"`
}
