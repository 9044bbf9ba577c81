package webhooks

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// Repository is the append-only log of processed provider events.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.ReconciliationEntry, error)
	Append(ctx context.Context, entry *models.ReconciliationEntry) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Find returns nil, nil when the event has not been recorded.
func (r *repository) Find(ctx context.Context, provider enums.PaymentProvider, eventID string) (*models.ReconciliationEntry, error) {
	var entry models.ReconciliationEntry
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) Append(ctx context.Context, entry *models.ReconciliationEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}
