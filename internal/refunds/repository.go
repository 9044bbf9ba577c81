package refunds

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, refund *models.Refund) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Refund, error)
	FindByProviderRef(ctx context.Context, paymentID uuid.UUID, providerRefundID string) (*models.Refund, error)
	FindAwaitingProvider(ctx context.Context, paymentID uuid.UUID, amount int64) (*models.Refund, error)
	UpdateVersioned(ctx context.Context, refund *models.Refund, updates map[string]any) error
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

func (r *repository) Create(ctx context.Context, refund *models.Refund) error {
	return r.db.WithContext(ctx).Create(refund).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&refund).Error; err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *repository) FindByProviderRef(ctx context.Context, paymentID uuid.UUID, providerRefundID string) (*models.Refund, error) {
	var refund models.Refund
	err := r.db.WithContext(ctx).
		Where("payment_id = ? AND provider_refund_id = ?", paymentID, providerRefundID).
		First(&refund).Error
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// FindAwaitingProvider returns the oldest approved refund of amount that has
// not yet recorded a provider reference.
func (r *repository) FindAwaitingProvider(ctx context.Context, paymentID uuid.UUID, amount int64) (*models.Refund, error) {
	var refund models.Refund
	err := r.db.WithContext(ctx).
		Where("payment_id = ? AND amount = ? AND status = ? AND provider_refund_id IS NULL",
			paymentID, amount, enums.RefundStatusApproved).
		Order("created_at, id").
		First(&refund).Error
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (r *repository) UpdateVersioned(ctx context.Context, refund *models.Refund, updates map[string]any) error {
	if err := db.UpdateVersioned(r.db.WithContext(ctx), &models.Refund{}, refund.ID, refund.Version, updates); err != nil {
		return err
	}
	refund.Version++
	return nil
}
