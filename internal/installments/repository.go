package installments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, plan *models.InstallmentPlan) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error)
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]models.InstallmentPlan, error)
	UpdateVersioned(ctx context.Context, plan *models.InstallmentPlan, updates map[string]any) error
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

func (r *repository) Create(ctx context.Context, plan *models.InstallmentPlan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error) {
	var plan models.InstallmentPlan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

// ListOverdue returns active plans whose next installment was due before cutoff.
func (r *repository) ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]models.InstallmentPlan, error) {
	var rows []models.InstallmentPlan
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_due_at <= ?", enums.PlanStatusActive, cutoff).
		Order("next_due_at, id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) UpdateVersioned(ctx context.Context, plan *models.InstallmentPlan, updates map[string]any) error {
	if err := db.UpdateVersioned(r.db.WithContext(ctx), &models.InstallmentPlan{}, plan.ID, plan.Version, updates); err != nil {
		return err
	}
	plan.Version++
	return nil
}
