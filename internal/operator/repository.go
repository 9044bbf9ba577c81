package operator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

// Repository persists operator queue items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, item *models.OperatorQueueItem) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.OperatorQueueItem, error)
	FindOpen(ctx context.Context, kind enums.OperatorItemKind, entityID uuid.UUID) (*models.OperatorQueueItem, error)
	List(ctx context.Context, status enums.OperatorItemStatus, cursor *pagination.Cursor, limit int) ([]models.OperatorQueueItem, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) (int64, error)
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

func (r *repository) Create(ctx context.Context, item *models.OperatorQueueItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.OperatorQueueItem, error) {
	var item models.OperatorQueueItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// FindOpen returns nil when no open item exists for the pair.
func (r *repository) FindOpen(ctx context.Context, kind enums.OperatorItemKind, entityID uuid.UUID) (*models.OperatorQueueItem, error) {
	var item models.OperatorQueueItem
	err := r.db.WithContext(ctx).
		Where("kind = ? AND entity_id = ? AND status = ?", kind, entityID, enums.OperatorItemOpen).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) List(ctx context.Context, status enums.OperatorItemStatus, cursor *pagination.Cursor, limit int) ([]models.OperatorQueueItem, error) {
	q := r.db.WithContext(ctx).Model(&models.OperatorQueueItem{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var items []models.OperatorQueueItem
	if err := pagination.Apply(q, cursor, limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.OperatorQueueItem{}).
		Where("id = ? AND status = ?", id, enums.OperatorItemOpen).
		Updates(updates)
	return res.RowsAffected, res.Error
}
