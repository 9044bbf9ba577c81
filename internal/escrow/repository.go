package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// Repository persists escrows and their settlement rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, escrow *models.Escrow) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Escrow, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Escrow, error)
	ListDue(ctx context.Context, filter DueFilter) ([]models.Escrow, error)
	UpdateVersioned(ctx context.Context, escrow *models.Escrow, updates map[string]any) error
	MarkSettlementTransferred(ctx context.Context, id uuid.UUID, transferRef *string, at time.Time) error
	UpdateSettlementAmount(ctx context.Context, id uuid.UUID, amount int64) error
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

func (r *repository) Create(ctx context.Context, escrow *models.Escrow) error {
	return r.db.WithContext(ctx).Create(escrow).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *repository) FindByPaymentID(ctx context.Context, paymentID uuid.UUID) (*models.Escrow, error) {
	return r.first(ctx, "payment_id = ?", paymentID)
}

func (r *repository) first(ctx context.Context, query string, args ...any) (*models.Escrow, error) {
	var escrow models.Escrow
	err := r.db.WithContext(ctx).
		Preload("Settlements", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Where(query, args...).
		First(&escrow).Error
	if err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Escrow, error) {
	var rows []models.Escrow
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at, id").
		Find(&rows).Error
	return rows, err
}

// DueFilter selects escrows for the release sweep.
type DueFilter struct {
	Now time.Time
	// StaleClaims is the cutoff before which an in-flight claim counts as abandoned.
	StaleClaims time.Time
	MaxAttempts int
	Limit       int
}

// ListDue returns held escrows whose hold has lapsed, skipping live claims
// and escrows with MaxAttempts failed releases. Fewest failures come first,
// then the oldest hold.
func (r *repository) ListDue(ctx context.Context, filter DueFilter) ([]models.Escrow, error) {
	var rows []models.Escrow
	query := r.db.WithContext(ctx).
		Where("status = ? AND hold_until <= ?", enums.EscrowStatusHeld, filter.Now).
		Where("(in_flight_op IS NULL OR in_flight_at < ?)", filter.StaleClaims)
	if filter.MaxAttempts > 0 {
		query = query.Where("release_attempts < ?", filter.MaxAttempts)
	}
	err := query.
		Order("release_attempts, hold_until, id").
		Limit(filter.Limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) UpdateVersioned(ctx context.Context, escrow *models.Escrow, updates map[string]any) error {
	if err := db.UpdateVersioned(r.db.WithContext(ctx), &models.Escrow{}, escrow.ID, escrow.Version, updates); err != nil {
		return err
	}
	escrow.Version++
	return nil
}

// MarkSettlementTransferred flips a pending row. A row already transferred is left alone.
func (r *repository) MarkSettlementTransferred(ctx context.Context, id uuid.UUID, transferRef *string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.EscrowSettlement{}).
		Where("id = ? AND status = ?", id, enums.SettlementStatusPending).
		Updates(map[string]any{
			"status":         enums.SettlementStatusTransferred,
			"transfer_ref":   transferRef,
			"transferred_at": at,
		}).Error
}

func (r *repository) UpdateSettlementAmount(ctx context.Context, id uuid.UUID, amount int64) error {
	return r.db.WithContext(ctx).Model(&models.EscrowSettlement{}).
		Where("id = ? AND status = ?", id, enums.SettlementStatusPending).
		Update("amount", amount).Error
}
