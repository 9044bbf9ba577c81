package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

// Filters narrows List. Zero values are ignored.
type Filters struct {
	OrderID        *uuid.UUID
	CustomerID     *uuid.UUID
	PayeeAccountID string
	Status         enums.PaymentStatus
	Statuses       []enums.PaymentStatus
	Provider       enums.PaymentProvider
	PlanID         *uuid.UUID
}

// Repository persists payments and their splits.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByProviderIntent(ctx context.Context, provider enums.PaymentProvider, intentID string) (*models.Payment, error)
	FindByTransaction(ctx context.Context, provider enums.PaymentProvider, transactionID string) (*models.Payment, error)
	List(ctx context.Context, filters Filters, cursor *pagination.Cursor, limit int) ([]models.Payment, error)
	UpdateVersioned(ctx context.Context, payment *models.Payment, updates map[string]any) error
	AddRefundedAmount(ctx context.Context, id uuid.UUID, amount int64) error
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

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *repository) FindByProviderIntent(ctx context.Context, provider enums.PaymentProvider, intentID string) (*models.Payment, error) {
	return r.first(ctx, "provider = ? AND provider_intent_id = ?", provider, intentID)
}

func (r *repository) FindByTransaction(ctx context.Context, provider enums.PaymentProvider, transactionID string) (*models.Payment, error) {
	return r.first(ctx, "provider = ? AND transaction_id = ?", provider, transactionID)
}

func (r *repository) first(ctx context.Context, query string, args ...any) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Preload("Splits").
		Where(query, args...).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) List(ctx context.Context, filters Filters, cursor *pagination.Cursor, limit int) ([]models.Payment, error) {
	q := r.db.WithContext(ctx).Model(&models.Payment{}).Preload("Splits")
	if filters.OrderID != nil {
		q = q.Where("order_id = ?", *filters.OrderID)
	}
	if filters.CustomerID != nil {
		q = q.Where("customer_id = ?", *filters.CustomerID)
	}
	if filters.PayeeAccountID != "" {
		q = q.Where("payee_account_id = ?", filters.PayeeAccountID)
	}
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if len(filters.Statuses) > 0 {
		q = q.Where("status IN ?", filters.Statuses)
	}
	if filters.Provider != "" {
		q = q.Where("provider = ?", filters.Provider)
	}
	if filters.PlanID != nil {
		q = q.Where("installment_plan_id = ?", *filters.PlanID)
	}
	var rows []models.Payment
	if err := pagination.Apply(q, cursor, limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateVersioned guards the write with payment.Version and advances it on success.
func (r *repository) UpdateVersioned(ctx context.Context, payment *models.Payment, updates map[string]any) error {
	if err := db.UpdateVersioned(r.db.WithContext(ctx), &models.Payment{}, payment.ID, payment.Version, updates); err != nil {
		return err
	}
	payment.Version++
	return nil
}

// AddRefundedAmount raises refunded_amount only while it stays within amount.
func (r *repository) AddRefundedAmount(ctx context.Context, id uuid.UUID, amount int64) error {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND refunded_amount + ? <= amount", id, amount).
		Updates(map[string]any{
			"refunded_amount": gorm.Expr("refunded_amount + ?", amount),
			"version":         gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds the refundable amount")
	}
	return nil
}

// notFound maps gorm's sentinel onto the typed error.
func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, what+" not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load "+what)
}
