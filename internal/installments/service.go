// Package installments splits an order total into scheduled payments, each
// realized through the payment orchestrator.
package installments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

const (
	maxInstallments  = 48
	overdueBatchSize = 100
	defaultGrace     = 72 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// paymentOrchestrator is the slice of the payment service plans drive.
type paymentOrchestrator interface {
	Create(ctx context.Context, actor auth.Actor, input payments.CreateInput) (*payments.CreateResult, error)
	Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID, methodRef string) (*models.Payment, error)
	List(ctx context.Context, actor auth.Actor, filters payments.Filters, params pagination.Params) (*payments.ListResult, error)
}

type currencyChecker interface {
	Supports(provider enums.PaymentProvider, currency string) bool
}

type ServiceParams struct {
	Repo              Repository
	Payments          paymentOrchestrator
	Currencies        currencyChecker
	Tracker           *Tracker
	TransactionRunner txRunner
	Logger            *logger.Logger
	Config            config.InstallmentsConfig
}

type Service struct {
	repo         Repository
	payments     paymentOrchestrator
	currencies   currencyChecker
	tracker      *Tracker
	tx           txRunner
	logg         *logger.Logger
	intervalDays int
	grace        time.Duration
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "installment plan repository required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment service required")
	case params.Currencies == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "currency catalog required")
	case params.Tracker == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "installment tracker required")
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	svc := &Service{
		repo:         params.Repo,
		payments:     params.Payments,
		currencies:   params.Currencies,
		tracker:      params.Tracker,
		tx:           params.TransactionRunner,
		logg:         params.Logger,
		intervalDays: params.Config.DefaultIntervalDays,
		grace:        params.Config.GracePeriod,
		now:          time.Now,
	}
	if svc.intervalDays <= 0 {
		svc.intervalDays = 30
	}
	if svc.grace <= 0 {
		svc.grace = defaultGrace
	}
	return svc, nil
}

type CreatePlanInput struct {
	OrderID        uuid.UUID
	CustomerID     uuid.UUID
	PayeeAccountID string
	Provider       enums.PaymentProvider
	Currency       string
	TotalAmount    int64
	Installments   int
	IntervalDays   int
}

// CreatePlan schedules total over n installments of ceil(total/n); the last
// one charges the remainder. The first installment is due immediately.
func (s *Service) CreatePlan(ctx context.Context, actor auth.Actor, input CreatePlanInput) (*models.InstallmentPlan, error) {
	if actor.Role == enums.RoleCustomer {
		if input.CustomerID == uuid.Nil {
			input.CustomerID = actor.UserID
		}
		if input.CustomerID != actor.UserID {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "customers may only create their own plans")
		}
	}
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	if input.IntervalDays <= 0 {
		input.IntervalDays = s.intervalDays
	}
	switch {
	case input.OrderID == uuid.Nil || input.CustomerID == uuid.Nil:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order_id and customer_id are required")
	case input.TotalAmount <= 0:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total_amount must be positive")
	case input.Installments < 1 || input.Installments > maxInstallments:
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "installments must be between 1 and %d", maxInstallments)
	case !s.currencies.Supports(input.Provider, input.Currency):
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency not supported by provider")
	}

	plan := &models.InstallmentPlan{
		ID:                uuid.New(),
		OrderID:           input.OrderID,
		CustomerID:        input.CustomerID,
		Provider:          input.Provider,
		Currency:          input.Currency,
		TotalAmount:       input.TotalAmount,
		Installments:      input.Installments,
		InstallmentAmount: ceilDiv(input.TotalAmount, int64(input.Installments)),
		IntervalDays:      input.IntervalDays,
		NextDueAt:         s.now().UTC(),
		Status:            enums.PlanStatusActive,
		Version:           1,
	}
	if last := plan.AmountFor(plan.Installments); last <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "too many installments for the total").
			WithDetails(map[string]any{"installment_amount": plan.InstallmentAmount, "final_installment": last})
	}
	if payee := strings.TrimSpace(input.PayeeAccountID); payee != "" {
		plan.PayeeAccountID = &payee
	}
	if err := s.repo.Create(ctx, plan); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create installment plan")
	}
	s.logg.Info(s.logg.WithField(ctx, "plan_id", plan.ID.String()), "installment plan created")
	return plan, nil
}

func ceilDiv(total, n int64) int64 {
	return (total + n - 1) / n
}

// Get returns a plan visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.InstallmentPlan, error) {
	plan, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, plan) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "installment plan not found")
	}
	return plan, nil
}

type ChargeResult struct {
	Plan         *models.InstallmentPlan
	Payment      *models.Payment
	ClientSecret string
}

// ChargeNext creates the next installment payment and, when methodRef is
// given, confirms it straight away. Two charges racing past the open check
// collide on the (plan, seq) unique index and the loser gets a conflict.
func (s *Service) ChargeNext(ctx context.Context, actor auth.Actor, planID uuid.UUID, methodRef string) (*ChargeResult, error) {
	plan, err := s.Get(ctx, actor, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != enums.PlanStatusActive {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "installment plan is %s", plan.Status)
	}

	open, err := s.payments.List(ctx, auth.SystemActor, payments.Filters{
		PlanID:   &plan.ID,
		Statuses: []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing},
	}, pagination.Params{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(open.Payments) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "an installment is already in progress").
			WithDetails(map[string]any{"payment_id": open.Payments[0].ID.String()})
	}

	seq := plan.PaidCount + 1
	input := payments.CreateInput{
		OrderID:           plan.OrderID,
		CustomerID:        plan.CustomerID,
		Amount:            plan.AmountFor(seq),
		Currency:          plan.Currency,
		Provider:          plan.Provider,
		InstallmentPlanID: &plan.ID,
		InstallmentSeq:    &seq,
	}
	if plan.PayeeAccountID != nil {
		input.PayeeAccountID = *plan.PayeeAccountID
	}
	created, err := s.payments.Create(ctx, actor, input)
	if err != nil {
		return nil, err
	}
	result := &ChargeResult{Plan: plan, Payment: created.Payment, ClientSecret: created.ClientSecret}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"plan_id":    plan.ID.String(),
		"payment_id": created.Payment.ID.String(),
		"seq":        seq,
	})
	s.logg.Info(logCtx, "installment charge created")

	if methodRef = strings.TrimSpace(methodRef); methodRef == "" {
		return result, nil
	}
	confirmed, err := s.payments.Confirm(ctx, actor, created.Payment.ID, methodRef)
	if err != nil {
		return nil, err
	}
	result.Payment = confirmed
	if result.Plan, err = s.load(ctx, plan.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkOverdueDefaulted defaults active plans whose installment went unpaid
// past the grace period.
func (s *Service) MarkOverdueDefaulted(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.grace)
	plans, err := s.repo.ListOverdue(ctx, cutoff, overdueBatchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list overdue plans")
	}
	var (
		defaulted int
		errs      error
	)
	for _, candidate := range plans {
		err := db.RetryConflicts(ctx, 3, func() error {
			return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
				plan, err := s.repo.WithTx(tx).FindByID(ctx, candidate.ID)
				if err != nil {
					return err
				}
				if plan.Status != enums.PlanStatusActive || plan.NextDueAt.After(cutoff) {
					return nil
				}
				planCtx := s.logg.WithField(ctx, "plan_id", plan.ID.String())
				if err := s.tracker.markDefaulted(planCtx, tx, plan, auth.SystemActor); err != nil {
					return err
				}
				defaulted++
				return nil
			})
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("plan %s: %w", candidate.ID, err))
		}
	}
	return defaulted, errs
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.InstallmentPlan, error) {
	plan, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "installment plan not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load installment plan")
	}
	return plan, nil
}

func canAccess(actor auth.Actor, plan *models.InstallmentPlan) bool {
	if actor.IsPrivileged() {
		return true
	}
	return actor.Role == enums.RoleCustomer && plan.CustomerID == actor.UserID
}
