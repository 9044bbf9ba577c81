// Package payments orchestrates the provider-agnostic payment lifecycle:
// pending → processing → completed, with failed and cancelled exits and
// refunded reached only through the refund workflow.
package payments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

const defaultConflictRetries = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// EscrowOpener holds funds for a payment that just completed, inside tx.
type EscrowOpener interface {
	CreateForPayment(ctx context.Context, tx *gorm.DB, payment *models.Payment) error
}

// RefundApplier settles a provider-reported refund inside tx.
type RefundApplier interface {
	ApplyProviderRefund(ctx context.Context, tx *gorm.DB, payment *models.Payment, evt providers.CanonicalEvent) (enums.ReconciliationOutcome, error)
}

// InstallmentTracker advances a plan when one of its payments settles.
type InstallmentTracker interface {
	OnPaymentSettled(ctx context.Context, tx *gorm.DB, payment *models.Payment) error
}

type ServiceParams struct {
	Repo              Repository
	Registry          *providers.Registry
	Caller            *providers.Caller
	Outbox            eventEmitter
	TransactionRunner txRunner
	Escrow            EscrowOpener
	Refunds           RefundApplier
	Installments      InstallmentTracker
	Operator          operator.Opener
	Logger            *logger.Logger
	ConflictRetries   int
}

type Service struct {
	repo         Repository
	registry     *providers.Registry
	caller       *providers.Caller
	outbox       eventEmitter
	tx           txRunner
	escrow       EscrowOpener
	refunds      RefundApplier
	installments InstallmentTracker
	operator     operator.Opener
	logg         *logger.Logger
	retries      int
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repository required")
	case params.Registry == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider registry required")
	case params.Caller == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider caller required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox required")
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Escrow == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "escrow opener required")
	case params.Operator == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "operator queue required")
	}
	retries := params.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Service{
		repo:         params.Repo,
		registry:     params.Registry,
		caller:       params.Caller,
		outbox:       params.Outbox,
		tx:           params.TransactionRunner,
		escrow:       params.Escrow,
		refunds:      params.Refunds,
		installments: params.Installments,
		operator:     params.Operator,
		logg:         params.Logger,
		retries:      retries,
		now:          time.Now,
	}, nil
}

// SplitInput assigns part of the amount to a recipient account.
type SplitInput struct {
	RecipientID string
	Amount      int64
}

type CreateInput struct {
	OrderID           uuid.UUID
	CustomerID        uuid.UUID
	Amount            int64
	Currency          string
	Provider          enums.PaymentProvider
	PayeeAccountID    string
	Splits            []SplitInput
	InstallmentPlanID *uuid.UUID
	InstallmentSeq    *int
}

type CreateResult struct {
	Payment      *models.Payment
	ClientSecret string
}

// Create validates the request, opens a provider intent and persists the
// payment as pending.
func (s *Service) Create(ctx context.Context, actor auth.Actor, input CreateInput) (*CreateResult, error) {
	if actor.Role == enums.RoleCustomer {
		if input.CustomerID == uuid.Nil {
			input.CustomerID = actor.UserID
		}
		if input.CustomerID != actor.UserID {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "customers may only pay for themselves")
		}
	}
	if err := s.validateCreate(&input); err != nil {
		return nil, err
	}
	adapter, err := s.registry.Get(input.Provider)
	if err != nil {
		return nil, err
	}

	payment := &models.Payment{
		ID:                uuid.New(),
		OrderID:           input.OrderID,
		CustomerID:        input.CustomerID,
		Amount:            input.Amount,
		Currency:          input.Currency,
		Provider:          input.Provider,
		Status:            enums.PaymentStatusPending,
		InstallmentPlanID: input.InstallmentPlanID,
		InstallmentSeq:    input.InstallmentSeq,
		Version:           1,
	}
	if input.PayeeAccountID != "" {
		payee := input.PayeeAccountID
		payment.PayeeAccountID = &payee
	}
	for _, split := range input.Splits {
		payment.Splits = append(payment.Splits, models.PaymentSplit{
			ID:          uuid.New(),
			PaymentID:   payment.ID,
			RecipientID: split.RecipientID,
			Amount:      split.Amount,
		})
	}

	ctx = s.logg.WithPaymentID(ctx, payment.ID.String())
	ctx = s.logg.WithProvider(ctx, string(input.Provider))
	intent, err := providers.Call(ctx, s.caller, input.Provider, "create_intent", func(ctx context.Context) (providers.IntentResult, error) {
		return adapter.CreateIntent(ctx, providers.IntentRequest{
			PaymentID:      payment.ID,
			Amount:         payment.Amount,
			Currency:       payment.Currency,
			IdempotencyKey: payment.ID.String(),
			Metadata:       map[string]string{"order_id": payment.OrderID.String()},
		})
	})
	if err != nil {
		return nil, providerFailure(err, "create provider intent")
	}
	payment.ProviderIntentID = &intent.ProviderIntentID

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, payment); err != nil {
			if payment.InstallmentPlanID != nil && isPlanSeqViolation(err) {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "installment is already being charged").
					WithDetails(map[string]any{"installment_seq": *payment.InstallmentSeq})
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist payment")
		}
		return s.emit(ctx, tx, payment, enums.EventPaymentCreated, actor)
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(ctx, "payment created")
	return &CreateResult{Payment: payment, ClientSecret: intent.ClientSecret}, nil
}

func (s *Service) validateCreate(input *CreateInput) error {
	input.Currency = strings.ToUpper(strings.TrimSpace(input.Currency))
	input.PayeeAccountID = strings.TrimSpace(input.PayeeAccountID)
	switch {
	case input.OrderID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "order_id is required")
	case input.CustomerID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "customer_id is required")
	case input.Amount <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	case !input.Provider.IsValid():
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unknown provider %q", input.Provider)
	case !s.registry.Supports(input.Provider, input.Currency):
		return pkgerrors.New(pkgerrors.CodeValidation, "currency not supported by provider").
			WithDetails(map[string]any{"provider": input.Provider, "currency": input.Currency})
	}
	return validateSplits(input.Amount, input.Splits)
}

// validateSplits requires positive parts, distinct recipients and an exact sum.
func validateSplits(amount int64, splits []SplitInput) error {
	if len(splits) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(splits))
	var sum int64
	for i := range splits {
		splits[i].RecipientID = strings.TrimSpace(splits[i].RecipientID)
		split := splits[i]
		if split.RecipientID == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "split recipient is required")
		}
		if split.Amount <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "split amounts must be positive")
		}
		if _, dup := seen[split.RecipientID]; dup {
			return pkgerrors.New(pkgerrors.CodeValidation, "split recipients must be distinct").
				WithDetails(map[string]any{"recipient_id": split.RecipientID})
		}
		seen[split.RecipientID] = struct{}{}
		sum += split.Amount
	}
	if sum != amount {
		return pkgerrors.New(pkgerrors.CodeValidation, "splits must sum to the payment amount").
			WithDetails(map[string]any{"amount": amount, "splits_total": sum})
	}
	return nil
}

// Get returns a payment the actor may see.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, "payment")
	}
	if !CanView(actor, payment) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	return payment, nil
}

type ListResult struct {
	Payments   []models.Payment
	NextCursor string
}

// List pages through payments. Customers and sellers only see their own.
func (s *Service) List(ctx context.Context, actor auth.Actor, filters Filters, params pagination.Params) (*ListResult, error) {
	switch actor.Role {
	case enums.RoleCustomer:
		id := actor.UserID
		filters.CustomerID = &id
	case enums.RoleSeller:
		if actor.AccountID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "seller token has no account")
		}
		filters.PayeeAccountID = actor.AccountID
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, filters, cursor, params.Limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list payments")
	}
	page, next := pagination.Page(rows, params.Limit, func(p models.Payment) pagination.Cursor {
		return pagination.Cursor{CreatedAt: p.CreatedAt, ID: p.ID}
	})
	return &ListResult{Payments: page, NextCursor: next}, nil
}

// CanView reports whether actor may read payment.
func CanView(actor auth.Actor, payment *models.Payment) bool {
	if actor.IsPrivileged() {
		return true
	}
	switch actor.Role {
	case enums.RoleCustomer:
		return payment.CustomerID == actor.UserID
	case enums.RoleSeller:
		return actor.AccountID != "" && payment.PayeeAccountID != nil && *payment.PayeeAccountID == actor.AccountID
	}
	return false
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, payment *models.Payment, eventType enums.OutboxEventType, actor auth.Actor) error {
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Actor:         actor.Ref(),
		Data:          EventData(payment),
	})
}

// EventData renders payment as the payload shared by every payment.* event.
func EventData(payment *models.Payment) payloads.PaymentEvent {
	data := payloads.PaymentEvent{
		PaymentID:         payment.ID,
		OrderID:           payment.OrderID,
		CustomerID:        payment.CustomerID,
		Provider:          payment.Provider,
		Amount:            payment.Amount,
		Currency:          payment.Currency,
		Status:            payment.Status,
		RefundedAmount:    payment.RefundedAmount,
		InstallmentPlanID: payment.InstallmentPlanID,
	}
	if payment.TransactionID != nil {
		data.TransactionID = *payment.TransactionID
	}
	if payment.FailureReason != nil {
		data.FailureReason = *payment.FailureReason
	}
	return data
}

// providerFailure keeps adapter rejections as validation errors and
// everything transient as provider-unavailable.
func providerFailure(err error, msg string) error {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeValidation, pkgerrors.CodeStateConflict, pkgerrors.CodeDependency:
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}

// isPlanSeqViolation matches the partial unique index on
// (installment_plan_id, installment_seq) under postgres and sqlite.
func isPlanSeqViolation(err error) bool {
	return db.IsUniqueViolation(err, "idx_payments_plan_seq") || db.IsUniqueViolation(err, "installment_seq")
}
