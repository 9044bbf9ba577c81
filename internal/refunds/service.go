// Package refunds runs the refund workflow: request, approval, provider
// refund and the follow-on payment and escrow bookkeeping.
package refunds

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/keylock"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox/payloads"
)

const (
	defaultConflictRetries = 3
	providerInitiated      = "provider initiated"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// EscrowCloser closes a payment's escrow once the payment is fully refunded.
type EscrowCloser interface {
	CloseRefunded(ctx context.Context, tx *gorm.DB, paymentID uuid.UUID, actor auth.Actor) error
}

type ServiceParams struct {
	Repo              Repository
	Payments          payments.Repository
	Registry          *providers.Registry
	Caller            *providers.Caller
	Escrow            EscrowCloser
	Outbox            eventEmitter
	Operator          operator.Opener
	TransactionRunner txRunner
	Locks             *keylock.Map
	Logger            *logger.Logger
	ConflictRetries   int
}

type Service struct {
	repo     Repository
	payments payments.Repository
	registry *providers.Registry
	caller   *providers.Caller
	escrow   EscrowCloser
	outbox   eventEmitter
	operator operator.Opener
	tx       txRunner
	locks    *keylock.Map
	logg     *logger.Logger
	retries  int
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "refund repository required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repository required")
	case params.Registry == nil || params.Caller == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider registry and caller required")
	case params.Escrow == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "escrow closer required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox required")
	case params.Operator == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "operator queue required")
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	locks := params.Locks
	if locks == nil {
		locks = keylock.New()
	}
	retries := params.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	return &Service{
		repo:     params.Repo,
		payments: params.Payments,
		registry: params.Registry,
		caller:   params.Caller,
		escrow:   params.Escrow,
		outbox:   params.Outbox,
		operator: params.Operator,
		tx:       params.TransactionRunner,
		locks:    locks,
		logg:     params.Logger,
		retries:  retries,
		now:      time.Now,
	}, nil
}

type RequestInput struct {
	PaymentID uuid.UUID
	Amount    int64
	Reason    string
	EscrowID  *uuid.UUID
}

// Request records a pending refund for an admin to approve.
func (s *Service) Request(ctx context.Context, actor auth.Actor, input RequestInput) (*models.Refund, error) {
	payment, err := s.loadPayment(ctx, input.PaymentID)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, payment) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	refund, err := newRefund(actor, payment, input, enums.RefundStatusPending)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, refund); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create refund")
	}
	s.logg.Info(s.refundCtx(ctx, refund), "refund requested")
	return refund, nil
}

// RequestAndProcess creates an approved refund and sends it to the provider
// straight away. Callers have already authorized actor.
func (s *Service) RequestAndProcess(ctx context.Context, actor auth.Actor, input RequestInput) (*models.Refund, error) {
	unlock := s.locks.Lock(input.PaymentID.String())
	defer unlock()

	payment, err := s.loadPayment(ctx, input.PaymentID)
	if err != nil {
		return nil, err
	}
	refund, err := newRefund(actor, payment, input, enums.RefundStatusApproved)
	if err != nil {
		return nil, err
	}
	if actor.UserID != uuid.Nil {
		refund.ApprovedBy = &actor.UserID
	}
	if err := s.repo.Create(ctx, refund); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create refund")
	}
	s.logg.Info(s.refundCtx(ctx, refund), "refund auto-approved")
	return s.process(ctx, actor, refund.ID)
}

// RefundEscrow returns amount of a held escrow to the buyer.
func (s *Service) RefundEscrow(ctx context.Context, actor auth.Actor, escrow *models.Escrow, amount int64, reason string) error {
	escrowID := escrow.ID
	_, err := s.RequestAndProcess(ctx, actor, RequestInput{
		PaymentID: escrow.PaymentID,
		Amount:    amount,
		Reason:    reason,
		EscrowID:  &escrowID,
	})
	return err
}

func newRefund(actor auth.Actor, payment *models.Payment, input RequestInput, status enums.RefundStatus) (*models.Refund, error) {
	reason := strings.TrimSpace(input.Reason)
	switch {
	case reason == "":
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund reason is required")
	case payment.Status != enums.PaymentStatusCompleted:
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "payment is %s", payment.Status)
	case input.Amount <= 0:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	case input.Amount > payment.RefundableAmount():
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds the refundable amount").
			WithDetails(map[string]any{"refundable": payment.RefundableAmount()})
	}
	return &models.Refund{
		ID:          uuid.New(),
		PaymentID:   payment.ID,
		EscrowID:    input.EscrowID,
		Amount:      input.Amount,
		Currency:    payment.Currency,
		Reason:      reason,
		Status:      status,
		RequestedBy: actor.UserID,
		Version:     1,
	}, nil
}

// Approve moves a pending refund to approved.
func (s *Service) Approve(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund approval is admin only")
	}
	return s.transition(ctx, id, enums.RefundStatusPending, func(refund *models.Refund) map[string]any {
		refund.Status = enums.RefundStatusApproved
		refund.ApprovedBy = &actor.UserID
		return map[string]any{"status": enums.RefundStatusApproved, "approved_by": actor.UserID}
	})
}

// Reject closes a pending refund with a reason.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*models.Refund, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund rejection is admin only")
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rejection reason is required")
	}
	return s.transition(ctx, id, enums.RefundStatusPending, func(refund *models.Refund) map[string]any {
		refund.Status = enums.RefundStatusRejected
		refund.RejectionReason = &reason
		return map[string]any{"status": enums.RefundStatusRejected, "rejection_reason": reason}
	})
}

// Process sends an approved refund to the provider.
func (s *Service) Process(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error) {
	if !actor.IsPrivileged() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund processing is restricted")
	}
	refund, err := s.loadRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(refund.PaymentID.String())
	defer unlock()
	return s.process(ctx, actor, id)
}

// Retry reopens a failed refund and processes it again.
func (s *Service) Retry(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "refund retry is admin only")
	}
	refund, err := s.loadRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(refund.PaymentID.String())
	defer unlock()

	if _, err := s.transition(ctx, id, enums.RefundStatusFailed, func(refund *models.Refund) map[string]any {
		refund.Status = enums.RefundStatusApproved
		refund.FailureReason = nil
		return map[string]any{"status": enums.RefundStatusApproved, "failure_reason": nil}
	}); err != nil {
		return nil, err
	}
	return s.process(ctx, actor, id)
}

// Get returns a refund visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error) {
	refund, err := s.loadRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	payment, err := s.loadPayment(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if !canAccess(actor, payment) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund not found")
	}
	return refund, nil
}

// transition applies a guarded status change from the from state.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from enums.RefundStatus, apply func(*models.Refund) map[string]any) (*models.Refund, error) {
	var out *models.Refund
	err := db.RetryConflicts(ctx, s.retries, func() error {
		refund, err := s.loadRefund(ctx, id)
		if err != nil {
			return err
		}
		if refund.Status != from {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "refund is %s", refund.Status)
		}
		if err := s.repo.UpdateVersioned(ctx, refund, apply(refund)); err != nil {
			return err
		}
		out = refund
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(s.refundCtx(ctx, out), "status", out.Status), "refund updated")
	return out, nil
}

// process must run under the payment's lock.
func (s *Service) process(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error) {
	refund, err := s.loadRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = s.refundCtx(ctx, refund)
	switch refund.Status {
	case enums.RefundStatusCompleted:
		return refund, nil
	case enums.RefundStatusApproved:
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "refund is %s", refund.Status)
	}

	payment, err := s.loadPayment(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != enums.PaymentStatusCompleted {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "payment is %s", payment.Status)
	}
	if refund.Amount > payment.RefundableAmount() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds the refundable amount").
			WithDetails(map[string]any{"refundable": payment.RefundableAmount()})
	}

	adapter, err := s.registry.Get(payment.Provider)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithProvider(ctx, string(payment.Provider))
	result, callErr := providers.Call(ctx, s.caller, payment.Provider, "refund", func(ctx context.Context) (providers.RefundResult, error) {
		return adapter.Refund(ctx, providers.RefundRequest{
			TransactionID:    deref(payment.TransactionID),
			ProviderIntentID: deref(payment.ProviderIntentID),
			Amount:           refund.Amount,
			Currency:         refund.Currency,
			IdempotencyKey:   refund.ID.String(),
		})
	})
	if callErr != nil {
		return nil, s.fail(ctx, actor, refund.ID, callErr)
	}
	return s.complete(ctx, actor, refund.ID, result.RefundRef)
}

func (s *Service) complete(ctx context.Context, actor auth.Actor, id uuid.UUID, providerRef string) (*models.Refund, error) {
	var done *models.Refund
	err := db.RetryConflicts(ctx, s.retries, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			refund, err := s.repo.WithTx(tx).FindByID(ctx, id)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload refund")
			}
			done = refund
			if refund.Status == enums.RefundStatusCompleted {
				return nil
			}
			if refund.Status != enums.RefundStatusApproved {
				return pkgerrors.Newf(pkgerrors.CodeStateConflict, "refund became %s", refund.Status)
			}
			payment, err := s.payments.WithTx(tx).FindByID(ctx, refund.PaymentID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload payment")
			}
			return s.settle(ctx, tx, actor, payment, refund, providerRef)
		})
	})
	if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		// the provider refunded money the ledger no longer has room for
		s.flagConflict(ctx, id, providerRef, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeReconciliation, err, "provider refunded more than the payment allows")
	}
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "refund completed")
	return done, nil
}

// settle records a completed refund inside tx and cascades a full refund to
// the payment and its escrow.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, actor auth.Actor, payment *models.Payment, refund *models.Refund, providerRef string) error {
	now := s.now().UTC()
	updates := map[string]any{
		"status":         enums.RefundStatusCompleted,
		"completed_at":   now,
		"failure_reason": nil,
		"attempts":       gorm.Expr("attempts + 1"),
	}
	if providerRef != "" {
		updates["provider_refund_id"] = providerRef
		refund.ProviderRefundID = &providerRef
	}
	if err := s.repo.WithTx(tx).UpdateVersioned(ctx, refund, updates); err != nil {
		return err
	}
	refund.Status = enums.RefundStatusCompleted
	refund.CompletedAt = &now
	refund.FailureReason = nil
	refund.Attempts++

	paymentRepo := s.payments.WithTx(tx)
	if err := paymentRepo.AddRefundedAmount(ctx, payment.ID, refund.Amount); err != nil {
		return err
	}
	payment.RefundedAmount += refund.Amount
	payment.Version++

	if err := s.emit(ctx, tx, actor, refund, enums.EventRefundCompleted); err != nil {
		return err
	}
	if payment.RefundedAmount < payment.Amount || payment.Status != enums.PaymentStatusCompleted {
		return nil
	}

	if err := paymentRepo.UpdateVersioned(ctx, payment, map[string]any{"status": enums.PaymentStatusRefunded}); err != nil {
		return err
	}
	payment.Status = enums.PaymentStatusRefunded
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentRefunded,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Actor:         actor.Ref(),
		Data:          payments.EventData(payment),
	}); err != nil {
		return err
	}
	s.logg.Info(s.logg.WithPaymentID(ctx, payment.ID.String()), "payment fully refunded")
	return s.escrow.CloseRefunded(ctx, tx, payment.ID, actor)
}

// fail records the provider failure and hands the refund to an operator.
func (s *Service) fail(ctx context.Context, actor auth.Actor, id uuid.UUID, cause error) error {
	s.logg.Error(ctx, "provider refund failed", cause)
	err := db.RetryConflicts(ctx, s.retries, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			refund, err := repo.FindByID(ctx, id)
			if err != nil {
				return err
			}
			if refund.Status != enums.RefundStatusApproved {
				return nil
			}
			reason := truncate(cause.Error(), 500)
			if err := repo.UpdateVersioned(ctx, refund, map[string]any{
				"status":         enums.RefundStatusFailed,
				"failure_reason": reason,
				"attempts":       gorm.Expr("attempts + 1"),
			}); err != nil {
				return err
			}
			refund.Status = enums.RefundStatusFailed
			refund.FailureReason = &reason
			if err := s.emit(ctx, tx, actor, refund, enums.EventRefundFailed); err != nil {
				return err
			}
			return s.operator.Open(ctx, tx, operator.Item{
				Kind:       enums.OperatorItemRefundFailed,
				EntityType: string(enums.AggregateRefund),
				EntityID:   refund.ID,
				Details: map[string]any{
					"payment_id": refund.PaymentID.String(),
					"amount":     refund.Amount,
					"error":      reason,
				},
			})
		})
	})
	if err != nil {
		s.logg.Error(ctx, "failed to record refund failure", err)
	}
	if pkgerrors.CodeOf(cause) == pkgerrors.CodeValidation {
		return cause
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "provider refund failed")
}

func (s *Service) flagConflict(ctx context.Context, id uuid.UUID, providerRef string, cause error) {
	details := map[string]any{"refund_id": id.String(), "error": cause.Error()}
	if providerRef != "" {
		details["provider_refund_id"] = providerRef
	}
	s.logg.Warn(s.logg.WithFields(ctx, details), "refund could not be recorded")
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.operator.Open(ctx, tx, operator.Item{
			Kind:       enums.OperatorItemReconciliationConflict,
			EntityType: string(enums.AggregateRefund),
			EntityID:   id,
			Details:    details,
		})
	})
	if err != nil {
		s.logg.Error(ctx, "failed to open reconciliation item", err)
	}
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, actor auth.Actor, refund *models.Refund, eventType enums.OutboxEventType) error {
	data := payloads.RefundEvent{
		RefundID:  refund.ID,
		PaymentID: refund.PaymentID,
		EscrowID:  refund.EscrowID,
		Amount:    refund.Amount,
		Currency:  refund.Currency,
		Status:    refund.Status,
	}
	if refund.ProviderRefundID != nil {
		data.ProviderRefundID = *refund.ProviderRefundID
	}
	if refund.FailureReason != nil {
		data.FailureReason = *refund.FailureReason
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateRefund,
		AggregateID:   refund.ID,
		Actor:         actor.Ref(),
		Data:          data,
	})
}

func (s *Service) loadRefund(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	refund, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load refund")
	}
	return refund, nil
}

func (s *Service) loadPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load payment")
	}
	return payment, nil
}

func (s *Service) refundCtx(ctx context.Context, refund *models.Refund) context.Context {
	ctx = s.logg.WithPaymentID(ctx, refund.PaymentID.String())
	return s.logg.WithField(ctx, "refund_id", refund.ID.String())
}

func canAccess(actor auth.Actor, payment *models.Payment) bool {
	if actor.IsPrivileged() {
		return true
	}
	return actor.Role == enums.RoleCustomer && payment.CustomerID == actor.UserID
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func truncate(message string, max int) string {
	if len(message) <= max {
		return message
	}
	return message[:max]
}
