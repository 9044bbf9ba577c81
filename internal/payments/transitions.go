package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

const (
	opConfirm = "confirm"
	opCancel  = "cancel"

	ReasonProviderTimeout  = "provider_timeout"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonCurrencyMismatch = "currency_mismatch"
)

// transition is a requested finalization of a payment. A local transition
// was inferred here, not reported by the provider, and never overrides a
// payment the provider already finalized.
type transition struct {
	status        enums.PaymentStatus
	transactionID string
	failureReason string
	source        string
	local         bool
}

// Confirm captures the payment method against the provider intent.
func (s *Service) Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID, methodRef string) (*models.Payment, error) {
	ctx = s.logg.WithPaymentID(ctx, id.String())

	var payment *models.Payment
	err := db.RetryConflicts(ctx, s.retries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return notFound(err, "payment")
		}
		if !canAct(actor, current) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		payment = current
		if current.Status == enums.PaymentStatusCompleted {
			return nil
		}
		if !current.Status.IsOpen() {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payment is %s", current.Status)
		}
		if inFlight(current) == opCancel {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment is being cancelled")
		}
		op := opConfirm
		if err := s.repo.UpdateVersioned(ctx, current, map[string]any{
			"status":       enums.PaymentStatusProcessing,
			"in_flight_op": op,
		}); err != nil {
			return err
		}
		current.Status = enums.PaymentStatusProcessing
		current.InFlightOp = &op
		return nil
	})
	if err != nil {
		return nil, err
	}
	if payment.Status == enums.PaymentStatusCompleted {
		return payment, nil
	}

	adapter, err := s.registry.Get(payment.Provider)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithProvider(ctx, string(payment.Provider))
	result, callErr := providers.Call(ctx, s.caller, payment.Provider, "confirm", func(ctx context.Context) (providers.ConfirmResult, error) {
		return adapter.Confirm(ctx, providers.ConfirmRequest{
			PaymentID:        payment.ID,
			ProviderIntentID: deref(payment.ProviderIntentID),
			MethodRef:        strings.TrimSpace(methodRef),
			Amount:           payment.Amount,
			Currency:         payment.Currency,
		})
	})

	var next transition
	switch {
	case callErr == nil && result.Outcome == providers.OutcomeSucceeded,
		errors.Is(callErr, providers.ErrAlreadyConfirmed):
		next = transition{status: enums.PaymentStatusCompleted, transactionID: result.TransactionID, source: "confirm"}
	case callErr == nil && result.Outcome == providers.OutcomeFailed:
		next = transition{status: enums.PaymentStatusFailed, transactionID: result.TransactionID, failureReason: result.FailureReason, source: "confirm"}
	case callErr == nil:
		return s.stillProcessing(ctx, payment.ID, result.TransactionID)
	case pkgerrors.CodeOf(callErr) == pkgerrors.CodeDependency:
		s.logg.Warn(s.logg.WithField(ctx, "error", callErr.Error()), "provider unavailable on confirm, failing payment")
		next = transition{status: enums.PaymentStatusFailed, failureReason: ReasonProviderTimeout, source: "confirm", local: true}
	default:
		s.clearInFlight(ctx, payment.ID)
		return nil, callErr
	}

	var outcome enums.ReconciliationOutcome
	var final *models.Payment
	err = db.RetryConflicts(ctx, s.retries, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			current, err := s.repo.WithTx(tx).FindByID(ctx, payment.ID)
			if err != nil {
				return notFound(err, "payment")
			}
			outcome, err = s.settle(ctx, tx, current, next, actor)
			final = current
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if outcome == enums.ReconciliationConflict {
		return nil, pkgerrors.New(pkgerrors.CodeReconciliation, "payment was finalized differently by the provider").
			WithDetails(map[string]any{"payment_id": final.ID.String(), "status": final.Status})
	}
	return final, nil
}

// stillProcessing records a provider transaction and releases the in-flight marker.
func (s *Service) stillProcessing(ctx context.Context, id uuid.UUID, transactionID string) (*models.Payment, error) {
	var payment *models.Payment
	err := db.RetryConflicts(ctx, s.retries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return notFound(err, "payment")
		}
		payment = current
		if !current.Status.IsOpen() {
			return nil
		}
		updates := map[string]any{"in_flight_op": nil}
		if transactionID != "" {
			updates["transaction_id"] = transactionID
		}
		if err := s.repo.UpdateVersioned(ctx, current, updates); err != nil {
			return err
		}
		current.InFlightOp = nil
		if transactionID != "" {
			current.TransactionID = &transactionID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "payment still processing at provider")
	return payment, nil
}

func (s *Service) clearInFlight(ctx context.Context, id uuid.UUID) {
	err := db.RetryConflicts(ctx, s.retries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if current.InFlightOp == nil {
			return nil
		}
		return s.repo.UpdateVersioned(ctx, current, map[string]any{"in_flight_op": nil})
	})
	if err != nil {
		s.logg.Error(ctx, "failed to clear in-flight marker", err)
	}
}

// Cancel voids an open payment that has no provider call outstanding.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Payment, error) {
	ctx = s.logg.WithPaymentID(ctx, id.String())

	var payment *models.Payment
	err := db.RetryConflicts(ctx, s.retries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return notFound(err, "payment")
		}
		if !canAct(actor, current) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		if !current.Status.IsOpen() {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payment is %s", current.Status)
		}
		if current.InFlightOp != nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "a provider call is in flight").
				WithDetails(map[string]any{"in_flight_op": *current.InFlightOp})
		}
		op := opCancel
		if err := s.repo.UpdateVersioned(ctx, current, map[string]any{"in_flight_op": op}); err != nil {
			return err
		}
		current.InFlightOp = &op
		payment = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	adapter, err := s.registry.Get(payment.Provider)
	if err != nil {
		s.clearInFlight(ctx, payment.ID)
		return nil, err
	}
	ctx = s.logg.WithProvider(ctx, string(payment.Provider))
	err = s.caller.Do(ctx, payment.Provider, "cancel", func(ctx context.Context) error {
		return adapter.Cancel(ctx, providers.CancelRequest{
			ProviderIntentID: deref(payment.ProviderIntentID),
			TransactionID:    deref(payment.TransactionID),
		})
	})
	if err != nil {
		s.clearInFlight(ctx, payment.ID)
		return nil, providerFailure(err, "cancel provider intent")
	}

	err = db.RetryConflicts(ctx, s.retries, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			current, err := repo.FindByID(ctx, payment.ID)
			if err != nil {
				return notFound(err, "payment")
			}
			if current.Status == enums.PaymentStatusCancelled {
				payment = current
				return nil
			}
			if !current.Status.IsOpen() {
				return pkgerrors.Newf(pkgerrors.CodeStateConflict, "payment became %s during cancel", current.Status)
			}
			if err := repo.UpdateVersioned(ctx, current, map[string]any{
				"status":       enums.PaymentStatusCancelled,
				"in_flight_op": nil,
			}); err != nil {
				return err
			}
			current.Status = enums.PaymentStatusCancelled
			current.InFlightOp = nil
			payment = current
			return s.emit(ctx, tx, current, enums.EventPaymentCancelled, actor)
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "payment cancelled")
	return payment, nil
}

// ApplyResult reports what a verified provider event did.
type ApplyResult struct {
	Outcome   enums.ReconciliationOutcome
	PaymentID *uuid.UUID
}

// ApplyEvent applies a verified provider event inside tx. An event whose
// payment is not yet known returns CodeNotFound so the provider retries.
func (s *Service) ApplyEvent(ctx context.Context, tx *gorm.DB, evt providers.CanonicalEvent) (ApplyResult, error) {
	if !evt.Type.AffectsPayment() {
		return ApplyResult{Outcome: enums.ReconciliationIgnored}, nil
	}
	payment, err := s.findForEvent(ctx, tx, evt)
	if err != nil {
		return ApplyResult{}, err
	}
	result := ApplyResult{PaymentID: &payment.ID}
	ctx = s.logg.WithPaymentID(ctx, payment.ID.String())

	switch evt.Type {
	case enums.CanonicalPaymentRefunded:
		if s.refunds == nil {
			result.Outcome = enums.ReconciliationIgnored
			return result, nil
		}
		result.Outcome, err = s.refunds.ApplyProviderRefund(ctx, tx, payment, evt)
		return result, err
	case enums.CanonicalPaymentSucceeded:
		next := transition{status: enums.PaymentStatusCompleted, transactionID: evt.TransactionID, source: "webhook"}
		switch {
		case evt.Amount > 0 && evt.Amount < payment.Amount:
			next = transition{status: enums.PaymentStatusFailed, transactionID: evt.TransactionID, failureReason: ReasonAmountMismatch, source: "webhook"}
		case evt.Currency != "" && !strings.EqualFold(evt.Currency, payment.Currency):
			next = transition{status: enums.PaymentStatusFailed, transactionID: evt.TransactionID, failureReason: ReasonCurrencyMismatch, source: "webhook"}
		}
		result.Outcome, err = s.settle(ctx, tx, payment, next, auth.SystemActor)
		return result, err
	default:
		reason := evt.FailureReason
		if reason == "" {
			reason = evt.RawType
		}
		next := transition{status: enums.PaymentStatusFailed, transactionID: evt.TransactionID, failureReason: reason, source: "webhook"}
		result.Outcome, err = s.settle(ctx, tx, payment, next, auth.SystemActor)
		return result, err
	}
}

func (s *Service) findForEvent(ctx context.Context, tx *gorm.DB, evt providers.CanonicalEvent) (*models.Payment, error) {
	repo := s.repo.WithTx(tx)
	var (
		payment *models.Payment
		err = gorm.ErrRecordNotFound
	)
	byTransaction := func() {
		if evt.TransactionID != "" {
			payment, err = repo.FindByTransaction(ctx, evt.Provider, evt.TransactionID)
		}
	}
	byIntent := func() {
		if evt.ProviderIntentID != "" {
			payment, err = repo.FindByProviderIntent(ctx, evt.Provider, evt.ProviderIntentID)
		}
	}
	if evt.Type == enums.CanonicalPaymentRefunded {
		byTransaction()
		if db.IsNotFound(err) {
			byIntent()
		}
	} else {
		byIntent()
		if db.IsNotFound(err) {
			byTransaction()
		}
	}
	if err != nil {
		return nil, notFound(err, "payment")
	}
	return payment, nil
}

// settle moves payment toward next inside tx. Terminal states absorb later
// moves; a provider-reported completed against failed is a conflict for an
// operator.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, payment *models.Payment, next transition, actor auth.Actor) (enums.ReconciliationOutcome, error) {
	current := payment.Status
	switch {
	case current == next.status:
		return enums.ReconciliationNoop, nil
	case next.local && !current.IsOpen():
		return enums.ReconciliationNoop, nil
	case current == enums.PaymentStatusCompleted && next.status == enums.PaymentStatusFailed,
		current == enums.PaymentStatusFailed && next.status == enums.PaymentStatusCompleted,
		current == enums.PaymentStatusCancelled && next.status == enums.PaymentStatusCompleted:
		return enums.ReconciliationConflict, s.openConflict(ctx, tx, payment, next)
	case !current.IsOpen():
		return enums.ReconciliationNoop, nil
	}

	repo := s.repo.WithTx(tx)
	now := s.now().UTC()
	updates := map[string]any{
		"status":       next.status,
		"in_flight_op": nil,
	}
	if next.transactionID != "" {
		updates["transaction_id"] = next.transactionID
	}
	eventType := enums.EventPaymentCompleted
	if next.status == enums.PaymentStatusCompleted {
		updates["completed_at"] = now
		updates["failure_reason"] = nil
	} else {
		eventType = enums.EventPaymentFailed
		updates["failure_reason"] = next.failureReason
	}
	if err := repo.UpdateVersioned(ctx, payment, updates); err != nil {
		return "", err
	}

	payment.Status = next.status
	payment.InFlightOp = nil
	if next.transactionID != "" {
		txID := next.transactionID
		payment.TransactionID = &txID
	}
	if next.status == enums.PaymentStatusCompleted {
		payment.CompletedAt = &now
		payment.FailureReason = nil
		if err := s.escrow.CreateForPayment(ctx, tx, payment); err != nil {
			return "", err
		}
	} else {
		reason := next.failureReason
		payment.FailureReason = &reason
	}
	if err := s.emit(ctx, tx, payment, eventType, actor); err != nil {
		return "", err
	}
	if s.installments != nil && payment.InstallmentPlanID != nil {
		if err := s.installments.OnPaymentSettled(ctx, tx, payment); err != nil {
			return "", err
		}
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"payment_id": payment.ID.String(),
		"status":     next.status,
		"source":     next.source,
	})
	s.logg.Info(logCtx, "payment finalized")
	return enums.ReconciliationApplied, nil
}

func (s *Service) openConflict(ctx context.Context, tx *gorm.DB, payment *models.Payment, next transition) error {
	details := map[string]any{
		"payment_id":      payment.ID.String(),
		"current_status":  payment.Status,
		"observed_status": next.status,
		"source":          next.source,
	}
	if next.transactionID != "" {
		details["transaction_id"] = next.transactionID
	}
	if next.failureReason != "" {
		details["failure_reason"] = next.failureReason
	}
	s.logg.Warn(s.logg.WithFields(ctx, details), "conflicting payment finalization")
	return s.operator.Open(ctx, tx, operator.Item{
		Kind:       enums.OperatorItemReconciliationConflict,
		EntityType: string(enums.AggregatePayment),
		EntityID:   payment.ID,
		Details:    details,
	})
}

// canAct allows the paying customer and privileged roles.
func canAct(actor auth.Actor, payment *models.Payment) bool {
	if actor.IsPrivileged() {
		return true
	}
	return actor.Role == enums.RoleCustomer && payment.CustomerID == actor.UserID
}

func inFlight(payment *models.Payment) string {
	return deref(payment.InFlightOp)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
