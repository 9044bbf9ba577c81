package refunds

import (
	"context"

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

// ApplyProviderRefund records a refund the provider reported, inside tx. It
// completes the approved refund it belongs to, or records one the provider
// initiated on its own. A refund the payment cannot absorb is a conflict.
func (s *Service) ApplyProviderRefund(ctx context.Context, tx *gorm.DB, payment *models.Payment, evt providers.CanonicalEvent) (enums.ReconciliationOutcome, error) {
	repo := s.repo.WithTx(tx)
	ctx = s.logg.WithPaymentID(ctx, payment.ID.String())

	if evt.RefundRef != "" {
		existing, err := repo.FindByProviderRef(ctx, payment.ID, evt.RefundRef)
		switch {
		case err == nil && existing.Status == enums.RefundStatusCompleted:
			return enums.ReconciliationNoop, nil
		case err != nil && !db.IsNotFound(err):
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "look up refund by provider reference")
		}
	}

	amount := evt.Amount
	if amount <= 0 {
		amount = payment.RefundableAmount()
	}
	if amount <= 0 {
		return enums.ReconciliationNoop, nil
	}

	refund, err := repo.FindAwaitingProvider(ctx, payment.ID, amount)
	if err != nil && !db.IsNotFound(err) {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "look up approved refund")
	}
	if payment.Status != enums.PaymentStatusCompleted || amount > payment.RefundableAmount() {
		return enums.ReconciliationConflict, s.openRefundConflict(ctx, tx, payment, evt, amount)
	}

	if refund == nil {
		refund = &models.Refund{
			ID:          uuid.New(),
			PaymentID:   payment.ID,
			Amount:      amount,
			Currency:    payment.Currency,
			Reason:      providerInitiated,
			Status:      enums.RefundStatusApproved,
			RequestedBy: uuid.Nil,
			Version:     1,
		}
		if err := repo.Create(ctx, refund); err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record provider refund")
		}
	}
	if err := s.settle(ctx, tx, auth.SystemActor, payment, refund, evt.RefundRef); err != nil {
		return "", err
	}
	s.logg.Info(s.refundCtx(ctx, refund), "provider refund applied")
	return enums.ReconciliationApplied, nil
}

func (s *Service) openRefundConflict(ctx context.Context, tx *gorm.DB, payment *models.Payment, evt providers.CanonicalEvent, amount int64) error {
	details := map[string]any{
		"payment_id":     payment.ID.String(),
		"payment_status": payment.Status,
		"refund_amount":  amount,
		"refundable":     payment.RefundableAmount(),
		"provider_ref":   evt.RefundRef,
	}
	s.logg.Warn(s.logg.WithFields(ctx, details), "provider refund exceeds the payment")
	return s.operator.Open(ctx, tx, operator.Item{
		Kind:       enums.OperatorItemReconciliationConflict,
		EntityType: string(enums.AggregatePayment),
		EntityID:   payment.ID,
		Details:    details,
	})
}
