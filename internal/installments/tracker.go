package installments

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox/payloads"
)

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Tracker advances plans as their installment payments settle.
type Tracker struct {
	repo   Repository
	outbox eventEmitter
	logg   *logger.Logger
}

func NewTracker(repo Repository, emitter eventEmitter, logg *logger.Logger) (*Tracker, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "installment plan repository required")
	}
	if emitter == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox required")
	}
	return &Tracker{repo: repo, outbox: emitter, logg: logg}, nil
}

// OnPaymentSettled runs inside the payment's completion transaction. A paid
// installment advances the schedule; a failed one defaults an active plan.
func (t *Tracker) OnPaymentSettled(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	if payment.InstallmentPlanID == nil {
		return nil
	}
	repo := t.repo.WithTx(tx)
	plan, err := repo.FindByID(ctx, *payment.InstallmentPlanID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load installment plan")
	}
	ctx = t.logg.WithFields(ctx, map[string]any{
		"plan_id":    plan.ID.String(),
		"payment_id": payment.ID.String(),
	})

	switch payment.Status {
	case enums.PaymentStatusCompleted:
		if plan.Status == enums.PlanStatusCompleted {
			return nil
		}
		paid := plan.PaidCount + 1
		updates := map[string]any{
			"paid_count":  paid,
			"next_due_at": plan.NextDueAt.Add(time.Duration(plan.IntervalDays) * 24 * time.Hour),
		}
		completed := plan.Status == enums.PlanStatusActive && paid >= plan.Installments
		if completed {
			updates["status"] = enums.PlanStatusCompleted
		}
		if err := repo.UpdateVersioned(ctx, plan, updates); err != nil {
			return err
		}
		plan.PaidCount = paid
		if !completed {
			t.logg.Info(ctx, "installment paid")
			return nil
		}
		plan.Status = enums.PlanStatusCompleted
		t.logg.Info(ctx, "installment plan completed")
		return t.emit(ctx, tx, plan, enums.EventInstallmentPlanCompleted, auth.SystemActor)

	case enums.PaymentStatusFailed:
		if plan.Status != enums.PlanStatusActive {
			return nil
		}
		return t.markDefaulted(ctx, tx, plan, auth.SystemActor)
	}
	return nil
}

func (t *Tracker) markDefaulted(ctx context.Context, tx *gorm.DB, plan *models.InstallmentPlan, actor auth.Actor) error {
	if err := t.repo.WithTx(tx).UpdateVersioned(ctx, plan, map[string]any{"status": enums.PlanStatusDefaulted}); err != nil {
		return err
	}
	plan.Status = enums.PlanStatusDefaulted
	t.logg.Warn(ctx, "installment plan defaulted")
	return t.emit(ctx, tx, plan, enums.EventInstallmentPlanDefaulted, actor)
}

func (t *Tracker) emit(ctx context.Context, tx *gorm.DB, plan *models.InstallmentPlan, eventType enums.OutboxEventType, actor auth.Actor) error {
	return t.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateInstallmentPlan,
		AggregateID:   plan.ID,
		Actor:         actor.Ref(),
		Data: payloads.InstallmentPlanEvent{
			PlanID:       plan.ID,
			OrderID:      plan.OrderID,
			CustomerID:   plan.CustomerID,
			TotalAmount:  plan.TotalAmount,
			Installments: plan.Installments,
			PaidCount:    plan.PaidCount,
			Status:       plan.Status,
		},
	})
}
