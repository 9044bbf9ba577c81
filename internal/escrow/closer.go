package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox/payloads"
)

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Closer finalizes escrows from inside other workflows' transactions.
type Closer struct {
	repo    Repository
	outbox  eventEmitter
	metrics *metrics.EscrowMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewCloser(repo Repository, emitter eventEmitter, m *metrics.EscrowMetrics, logg *logger.Logger) (*Closer, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "escrow repository required")
	}
	if emitter == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox required")
	}
	return &Closer{repo: repo, outbox: emitter, metrics: m, logg: logg, now: time.Now}, nil
}

// CloseRefunded marks the payment's escrow refunded once the payment has
// been refunded in full. Settled escrows are left untouched.
func (c *Closer) CloseRefunded(ctx context.Context, tx *gorm.DB, paymentID uuid.UUID, actor auth.Actor) error {
	repo := c.repo.WithTx(tx)
	escrow, err := repo.FindByPaymentID(ctx, paymentID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load escrow")
	}
	ctx = c.logg.WithEscrowID(ctx, escrow.ID.String())
	switch escrow.Status {
	case enums.EscrowStatusRefunded:
		return nil
	case enums.EscrowStatusReleased:
		c.logg.Warn(ctx, "payment refunded after escrow release")
		return nil
	}

	now := c.now().UTC()
	if err := repo.UpdateVersioned(ctx, escrow, map[string]any{
		"status":       enums.EscrowStatusRefunded,
		"refunded_at":  now,
		"in_flight_op": nil,
		"in_flight_at": nil,
	}); err != nil {
		return err
	}
	escrow.Status = enums.EscrowStatusRefunded
	escrow.RefundedAt = &now
	escrow.InFlightOp = nil
	escrow.InFlightAt = nil
	if err := c.emit(ctx, tx, escrow, enums.EventEscrowRefunded, actor, ""); err != nil {
		return err
	}
	c.metrics.Inc(string(enums.EscrowStatusRefunded), "refund")
	c.logg.Info(ctx, "escrow refunded")
	return nil
}

func (c *Closer) emit(ctx context.Context, tx *gorm.DB, escrow *models.Escrow, eventType enums.OutboxEventType, actor auth.Actor, reason string) error {
	data := payloads.EscrowEvent{
		EscrowID:  escrow.ID,
		PaymentID: escrow.PaymentID,
		OrderID:   escrow.OrderID,
		Amount:    escrow.Amount,
		Currency:  escrow.Currency,
		Status:    escrow.Status,
		HoldUntil: escrow.HoldUntil,
		Reason:    reason,
	}
	if escrow.ResolutionWinner != nil {
		data.Winner = *escrow.ResolutionWinner
	}
	return c.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregateEscrow,
		AggregateID:   escrow.ID,
		Actor:         actor.Ref(),
		Data:          data,
	})
}
