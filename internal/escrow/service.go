// Package escrow holds completed payments' funds until delivery, hold expiry
// or a dispute decision releases them to sellers or returns them to buyers.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
)

const (
	defaultHoldPeriod       = 168 * time.Hour
	defaultFailureThreshold = 3
	defaultSweepBatch       = 100
	defaultConflictRetries  = 3
	staleClaimAfter         = 15 * time.Minute

	opRelease = "release"
	opRefund  = "refund"

	TriggerManual    = "manual"
	TriggerAuto      = "auto"
	TriggerDelivered = "order_delivered"
	TriggerCancelled = "order_cancelled"
	TriggerDispute   = "dispute"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Refunder returns an escrow's funds through the refund workflow.
type Refunder interface {
	RefundEscrow(ctx context.Context, actor auth.Actor, escrow *models.Escrow, amount int64, reason string) error
}

type ServiceParams struct {
	Repo              Repository
	Payments          payments.Repository
	Registry          *providers.Registry
	Caller            *providers.Caller
	Closer            *Closer
	Refunds           Refunder
	Operator          operator.Opener
	TransactionRunner txRunner
	Metrics           *metrics.EscrowMetrics
	Logger            *logger.Logger
	Config            config.EscrowConfig
}

type Service struct {
	repo      Repository
	payments  payments.Repository
	registry  *providers.Registry
	caller    *providers.Caller
	closer    *Closer
	refunds   Refunder
	operator  operator.Opener
	tx        txRunner
	metrics   *metrics.EscrowMetrics
	logg      *logger.Logger
	hold      time.Duration
	threshold int
	batch     int
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "escrow repository required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repository required")
	case params.Registry == nil || params.Caller == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider registry and caller required")
	case params.Closer == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "escrow closer required")
	case params.Operator == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "operator queue required")
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	svc := &Service{
		repo:      params.Repo,
		payments:  params.Payments,
		registry:  params.Registry,
		caller:    params.Caller,
		closer:    params.Closer,
		refunds:   params.Refunds,
		operator:  params.Operator,
		tx:        params.TransactionRunner,
		metrics:   params.Metrics,
		logg:      params.Logger,
		hold:      params.Config.HoldPeriod,
		threshold: params.Config.ReleaseFailureThreshold,
		batch:     params.Config.SweepBatchSize,
		now:       time.Now,
	}
	if svc.hold <= 0 {
		svc.hold = defaultHoldPeriod
	}
	if svc.threshold <= 0 {
		svc.threshold = defaultFailureThreshold
	}
	if svc.batch <= 0 {
		svc.batch = defaultSweepBatch
	}
	return svc, nil
}

// CreateForPayment opens the escrow for a payment that just completed. It
// runs inside the completion transaction and keeps an existing escrow.
func (s *Service) CreateForPayment(ctx context.Context, tx *gorm.DB, payment *models.Payment) error {
	repo := s.repo.WithTx(tx)
	if _, err := repo.FindByPaymentID(ctx, payment.ID); err == nil {
		return nil
	} else if !db.IsNotFound(err) {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check existing escrow")
	}

	id := uuid.New()
	escrow := &models.Escrow{
		ID:          id,
		PaymentID:   payment.ID,
		OrderID:     payment.OrderID,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Provider:    payment.Provider,
		HoldUntil:   s.now().UTC().Add(s.hold),
		Status:      enums.EscrowStatusHeld,
		Version:     1,
		Settlements: planSettlements(id, payment),
	}
	if err := repo.Create(ctx, escrow); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create escrow")
	}
	ctx = s.logg.WithEscrowID(ctx, escrow.ID.String())
	if err := s.closer.emit(ctx, tx, escrow, enums.EventEscrowHeld, auth.SystemActor, ""); err != nil {
		return err
	}
	s.metrics.Inc(string(enums.EscrowStatusHeld), "payment_completed")
	s.logg.Info(ctx, "escrow held")
	return nil
}

// Get returns an escrow visible to actor.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Escrow, error) {
	escrow, payment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, escrow, payment) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "escrow not found")
	}
	return escrow, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Escrow, *models.Payment, error) {
	escrow, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "escrow not found")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load escrow")
	}
	payment, err := s.payments.FindByID(ctx, escrow.PaymentID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load escrow payment")
	}
	return escrow, payment, nil
}

// Release pays the held funds out to the settlement recipients.
func (s *Service) Release(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Escrow, error) {
	if !actor.IsPrivileged() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "escrow release is restricted to services and admins")
	}
	return s.release(ctx, actor, id, TriggerManual, nil)
}

// resolution is recorded with the release or refund that settles a dispute.
type resolution struct {
	winner enums.DisputeWinner
	by     uuid.UUID
}

func (s *Service) release(ctx context.Context, actor auth.Actor, id uuid.UUID, trigger string, res *resolution) (*models.Escrow, error) {
	ctx = s.logg.WithEscrowID(ctx, id.String())
	escrow, err := s.claim(ctx, id, opRelease, func(current *models.Escrow) error {
		switch {
		case current.Status == enums.EscrowStatusDisputed && res == nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "escrow is disputed and must be resolved")
		case current.Status == enums.EscrowStatusHeld && res != nil:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "escrow is held, not disputed")
		case current.Status != enums.EscrowStatusHeld && current.Status != enums.EscrowStatusDisputed:
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow is %s", current.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	payment, err := s.payments.FindByID(ctx, escrow.PaymentID)
	if err != nil {
		s.clearClaim(ctx, id, opRelease)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load escrow payment")
	}

	if err := s.transferPending(ctx, escrow, payment); err != nil {
		s.recordReleaseFailure(ctx, escrow.ID, err)
		return nil, err
	}

	var released *models.Escrow
	err = db.RetryConflicts(ctx, defaultConflictRetries, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			current, err := repo.FindByID(ctx, escrow.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload escrow")
			}
			released = current
			if current.Status == enums.EscrowStatusReleased {
				return nil
			}
			if current.Status != enums.EscrowStatusHeld && current.Status != enums.EscrowStatusDisputed {
				return pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow became %s during release", current.Status)
			}
			if claimedBy(current) != opRelease {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "escrow release claim was lost")
			}
			now := s.now().UTC()
			updates := map[string]any{
				"status":             enums.EscrowStatusReleased,
				"released_at":        now,
				"last_release_error": nil,
				"in_flight_op":       nil,
				"in_flight_at":       nil,
			}
			if res != nil {
				updates["resolution_winner"] = res.winner
				updates["resolved_by"] = res.by
				updates["resolved_at"] = now
				current.ResolutionWinner = &res.winner
				current.ResolvedBy = &res.by
				current.ResolvedAt = &now
			}
			if err := repo.UpdateVersioned(ctx, current, updates); err != nil {
				return err
			}
			current.Status = enums.EscrowStatusReleased
			current.ReleasedAt = &now
			current.LastReleaseError = nil
			current.InFlightOp = nil
			current.InFlightAt = nil
			return s.closer.emit(ctx, tx, current, enums.EventEscrowReleased, actor, "")
		})
	})
	if err != nil {
		s.clearClaim(ctx, id, opRelease)
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			s.flagPaidOut(ctx, escrow, err)
		}
		return nil, err
	}
	s.metrics.Inc(string(enums.EscrowStatusReleased), trigger)
	s.logg.Info(s.logg.WithField(ctx, "trigger", trigger), "escrow released")
	return released, nil
}

// flagPaidOut hands an escrow whose settlements went out but whose release
// could not be recorded to an operator.
func (s *Service) flagPaidOut(ctx context.Context, escrow *models.Escrow, cause error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.operator.Open(ctx, tx, operator.Item{
			Kind:       enums.OperatorItemReconciliationConflict,
			EntityType: string(enums.AggregateEscrow),
			EntityID:   escrow.ID,
			Details: map[string]any{
				"payment_id": escrow.PaymentID.String(),
				"error":      truncate(cause.Error(), 500),
			},
		})
	})
	if err != nil {
		s.logg.Error(ctx, "failed to flag released escrow", err)
	}
}

// transferPending moves every pending settlement row. Each row commits on its
// own so a retried release skips what already went out.
func (s *Service) transferPending(ctx context.Context, escrow *models.Escrow, payment *models.Payment) error {
	for _, row := range shrinkPending(escrow.Settlements, payment.RefundableAmount()) {
		if err := s.repo.UpdateSettlementAmount(ctx, row.ID, row.Amount); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "adjust settlement for partial refunds")
		}
	}

	transferer, canTransfer := s.registry.Transferer(escrow.Provider)
	for _, row := range escrow.Settlements {
		if row.Status == enums.SettlementStatusTransferred {
			continue
		}
		var ref *string
		if canTransfer && row.Amount > 0 {
			row := row
			transferRef, err := providers.Call(ctx, s.caller, escrow.Provider, "transfer", func(ctx context.Context) (string, error) {
				return transferer.Transfer(ctx, providers.TransferRequest{
					Destination:       row.RecipientID,
					Amount:            row.Amount,
					Currency:          escrow.Currency,
					SourceTransaction: derefString(payment.TransactionID),
					IdempotencyKey:    "settlement-" + row.ID.String(),
				})
			})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "transfer settlement").
					WithDetails(map[string]any{"settlement_id": row.ID.String(), "recipient_id": row.RecipientID})
			}
			ref = &transferRef
		}
		if err := s.repo.MarkSettlementTransferred(ctx, row.ID, ref, s.now().UTC()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record settlement transfer")
		}
	}
	return nil
}

// recordReleaseFailure bumps the attempt counter and hands the escrow to an
// operator once the threshold is reached.
func (s *Service) recordReleaseFailure(ctx context.Context, id uuid.UUID, cause error) {
	s.logg.Error(ctx, "escrow release failed", cause)
	s.metrics.Inc("release_failed", "transfer")
	err := db.RetryConflicts(ctx, defaultConflictRetries, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			current, err := repo.FindByID(ctx, id)
			if err != nil {
				return err
			}
			attempts := current.ReleaseAttempts + 1
			updates := map[string]any{
				"release_attempts":   attempts,
				"last_release_error": truncate(cause.Error(), 500),
			}
			if claimedBy(current) == opRelease {
				updates["in_flight_op"] = nil
				updates["in_flight_at"] = nil
			}
			if err := repo.UpdateVersioned(ctx, current, updates); err != nil {
				return err
			}
			if attempts < s.threshold {
				return nil
			}
			return s.operator.Open(ctx, tx, operator.Item{
				Kind:       enums.OperatorItemEscrowReleaseFailed,
				EntityType: string(enums.AggregateEscrow),
				EntityID:   id,
				Details: map[string]any{
					"release_attempts": attempts,
					"last_error":       truncate(cause.Error(), 500),
				},
			})
		})
	})
	if err != nil {
		s.logg.Error(ctx, "failed to record escrow release failure", err)
		s.clearClaim(ctx, id, opRelease)
	}
}

// claim marks the escrow with op before any provider call. A second release
// or refund sees the marker and is refused until the first one finishes.
func (s *Service) claim(ctx context.Context, id uuid.UUID, op string, check func(*models.Escrow) error) (*models.Escrow, error) {
	var claimed *models.Escrow
	err := db.RetryConflicts(ctx, defaultConflictRetries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			if db.IsNotFound(err) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "escrow not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load escrow")
		}
		if err := check(current); err != nil {
			return err
		}
		if held := claimedBy(current); held != "" {
			if current.InFlightAt != nil && s.now().Sub(*current.InFlightAt) < staleClaimAfter {
				return pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow %s already in progress", held).
					WithDetails(map[string]any{"in_flight_op": held})
			}
			s.logg.Warn(s.logg.WithField(ctx, "in_flight_op", held), "taking over stale escrow claim")
		}
		now := s.now().UTC()
		if err := s.repo.UpdateVersioned(ctx, current, map[string]any{
			"in_flight_op": op,
			"in_flight_at": now,
		}); err != nil {
			return err
		}
		current.InFlightOp = &op
		current.InFlightAt = &now
		claimed = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// clearClaim drops op's marker if it is still there.
func (s *Service) clearClaim(ctx context.Context, id uuid.UUID, op string) {
	err := db.RetryConflicts(ctx, defaultConflictRetries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if claimedBy(current) != op {
			return nil
		}
		return s.repo.UpdateVersioned(ctx, current, map[string]any{"in_flight_op": nil, "in_flight_at": nil})
	})
	if err != nil {
		s.logg.Error(s.logg.WithField(ctx, "in_flight_op", op), "failed to clear escrow claim", err)
	}
}

func claimedBy(escrow *models.Escrow) string {
	return derefString(escrow.InFlightOp)
}

// Refund returns a held escrow to the buyer, capped at what the payment
// still has refundable.
func (s *Service) Refund(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*models.Escrow, error) {
	escrow, payment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsPrivileged() && !(actor.Role == enums.RoleCustomer && payment.CustomerID == actor.UserID) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "escrow not found")
	}
	if escrow.Status != enums.EscrowStatusHeld {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow is %s", escrow.Status)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "buyer cancellation"
	}
	return s.refund(ctx, actor, id, enums.EscrowStatusHeld, reason, TriggerManual)
}

// refund claims an escrow in status from and returns it to the buyer.
func (s *Service) refund(ctx context.Context, actor auth.Actor, id uuid.UUID, from enums.EscrowStatus, reason, trigger string) (*models.Escrow, error) {
	if s.refunds == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "refund workflow not configured")
	}
	ctx = s.logg.WithEscrowID(ctx, id.String())
	escrow, err := s.claim(ctx, id, opRefund, func(current *models.Escrow) error {
		if current.Status != from {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow is %s", current.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer s.clearClaim(ctx, id, opRefund)

	payment, err := s.payments.FindByID(ctx, escrow.PaymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load escrow payment")
	}
	amount := escrow.Amount
	if refundable := payment.RefundableAmount(); refundable < amount {
		amount = refundable
	}
	if amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has nothing left to refund")
	}
	if err := s.refunds.RefundEscrow(ctx, actor, escrow, amount, reason); err != nil {
		return nil, err
	}
	refunded, err := s.repo.FindByID(ctx, escrow.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload escrow")
	}
	s.logg.Info(s.logg.WithField(ctx, "trigger", trigger), "escrow refund processed")
	return refunded, nil
}

type DisputeInput struct {
	Reason   string
	Evidence json.RawMessage
}

// Dispute freezes a held escrow until an admin resolves it.
func (s *Service) Dispute(ctx context.Context, actor auth.Actor, id uuid.UUID, input DisputeInput) (*models.Escrow, error) {
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute reason is required")
	}
	if len(input.Evidence) > 0 && !json.Valid(input.Evidence) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute evidence must be JSON")
	}

	var disputed *models.Escrow
	err := db.RetryConflicts(ctx, defaultConflictRetries, func() error {
		escrow, payment, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if !canView(actor, escrow, payment) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "escrow not found")
		}
		if escrow.Status != enums.EscrowStatusHeld {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow is %s", escrow.Status)
		}
		if held := claimedBy(escrow); held != "" {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow %s already in progress", held)
		}
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			now := s.now().UTC()
			updates := map[string]any{
				"status":         enums.EscrowStatusDisputed,
				"dispute_reason": reason,
				"disputed_at":    now,
			}
			if actor.UserID != uuid.Nil {
				updates["disputed_by"] = actor.UserID
				escrow.DisputedBy = &actor.UserID
			}
			if len(input.Evidence) > 0 {
				updates["dispute_evidence"] = input.Evidence
				escrow.DisputeEvidence = input.Evidence
			}
			if err := s.repo.WithTx(tx).UpdateVersioned(ctx, escrow, updates); err != nil {
				return err
			}
			escrow.Status = enums.EscrowStatusDisputed
			escrow.DisputeReason = &reason
			escrow.DisputedAt = &now
			disputed = escrow
			return s.closer.emit(ctx, tx, escrow, enums.EventEscrowDisputed, actor, reason)
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Inc(string(enums.EscrowStatusDisputed), TriggerDispute)
	s.logg.Warn(s.logg.WithEscrowID(ctx, id.String()), "escrow disputed")
	return disputed, nil
}

// Resolve settles a dispute once: seller wins → release, buyer wins → refund.
func (s *Service) Resolve(ctx context.Context, actor auth.Actor, id uuid.UUID, winner enums.DisputeWinner) (*models.Escrow, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "dispute resolution is admin only")
	}
	if !winner.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid winner %q", winner)
	}
	escrow, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != enums.EscrowStatusDisputed {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "escrow is %s, not disputed", escrow.Status)
	}

	res := &resolution{winner: winner, by: actor.UserID}
	if winner == enums.DisputeWinnerSeller {
		return s.release(ctx, actor, id, TriggerDispute, res)
	}

	if _, err := s.refund(ctx, actor, id, enums.EscrowStatusDisputed, "dispute resolved for buyer", TriggerDispute); err != nil {
		return nil, err
	}
	var resolved *models.Escrow
	err = db.RetryConflicts(ctx, defaultConflictRetries, func() error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload escrow")
		}
		now := s.now().UTC()
		if err := s.repo.UpdateVersioned(ctx, current, map[string]any{
			"resolution_winner": winner,
			"resolved_by":       actor.UserID,
			"resolved_at":       now,
		}); err != nil {
			return err
		}
		current.ResolutionWinner = &winner
		current.ResolvedBy = &res.by
		current.ResolvedAt = &now
		resolved = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ReleaseDue auto-releases held escrows whose hold expired. Disputed escrows
// are excluded by status and escalated ones by attempt count, so they cannot
// crowd out the rest of the batch. Each escrow is attempted independently.
func (s *Service) ReleaseDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.repo.ListDue(ctx, DueFilter{
		Now:         now,
		StaleClaims: now.Add(-staleClaimAfter),
		MaxAttempts: s.threshold,
		Limit:       s.batch,
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list due escrows")
	}
	var (
		released int
		errs     error
	)
	for _, candidate := range due {
		if ctx.Err() != nil {
			return released, multierr.Append(errs, ctx.Err())
		}
		if _, err := s.release(ctx, auth.SystemActor, candidate.ID, TriggerAuto, nil); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("escrow %s: %w", candidate.ID, err))
			continue
		}
		released++
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{"due": len(due), "released": released})
	s.logg.Info(logCtx, "escrow release sweep finished")
	return released, errs
}

// ReleaseByOrder releases every held escrow of a delivered order.
func (s *Service) ReleaseByOrder(ctx context.Context, orderID uuid.UUID) error {
	return s.eachHeld(ctx, orderID, func(id uuid.UUID) error {
		_, err := s.release(ctx, auth.SystemActor, id, TriggerDelivered, nil)
		return err
	})
}

// RefundByOrder refunds every held escrow of a cancelled order.
func (s *Service) RefundByOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "order cancelled"
	}
	return s.eachHeld(ctx, orderID, func(id uuid.UUID) error {
		_, err := s.refund(ctx, auth.SystemActor, id, enums.EscrowStatusHeld, reason, TriggerCancelled)
		return err
	})
}

func (s *Service) eachHeld(ctx context.Context, orderID uuid.UUID, fn func(uuid.UUID) error) error {
	rows, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list order escrows")
	}
	var errs error
	for _, row := range rows {
		rowCtx := s.logg.WithEscrowID(ctx, row.ID.String())
		if row.Status != enums.EscrowStatusHeld {
			s.logg.Debug(s.logg.WithField(rowCtx, "status", row.Status), "skipping escrow not held")
			continue
		}
		if err := fn(row.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("escrow %s: %w", row.ID, err))
		}
	}
	return errs
}

func canView(actor auth.Actor, escrow *models.Escrow, payment *models.Payment) bool {
	if payments.CanView(actor, payment) {
		return true
	}
	if actor.Role != enums.RoleSeller || actor.AccountID == "" {
		return false
	}
	for _, row := range escrow.Settlements {
		if row.RecipientID == actor.AccountID {
			return true
		}
	}
	return false
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// truncate keeps at most max bytes without splitting a rune.
func truncate(message string, max int) string {
	if len(message) <= max {
		return message
	}
	for max > 0 && !utf8.RuneStart(message[max]) {
		max--
	}
	return message[:max]
}
