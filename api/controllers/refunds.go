package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/api/validators"
	"github.com/angelmondragon/escrowpay-backend/internal/refunds"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

type RefundService interface {
	Request(ctx context.Context, actor auth.Actor, input refunds.RequestInput) (*models.Refund, error)
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error)
	Approve(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error)
	Reject(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*models.Refund, error)
	Process(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error)
	Retry(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Refund, error)
}

type requestRefundRequest struct {
	PaymentID uuid.UUID `json:"payment_id" validate:"required"`
	Amount    int64     `json:"amount" validate:"gt=0"`
	Reason    string    `json:"reason" validate:"required,max=500"`
}

type rejectRefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (p *requestRefundRequest) Sanitize() { p.Reason = validators.SanitizeString(p.Reason, 500) }

func (p *rejectRefundRequest) Sanitize() { p.Reason = validators.SanitizeString(p.Reason, 500) }

type refundResponse struct {
	ID               uuid.UUID  `json:"id"`
	PaymentID        uuid.UUID  `json:"payment_id"`
	EscrowID         *uuid.UUID `json:"escrow_id,omitempty"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	Reason           string     `json:"reason"`
	Status           string     `json:"status"`
	RequestedBy      uuid.UUID  `json:"requested_by"`
	ApprovedBy       *uuid.UUID `json:"approved_by,omitempty"`
	RejectionReason  *string    `json:"rejection_reason,omitempty"`
	ProviderRefundID *string    `json:"provider_refund_id,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	Attempts         int        `json:"attempts"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func newRefundResponse(r *models.Refund) refundResponse {
	return refundResponse{
		ID:               r.ID,
		PaymentID:        r.PaymentID,
		EscrowID:         r.EscrowID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		Reason:           r.Reason,
		Status:           string(r.Status),
		RequestedBy:      r.RequestedBy,
		ApprovedBy:       r.ApprovedBy,
		RejectionReason:  r.RejectionReason,
		ProviderRefundID: r.ProviderRefundID,
		FailureReason:    r.FailureReason,
		Attempts:         r.Attempts,
		CreatedAt:        r.CreatedAt,
		CompletedAt:      r.CompletedAt,
	}
}

// RefundRequest records a pending refund against a completed payment.
func RefundRequest(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload requestRefundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		refund, err := svc.Request(r.Context(), actor, refunds.RequestInput{
			PaymentID: payload.PaymentID,
			Amount:    payload.Amount,
			Reason:    payload.Reason,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newRefundResponse(refund))
	}
}

func RefundGet(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "refundId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		refund, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundResponse(refund))
	}
}

func AdminRefundApprove(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return refundTransition(logg, svc.Approve)
}

func AdminRefundProcess(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return refundTransition(logg, svc.Process)
}

// AdminRefundRetry moves a failed refund back to approved and processes it again.
func AdminRefundRetry(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return refundTransition(logg, svc.Retry)
}

func AdminRefundReject(svc RefundService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "refundId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload rejectRefundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		refund, err := svc.Reject(r.Context(), actor, id, payload.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundResponse(refund))
	}
}

func refundTransition(logg *logger.Logger, apply func(context.Context, auth.Actor, uuid.UUID) (*models.Refund, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "refundId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		refund, err := apply(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundResponse(refund))
	}
}
