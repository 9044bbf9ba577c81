package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/api/validators"
	"github.com/angelmondragon/escrowpay-backend/internal/escrow"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

type EscrowService interface {
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Escrow, error)
	Release(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Escrow, error)
	Refund(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*models.Escrow, error)
	Dispute(ctx context.Context, actor auth.Actor, id uuid.UUID, input escrow.DisputeInput) (*models.Escrow, error)
	Resolve(ctx context.Context, actor auth.Actor, id uuid.UUID, winner enums.DisputeWinner) (*models.Escrow, error)
}

type escrowRefundRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type escrowDisputeRequest struct {
	Reason   string          `json:"reason" validate:"required,max=1000"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

func (p *escrowRefundRequest) Sanitize() { p.Reason = validators.SanitizeString(p.Reason, 500) }

func (p *escrowDisputeRequest) Sanitize() { p.Reason = validators.SanitizeString(p.Reason, 1000) }

type escrowResolveRequest struct {
	Winner string `json:"winner" validate:"required,oneof=buyer seller"`
}

type escrowResponse struct {
	ID               uuid.UUID            `json:"id"`
	PaymentID        uuid.UUID            `json:"payment_id"`
	OrderID          uuid.UUID            `json:"order_id"`
	Amount           int64                `json:"amount"`
	Currency         string               `json:"currency"`
	Provider         string               `json:"provider"`
	Status           string               `json:"status"`
	HoldUntil        time.Time            `json:"hold_until"`
	ReleasedAt       *time.Time           `json:"released_at,omitempty"`
	RefundedAt       *time.Time           `json:"refunded_at,omitempty"`
	DisputeReason    *string              `json:"dispute_reason,omitempty"`
	DisputedAt       *time.Time           `json:"disputed_at,omitempty"`
	ResolutionWinner *string              `json:"resolution_winner,omitempty"`
	ResolvedAt       *time.Time           `json:"resolved_at,omitempty"`
	Settlements      []settlementResponse `json:"settlements,omitempty"`
}

type settlementResponse struct {
	RecipientID   string     `json:"recipient_id"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	TransferRef   *string    `json:"transfer_ref,omitempty"`
	TransferredAt *time.Time `json:"transferred_at,omitempty"`
}

func newEscrowResponse(e *models.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:            e.ID,
		PaymentID:     e.PaymentID,
		OrderID:       e.OrderID,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Provider:      string(e.Provider),
		Status:        string(e.Status),
		HoldUntil:     e.HoldUntil,
		ReleasedAt:    e.ReleasedAt,
		RefundedAt:    e.RefundedAt,
		DisputeReason: e.DisputeReason,
		DisputedAt:    e.DisputedAt,
		ResolvedAt:    e.ResolvedAt,
	}
	if e.ResolutionWinner != nil {
		winner := string(*e.ResolutionWinner)
		resp.ResolutionWinner = &winner
	}
	for _, s := range e.Settlements {
		resp.Settlements = append(resp.Settlements, settlementResponse{
			RecipientID:   s.RecipientID,
			Amount:        s.Amount,
			Status:        string(s.Status),
			TransferRef:   s.TransferRef,
			TransferredAt: s.TransferredAt,
		})
	}
	return resp
}

func EscrowGet(svc EscrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "escrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		held, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newEscrowResponse(held))
	}
}

// EscrowRelease pays out a held escrow ahead of its hold window.
func EscrowRelease(svc EscrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "escrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		released, err := svc.Release(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newEscrowResponse(released))
	}
}

func EscrowRefund(svc EscrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "escrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload escrowRefundRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		refunded, err := svc.Refund(r.Context(), actor, id, payload.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newEscrowResponse(refunded))
	}
}

func EscrowDispute(svc EscrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "escrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload escrowDisputeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		disputed, err := svc.Dispute(r.Context(), actor, id, escrow.DisputeInput{
			Reason:   payload.Reason,
			Evidence: payload.Evidence,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newEscrowResponse(disputed))
	}
}

// AdminEscrowResolve settles a disputed escrow for the buyer or the seller.
func AdminEscrowResolve(svc EscrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "escrowId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload escrowResolveRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		winner, err := enums.ParseDisputeWinner(payload.Winner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid winner"))
			return
		}
		resolved, err := svc.Resolve(r.Context(), actor, id, winner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newEscrowResponse(resolved))
	}
}
