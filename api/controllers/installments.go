package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/api/validators"
	"github.com/angelmondragon/escrowpay-backend/internal/installments"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

type InstallmentService interface {
	CreatePlan(ctx context.Context, actor auth.Actor, input installments.CreatePlanInput) (*models.InstallmentPlan, error)
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.InstallmentPlan, error)
	ChargeNext(ctx context.Context, actor auth.Actor, planID uuid.UUID, methodRef string) (*installments.ChargeResult, error)
}

type createPlanRequest struct {
	OrderID        uuid.UUID  `json:"order_id" validate:"required"`
	CustomerID     *uuid.UUID `json:"customer_id,omitempty"`
	PayeeAccountID string     `json:"payee_account_id,omitempty" validate:"omitempty,max=255"`
	Provider       string     `json:"provider" validate:"required,provider"`
	Currency       string     `json:"currency" validate:"required,currency"`
	TotalAmount    int64      `json:"total_amount" validate:"gt=0"`
	Installments   int        `json:"installments" validate:"gte=1,lte=48"`
	IntervalDays   int        `json:"interval_days,omitempty" validate:"omitempty,gte=1,lte=365"`
}

type chargePlanRequest struct {
	PaymentMethod string `json:"payment_method,omitempty" validate:"omitempty,max=255"`
}

type planResponse struct {
	ID                uuid.UUID `json:"id"`
	OrderID           uuid.UUID `json:"order_id"`
	CustomerID        uuid.UUID `json:"customer_id"`
	PayeeAccountID    *string   `json:"payee_account_id,omitempty"`
	Provider          string    `json:"provider"`
	Currency          string    `json:"currency"`
	TotalAmount       int64     `json:"total_amount"`
	Installments      int       `json:"installments"`
	InstallmentAmount int64     `json:"installment_amount"`
	FinalAmount       int64     `json:"final_amount"`
	PaidCount         int       `json:"paid_count"`
	IntervalDays      int       `json:"interval_days"`
	NextDueAt         time.Time `json:"next_due_at"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

type chargeResponse struct {
	Plan         planResponse    `json:"plan"`
	Payment      paymentResponse `json:"payment"`
	ClientSecret string          `json:"client_secret,omitempty"`
}

func newPlanResponse(p *models.InstallmentPlan) planResponse {
	return planResponse{
		ID:                p.ID,
		OrderID:           p.OrderID,
		CustomerID:        p.CustomerID,
		PayeeAccountID:    p.PayeeAccountID,
		Provider:          string(p.Provider),
		Currency:          p.Currency,
		TotalAmount:       p.TotalAmount,
		Installments:      p.Installments,
		InstallmentAmount: p.InstallmentAmount,
		FinalAmount:       p.AmountFor(p.Installments),
		PaidCount:         p.PaidCount,
		IntervalDays:      p.IntervalDays,
		NextDueAt:         p.NextDueAt,
		Status:            string(p.Status),
		CreatedAt:         p.CreatedAt,
	}
}

func InstallmentPlanCreate(svc InstallmentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload createPlanRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input := installments.CreatePlanInput{
			OrderID:        payload.OrderID,
			PayeeAccountID: payload.PayeeAccountID,
			Provider:       enums.PaymentProvider(payload.Provider),
			Currency:       payload.Currency,
			TotalAmount:    payload.TotalAmount,
			Installments:   payload.Installments,
			IntervalDays:   payload.IntervalDays,
		}
		if payload.CustomerID != nil {
			input.CustomerID = *payload.CustomerID
		}
		plan, err := svc.CreatePlan(r.Context(), actor, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newPlanResponse(plan))
	}
}

func InstallmentPlanGet(svc InstallmentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "planId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		plan, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPlanResponse(plan))
	}
}

// InstallmentPlanCharge opens the next installment payment, confirming it
// immediately when a payment method is supplied.
func InstallmentPlanCharge(svc InstallmentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "planId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload chargePlanRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		result, err := svc.ChargeNext(r.Context(), actor, id, payload.PaymentMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, chargeResponse{
			Plan:         newPlanResponse(result.Plan),
			Payment:      newPaymentResponse(result.Payment),
			ClientSecret: result.ClientSecret,
		})
	}
}
