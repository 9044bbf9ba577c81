package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/api/validators"
	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

// PaymentService is the orchestrator surface exposed over HTTP.
type PaymentService interface {
	Create(ctx context.Context, actor auth.Actor, input payments.CreateInput) (*payments.CreateResult, error)
	Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Payment, error)
	List(ctx context.Context, actor auth.Actor, filters payments.Filters, params pagination.Params) (*payments.ListResult, error)
	Confirm(ctx context.Context, actor auth.Actor, id uuid.UUID, methodRef string) (*models.Payment, error)
	Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*models.Payment, error)
}

type createPaymentRequest struct {
	OrderID        uuid.UUID             `json:"order_id" validate:"required"`
	CustomerID     *uuid.UUID            `json:"customer_id,omitempty"`
	Amount         int64                 `json:"amount" validate:"gt=0"`
	Currency       string                `json:"currency" validate:"required,currency"`
	Provider       string                `json:"provider" validate:"required,provider"`
	PayeeAccountID string                `json:"payee_account_id,omitempty" validate:"omitempty,max=255"`
	Splits         []paymentSplitRequest `json:"splits,omitempty" validate:"omitempty,max=20,dive"`
}

type paymentSplitRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,max=255"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

type confirmPaymentRequest struct {
	PaymentMethod string `json:"payment_method" validate:"required,max=255"`
}

type paymentResponse struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	PayeeAccountID    *string         `json:"payee_account_id,omitempty"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	Provider          string          `json:"provider"`
	Status            string          `json:"status"`
	ProviderIntentID  *string         `json:"provider_intent_id,omitempty"`
	TransactionID     *string         `json:"transaction_id,omitempty"`
	RefundedAmount    int64           `json:"refunded_amount"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	InstallmentPlanID *uuid.UUID      `json:"installment_plan_id,omitempty"`
	InstallmentSeq    *int            `json:"installment_seq,omitempty"`
	Splits            []splitResponse `json:"splits,omitempty"`
	ClientSecret      string          `json:"client_secret,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

type splitResponse struct {
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
}

type paymentListResponse struct {
	Payments   []paymentResponse `json:"payments"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func newPaymentResponse(p *models.Payment) paymentResponse {
	resp := paymentResponse{
		ID:                p.ID,
		OrderID:           p.OrderID,
		CustomerID:        p.CustomerID,
		PayeeAccountID:    p.PayeeAccountID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Provider:          string(p.Provider),
		Status:            string(p.Status),
		ProviderIntentID:  p.ProviderIntentID,
		TransactionID:     p.TransactionID,
		RefundedAmount:    p.RefundedAmount,
		FailureReason:     p.FailureReason,
		InstallmentPlanID: p.InstallmentPlanID,
		InstallmentSeq:    p.InstallmentSeq,
		CreatedAt:         p.CreatedAt,
		CompletedAt:       p.CompletedAt,
	}
	for _, split := range p.Splits {
		resp.Splits = append(resp.Splits, splitResponse{RecipientID: split.RecipientID, Amount: split.Amount})
	}
	return resp
}

// PaymentCreate opens a provider intent for an order.
func PaymentCreate(svc PaymentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload createPaymentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input := payments.CreateInput{
			OrderID:        payload.OrderID,
			Amount:         payload.Amount,
			Currency:       payload.Currency,
			Provider:       enums.PaymentProvider(payload.Provider),
			PayeeAccountID: payload.PayeeAccountID,
		}
		if payload.CustomerID != nil {
			input.CustomerID = *payload.CustomerID
		}
		for _, split := range payload.Splits {
			input.Splits = append(input.Splits, payments.SplitInput{RecipientID: split.RecipientID, Amount: split.Amount})
		}

		result, err := svc.Create(r.Context(), actor, input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := newPaymentResponse(result.Payment)
		resp.ClientSecret = result.ClientSecret
		responses.WriteSuccessStatus(w, http.StatusCreated, resp)
	}
}

func PaymentGet(svc PaymentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payment, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPaymentResponse(payment))
	}
}

// PaymentList filters by order_id, customer_id, status and provider.
func PaymentList(svc PaymentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := requireActor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters, params, err := parsePaymentQuery(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.List(r.Context(), actor, filters, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := paymentListResponse{Payments: make([]paymentResponse, 0, len(result.Payments)), NextCursor: result.NextCursor}
		for i := range result.Payments {
			resp.Payments = append(resp.Payments, newPaymentResponse(&result.Payments[i]))
		}
		responses.WriteSuccess(w, resp)
	}
}

func parsePaymentQuery(r *http.Request) (payments.Filters, pagination.Params, error) {
	var filters payments.Filters
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return filters, pagination.Params{}, err
	}
	if filters.OrderID, err = validators.ParseQueryUUID(r, "order_id"); err != nil {
		return filters, pagination.Params{}, err
	}
	if filters.CustomerID, err = validators.ParseQueryUUID(r, "customer_id"); err != nil {
		return filters, pagination.Params{}, err
	}
	query := r.URL.Query()
	if raw := query.Get("status"); raw != "" {
		status, err := enums.ParsePaymentStatus(raw)
		if err != nil {
			return filters, pagination.Params{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		filters.Statuses = []enums.PaymentStatus{status}
	}
	if raw := query.Get("provider"); raw != "" {
		provider, err := enums.ParsePaymentProvider(raw)
		if err != nil {
			return filters, pagination.Params{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid provider filter")
		}
		filters.Provider = provider
	}
	return filters, pagination.Params{Limit: limit, Cursor: query.Get("cursor")}, nil
}

func PaymentConfirm(svc PaymentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload confirmPaymentRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payment, err := svc.Confirm(r.Context(), actor, id, payload.PaymentMethod)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPaymentResponse(payment))
	}
}

func PaymentCancel(svc PaymentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "paymentId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		payment, err := svc.Cancel(r.Context(), actor, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newPaymentResponse(payment))
	}
}
