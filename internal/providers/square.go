package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	pkgsquare "github.com/angelmondragon/escrowpay-backend/pkg/square"
)

const (
	squareSignatureHeader = "X-Square-Hmacsha256-Signature"
	squareIntentPrefix    = "sqi_"
)

// SquarePaymentsAPI is the subset of the Square client the adapter uses.
type SquarePaymentsAPI interface {
	CreatePayment(ctx context.Context, params pkgsquare.PaymentCreateParams) (*sq.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
	RefundPayment(ctx context.Context, params pkgsquare.RefundParams) (*sq.PaymentRefund, error)
	VerifySignature(body []byte, signature string) bool
}

// SquareProvider takes card payments through Square. Square has no intent
// object, so the intent is a local reference echoed as the payment reference_id.
type SquareProvider struct {
	api SquarePaymentsAPI
}

func NewSquareProvider(api SquarePaymentsAPI) (*SquareProvider, error) {
	if api == nil {
		return nil, errors.New("square client is required")
	}
	return &SquareProvider{api: api}, nil
}

func (p *SquareProvider) Name() enums.PaymentProvider {
	return enums.ProviderSquare
}

func (p *SquareProvider) CreateIntent(_ context.Context, req IntentRequest) (IntentResult, error) {
	ref := squareIntentPrefix + strings.ReplaceAll(req.PaymentID.String(), "-", "")
	if req.PaymentID == uuid.Nil {
		ref = squareIntentPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return IntentResult{ProviderIntentID: ref, ProviderStatus: "CREATED"}, nil
}

func (p *SquareProvider) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	if strings.TrimSpace(req.MethodRef) == "" {
		return ConfirmResult{}, pkgerrors.New(pkgerrors.CodeValidation, "square payments require a card source id")
	}
	payment, err := p.api.CreatePayment(ctx, pkgsquare.PaymentCreateParams{
		Amount:         req.Amount,
		Currency:       req.Currency,
		SourceID:       req.MethodRef,
		ReferenceID:    req.ProviderIntentID,
		IdempotencyKey: "confirm-" + req.ProviderIntentID,
	})
	if err != nil {
		if reason, declined := squareDecline(err); declined {
			return ConfirmResult{Outcome: OutcomeFailed, FailureReason: reason, ProviderStatus: "FAILED"}, nil
		}
		return ConfirmResult{}, err
	}

	status := squareString(payment.GetStatus())
	res := ConfirmResult{
		TransactionID:  squareString(payment.GetID()),
		ProviderStatus: status,
	}
	switch status {
	case "COMPLETED":
		res.Outcome = OutcomeSucceeded
	case "FAILED", "CANCELED":
		res.Outcome = OutcomeFailed
		res.FailureReason = strings.ToLower(status)
	default:
		res.Outcome = OutcomeProcessing
	}
	return res, nil
}

func (p *SquareProvider) Cancel(ctx context.Context, req CancelRequest) error {
	if req.TransactionID == "" {
		return nil
	}
	if _, err := p.api.CancelPayment(ctx, req.TransactionID); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) || pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "square payment can no longer be cancelled")
		}
		return err
	}
	return nil
}

func (p *SquareProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.Amount <= 0 {
		return RefundResult{}, pkgerrors.New(pkgerrors.CodeValidation, "square refunds require an explicit amount")
	}
	refund, err := p.api.RefundPayment(ctx, pkgsquare.RefundParams{
		PaymentID:      req.TransactionID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return RefundResult{}, err
	}
	status := pkgsquare.RefundStatus(refund)
	if status == "REJECTED" || status == "FAILED" {
		return RefundResult{}, pkgerrors.Newf(pkgerrors.CodeDependency, "square refund %s", strings.ToLower(status))
	}
	return RefundResult{RefundRef: pkgsquare.RefundID(refund), ProviderStatus: status}, nil
}

type squareNotification struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		Object struct {
			Payment *struct {
				ID          string      `json:"id"`
				Status      string      `json:"status"`
				ReferenceID string      `json:"reference_id"`
				AmountMoney squareMoney `json:"amount_money"`
			} `json:"payment"`
			Refund *struct {
				ID          string      `json:"id"`
				Status      string      `json:"status"`
				PaymentID   string      `json:"payment_id"`
				AmountMoney squareMoney `json:"amount_money"`
			} `json:"refund"`
			Subscription *struct {
				Status string `json:"status"`
			} `json:"subscription"`
		} `json:"object"`
	} `json:"data"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (p *SquareProvider) VerifyWebhook(_ context.Context, payload []byte, headers http.Header) (CanonicalEvent, error) {
	if !p.api.VerifySignature(payload, headers.Get(squareSignatureHeader)) {
		return CanonicalEvent{}, pkgerrors.New(pkgerrors.CodeSignature, "square signature verification failed")
	}

	var note squareNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode square notification")
	}
	if note.EventID == "" {
		return CanonicalEvent{}, pkgerrors.New(pkgerrors.CodeValidation, "square notification missing event_id")
	}

	out := CanonicalEvent{
		Provider:        enums.ProviderSquare,
		ProviderEventID: note.EventID,
		RawType:         note.Type,
		Type:            enums.CanonicalUnmapped,
		OccurredAt:      parseTimestamp(note.CreatedAt),
	}
	obj := note.Data.Object

	switch note.Type {
	case "payment.updated", "payment.created":
		if obj.Payment == nil {
			return out, nil
		}
		out.ProviderIntentID = obj.Payment.ReferenceID
		out.TransactionID = obj.Payment.ID
		out.Amount = obj.Payment.AmountMoney.Amount
		out.Currency = obj.Payment.AmountMoney.Currency
		switch obj.Payment.Status {
		case "COMPLETED":
			out.Type = enums.CanonicalPaymentSucceeded
		case "FAILED", "CANCELED":
			out.Type = enums.CanonicalPaymentFailed
			out.FailureReason = strings.ToLower(obj.Payment.Status)
		}
	case "refund.updated", "refund.created":
		if obj.Refund == nil || obj.Refund.Status != "COMPLETED" {
			return out, nil
		}
		out.Type = enums.CanonicalPaymentRefunded
		out.TransactionID = obj.Refund.PaymentID
		out.RefundRef = obj.Refund.ID
		out.Amount = obj.Refund.AmountMoney.Amount
		out.Currency = obj.Refund.AmountMoney.Currency
	case "subscription.created":
		out.Type = enums.CanonicalSubscriptionCreated
	case "subscription.updated":
		if obj.Subscription != nil && obj.Subscription.Status == "CANCELED" {
			out.Type = enums.CanonicalSubscriptionCancelled
		}
	}
	return out, nil
}

// squareDecline reports card declines, which Square returns as 400/402 errors.
func squareDecline(err error) (string, bool) {
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		return "", false
	}
	msg := strings.ToUpper(err.Error())
	for _, code := range []string{"CARD_DECLINED", "GENERIC_DECLINE", "INSUFFICIENT_FUNDS", "CVV_FAILURE", "ADDRESS_VERIFICATION_FAILURE", "INVALID_EXPIRATION"} {
		if strings.Contains(msg, code) {
			return strings.ToLower(code), true
		}
	}
	return "", false
}

func squareString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
