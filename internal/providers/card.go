package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	pkgstripe "github.com/angelmondragon/escrowpay-backend/pkg/stripe"
)

const stripeSignatureHeader = "Stripe-Signature"

// CardProvider charges cards through Stripe PaymentIntents.
type CardProvider struct {
	api    pkgstripe.PaymentsAPI
	verify func(payload []byte, header string) (stripe.Event, error)
}

func NewCardProvider(client *pkgstripe.Client, api pkgstripe.PaymentsAPI) (*CardProvider, error) {
	if client == nil || api == nil {
		return nil, errors.New("stripe client is required")
	}
	return &CardProvider{api: api, verify: client.ConstructEvent}, nil
}

func (p *CardProvider) Name() enums.PaymentProvider {
	return enums.ProviderCard
}

func (p *CardProvider) CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("payment_id", req.PaymentID.String())
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := p.api.CreatePaymentIntent(ctx, params)
	if err != nil {
		return IntentResult{}, classifyStripeError(err, "create payment intent")
	}
	return IntentResult{
		ProviderIntentID: intent.ID,
		ClientSecret:     intent.ClientSecret,
		ProviderStatus:   string(intent.Status),
	}, nil
}

func (p *CardProvider) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	providerIntentID := req.ProviderIntentID
	params := &stripe.PaymentIntentConfirmParams{}
	if strings.TrimSpace(req.MethodRef) != "" {
		params.PaymentMethod = stripe.String(req.MethodRef)
	}
	params.SetIdempotencyKey("confirm:" + providerIntentID)

	intent, err := p.api.ConfirmPaymentIntent(ctx, providerIntentID, params)
	if err != nil {
		if isStripeUnexpectedState(err) {
			current, getErr := p.api.GetPaymentIntent(ctx, providerIntentID)
			if getErr == nil && current.Status == stripe.PaymentIntentStatusSucceeded {
				return confirmResultFromIntent(current), ErrAlreadyConfirmed
			}
		}
		if reason, declined := stripeDecline(err); declined {
			return ConfirmResult{Outcome: OutcomeFailed, FailureReason: reason, ProviderStatus: "declined"}, nil
		}
		return ConfirmResult{}, classifyStripeError(err, "confirm payment intent")
	}
	return confirmResultFromIntent(intent), nil
}

func (p *CardProvider) Cancel(ctx context.Context, req CancelRequest) error {
	_, err := p.api.CancelPaymentIntent(ctx, req.ProviderIntentID, &stripe.PaymentIntentCancelParams{})
	if err != nil {
		if isStripeUnexpectedState(err) {
			return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "payment intent can no longer be cancelled")
		}
		return classifyStripeError(err, "cancel payment intent")
	}
	return nil
}

func (p *CardProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.RefundParams{}
	if req.ProviderIntentID != "" {
		params.PaymentIntent = stripe.String(req.ProviderIntentID)
	} else {
		params.Charge = stripe.String(req.TransactionID)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	refund, err := p.api.CreateRefund(ctx, params)
	if err != nil {
		return RefundResult{}, classifyStripeError(err, "create refund")
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return RefundResult{}, pkgerrors.Newf(pkgerrors.CodeDependency, "stripe refund %s ended %s", refund.ID, refund.Status)
	}
	return RefundResult{RefundRef: refund.ID, ProviderStatus: string(refund.Status)}, nil
}

// Transfer moves released escrow funds to a Connect account.
func (p *CardProvider) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.SourceTransaction != "" {
		params.SourceTransaction = stripe.String(req.SourceTransaction)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := p.api.CreateTransfer(ctx, params)
	if err != nil {
		return "", classifyStripeError(err, "create transfer")
	}
	return tr.ID, nil
}

type stripeIntentObject struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	LatestCharge any    `json:"latest_charge"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeChargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Refunds        *struct {
		Data []struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
		} `json:"data"`
	} `json:"refunds"`
}

func (p *CardProvider) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (CanonicalEvent, error) {
	event, err := p.verify(payload, headers.Get(stripeSignatureHeader))
	if err != nil {
		return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "stripe signature verification failed")
	}

	out := CanonicalEvent{
		Provider:        enums.ProviderCard,
		ProviderEventID: event.ID,
		RawType:         string(event.Type),
		Type:            enums.CanonicalUnmapped,
		OccurredAt:      time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var obj stripeIntentObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
		}
		out.ProviderIntentID = obj.ID
		out.Amount = obj.Amount
		out.Currency = strings.ToUpper(obj.Currency)
		out.TransactionID = chargeID(obj.LatestCharge)
		if event.Type == stripe.EventTypePaymentIntentSucceeded {
			out.Type = enums.CanonicalPaymentSucceeded
		} else {
			out.Type = enums.CanonicalPaymentFailed
			out.FailureReason = "payment_failed"
			if obj.LastPaymentError != nil && obj.LastPaymentError.Code != "" {
				out.FailureReason = obj.LastPaymentError.Code
			}
		}
	case stripe.EventTypeChargeRefunded:
		var obj stripeChargeObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge event")
		}
		out.Type = enums.CanonicalPaymentRefunded
		out.ProviderIntentID = obj.PaymentIntent
		out.TransactionID = obj.ID
		out.Amount = obj.AmountRefunded
		out.Currency = strings.ToUpper(obj.Currency)
		// refunds are listed newest first; amount_refunded is cumulative
		if obj.Refunds != nil && len(obj.Refunds.Data) > 0 {
			out.RefundRef = obj.Refunds.Data[0].ID
			if latest := obj.Refunds.Data[0].Amount; latest > 0 {
				out.Amount = latest
			}
		}
	case stripe.EventTypeCustomerSubscriptionCreated:
		out.Type = enums.CanonicalSubscriptionCreated
	case stripe.EventTypeCustomerSubscriptionDeleted:
		out.Type = enums.CanonicalSubscriptionCancelled
	}
	return out, nil
}

func confirmResultFromIntent(intent *stripe.PaymentIntent) ConfirmResult {
	res := ConfirmResult{ProviderStatus: string(intent.Status)}
	if intent.LatestCharge != nil {
		res.TransactionID = intent.LatestCharge.ID
	}
	if res.TransactionID == "" {
		res.TransactionID = intent.ID
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Outcome = OutcomeSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		res.Outcome = OutcomeFailed
		res.FailureReason = "payment_declined"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Code != "" {
			res.FailureReason = string(intent.LastPaymentError.Code)
		}
	default:
		res.Outcome = OutcomeProcessing
	}
	return res
}

// chargeID reads latest_charge, which Stripe sends either expanded or as an id.
func chargeID(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// stripeDecline reports card errors, which end the payment rather than the call.
func stripeDecline(err error) (string, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Type != stripe.ErrorTypeCard {
		return "", false
	}
	if stripeErr.DeclineCode != "" {
		return string(stripeErr.DeclineCode), true
	}
	if stripeErr.Code != "" {
		return string(stripeErr.Code), true
	}
	return "card_declined", true
}

func isStripeUnexpectedState(err error) bool {
	var stripeErr *stripe.Error
	return errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}

// classifyStripeError maps Stripe failures onto the provider error taxonomy.
func classifyStripeError(err error, op string) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe "+op+" failed")
	}
	switch {
	case stripeErr.HTTPStatusCode >= 500, stripeErr.HTTPStatusCode == http.StatusTooManyRequests, stripeErr.HTTPStatusCode == 0:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stripe "+op+" unavailable")
	case stripeErr.Type == stripe.ErrorTypeCard:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "card declined").
			WithDetails(map[string]any{"code": stripeErr.Code, "decline_code": stripeErr.DeclineCode})
	case stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
		return pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "stripe "+op+" rejected in current state")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "stripe rejected "+op).
			WithDetails(map[string]any{"code": stripeErr.Code})
	}
}
