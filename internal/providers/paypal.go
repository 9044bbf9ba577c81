package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/paypal"
	"github.com/angelmondragon/escrowpay-backend/pkg/types"
)

// PayPalAPI is the subset of the PayPal client the adapter uses.
type PayPalAPI interface {
	CreateOrder(ctx context.Context, params paypal.CreateOrderParams) (*paypal.Order, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID, requestID string) (*paypal.Order, error)
	RefundCapture(ctx context.Context, captureID string, amount *paypal.Money, requestID string) (*paypal.Refund, error)
	CreatePayout(ctx context.Context, params paypal.PayoutParams) (string, error)
	VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error)
}

// PayPalProvider maps intents onto PayPal orders. The order id is the
// provider intent id and the capture id is the transaction id.
type PayPalProvider struct {
	api     PayPalAPI
	catalog *config.Catalog
}

func NewPayPalProvider(api PayPalAPI, catalog *config.Catalog) (*PayPalProvider, error) {
	if api == nil {
		return nil, errors.New("paypal client is required")
	}
	if catalog == nil {
		return nil, errors.New("currency catalog is required")
	}
	return &PayPalProvider{api: api, catalog: catalog}, nil
}

func (p *PayPalProvider) Name() enums.PaymentProvider {
	return enums.ProviderPayPal
}

func (p *PayPalProvider) money(amount int64, currency string) (paypal.Money, error) {
	m := types.NewMoney(amount, currency)
	exp, ok := p.catalog.Exponent(m.Currency)
	if !ok {
		return paypal.Money{}, pkgerrors.Newf(pkgerrors.CodeValidation, "unsupported currency %s", m.Currency)
	}
	return paypal.Money{CurrencyCode: m.Currency, Value: m.Major(exp)}, nil
}

func (p *PayPalProvider) minor(m *paypal.Money) (int64, string) {
	if m == nil {
		return 0, ""
	}
	currency := strings.ToUpper(m.CurrencyCode)
	exp, ok := p.catalog.Exponent(currency)
	if !ok {
		return 0, currency
	}
	amount, _ := types.FromMajor(m.Value, exp)
	return amount, currency
}

func (p *PayPalProvider) CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	amount, err := p.money(req.Amount, req.Currency)
	if err != nil {
		return IntentResult{}, err
	}
	order, err := p.api.CreateOrder(ctx, paypal.CreateOrderParams{
		ReferenceID: req.PaymentID.String(),
		Amount:      amount,
		RequestID:   req.IdempotencyKey,
	})
	if err != nil {
		return IntentResult{}, err
	}
	return IntentResult{
		ProviderIntentID: order.ID,
		ClientSecret:     order.ApproveURL(),
		ProviderStatus:   order.Status,
	}, nil
}

// Confirm captures the buyer-approved order.
func (p *PayPalProvider) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	order, err := p.api.CaptureOrder(ctx, req.ProviderIntentID, "capture-"+req.ProviderIntentID)
	alreadyCaptured := errors.Is(err, paypal.ErrOrderAlreadyCaptured)
	if err != nil && !alreadyCaptured {
		switch paypal.Issue(err) {
		case "INSTRUMENT_DECLINED", "PAYER_ACTION_REQUIRED", "TRANSACTION_REFUSED":
			return ConfirmResult{Outcome: OutcomeFailed, FailureReason: strings.ToLower(paypal.Issue(err)), ProviderStatus: "DECLINED"}, nil
		}
		return ConfirmResult{}, err
	}

	res := ConfirmResult{ProviderStatus: order.Status}
	capture := order.FirstCapture()
	if capture == nil {
		res.Outcome = OutcomeProcessing
		return res, nil
	}
	res.TransactionID = capture.ID
	res.ProviderStatus = capture.Status
	switch capture.Status {
	case "COMPLETED":
		res.Outcome = OutcomeSucceeded
	case "DECLINED", "FAILED":
		res.Outcome = OutcomeFailed
		res.FailureReason = strings.ToLower(capture.Status)
	default:
		res.Outcome = OutcomeProcessing
	}
	if alreadyCaptured {
		return res, ErrAlreadyConfirmed
	}
	return res, nil
}

// Cancel is a no-op: uncaptured orders expire on their own. A captured
// order can no longer be voided.
func (p *PayPalProvider) Cancel(ctx context.Context, req CancelRequest) error {
	if req.TransactionID == "" && req.ProviderIntentID == "" {
		return nil
	}
	if req.ProviderIntentID == "" {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "paypal capture can no longer be cancelled")
	}
	order, err := p.api.GetOrder(ctx, req.ProviderIntentID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if order.Status == "COMPLETED" {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "paypal order already captured")
	}
	return nil
}

func (p *PayPalProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.TransactionID == "" {
		return RefundResult{}, pkgerrors.New(pkgerrors.CodeValidation, "paypal refunds require a capture id")
	}
	var amount *paypal.Money
	if req.Amount > 0 {
		m, err := p.money(req.Amount, req.Currency)
		if err != nil {
			return RefundResult{}, err
		}
		amount = &m
	}
	refund, err := p.api.RefundCapture(ctx, req.TransactionID, amount, req.IdempotencyKey)
	if err != nil {
		return RefundResult{}, err
	}
	if refund.Status == "CANCELLED" || refund.Status == "FAILED" {
		return RefundResult{}, pkgerrors.Newf(pkgerrors.CodeDependency, "paypal refund %s", strings.ToLower(refund.Status))
	}
	return RefundResult{RefundRef: refund.ID, ProviderStatus: refund.Status}, nil
}

// Transfer pays the seller through a PayPal payout. Destination is the
// seller's PayPal payer id.
func (p *PayPalProvider) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if strings.TrimSpace(req.Destination) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payout destination is required")
	}
	amount, err := p.money(req.Amount, req.Currency)
	if err != nil {
		return "", err
	}
	return p.api.CreatePayout(ctx, paypal.PayoutParams{
		SenderBatchID: req.IdempotencyKey,
		Receiver:      req.Destination,
		Amount:        amount,
		Note:          "escrow release",
	})
}

type paypalWebhookEvent struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Resource   struct {
		ID     string        `json:"id"`
		Status string        `json:"status"`
		Amount *paypal.Money `json:"amount"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID   string `json:"order_id"`
				CaptureID string `json:"capture_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
		Links []paypal.Link `json:"links"`
	} `json:"resource"`
}

// VerifyWebhook asks PayPal to validate the transmission before decoding.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (CanonicalEvent, error) {
	ok, err := p.api.VerifyWebhookSignature(ctx, headers, payload)
	if err != nil {
		return CanonicalEvent{}, err
	}
	if !ok {
		return CanonicalEvent{}, pkgerrors.New(pkgerrors.CodeSignature, "paypal signature verification failed")
	}

	var evt paypalWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return CanonicalEvent{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode paypal webhook")
	}
	if evt.ID == "" {
		return CanonicalEvent{}, pkgerrors.New(pkgerrors.CodeValidation, "paypal webhook missing id")
	}

	out := CanonicalEvent{
		Provider:        enums.ProviderPayPal,
		ProviderEventID: evt.ID,
		RawType:         evt.EventType,
		Type:            enums.CanonicalUnmapped,
		OccurredAt:      parseTimestamp(evt.CreateTime),
	}
	res := evt.Resource

	switch evt.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Type = enums.CanonicalPaymentSucceeded
		out.ProviderIntentID = res.SupplementaryData.RelatedIDs.OrderID
		out.TransactionID = res.ID
		out.Amount, out.Currency = p.minor(res.Amount)
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Type = enums.CanonicalPaymentFailed
		out.ProviderIntentID = res.SupplementaryData.RelatedIDs.OrderID
		out.TransactionID = res.ID
		out.Amount, out.Currency = p.minor(res.Amount)
		out.FailureReason = strings.ToLower(res.StatusDetails.Reason)
		if out.FailureReason == "" {
			out.FailureReason = strings.ToLower(res.Status)
		}
	case "PAYMENT.CAPTURE.REFUNDED":
		// The resource is the refund; its "up" link points at the capture.
		out.Type = enums.CanonicalPaymentRefunded
		out.RefundRef = res.ID
		out.TransactionID = res.SupplementaryData.RelatedIDs.CaptureID
		if out.TransactionID == "" {
			out.TransactionID = captureFromLinks(res.Links)
		}
		out.Amount, out.Currency = p.minor(res.Amount)
	case "BILLING.SUBSCRIPTION.CREATED":
		out.Type = enums.CanonicalSubscriptionCreated
	case "BILLING.SUBSCRIPTION.CANCELLED":
		out.Type = enums.CanonicalSubscriptionCancelled
	}
	return out, nil
}

func captureFromLinks(links []paypal.Link) string {
	for _, link := range links {
		if link.Rel != "up" {
			continue
		}
		idx := strings.LastIndex(link.Href, "/captures/")
		if idx < 0 {
			continue
		}
		return strings.Trim(link.Href[idx+len("/captures/"):], "/")
	}
	return ""
}
