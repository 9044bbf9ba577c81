package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

// Money is a PayPal amount: a decimal string in major units.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type Capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount *Money `json:"amount,omitempty"`
}

type Payments struct {
	Captures []Capture `json:"captures"`
}

type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Amount      *Money    `json:"amount,omitempty"`
	Payments    *Payments `json:"payments,omitempty"`
}

type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	Links         []Link         `json:"links"`
}

// FirstCapture returns the capture produced by capturing a single-unit order.
func (o *Order) FirstCapture() *Capture {
	if o == nil {
		return nil
	}
	for _, unit := range o.PurchaseUnits {
		if unit.Payments != nil && len(unit.Payments.Captures) > 0 {
			return &unit.Payments.Captures[0]
		}
	}
	return nil
}

// ApproveURL returns the buyer approval link.
func (o *Order) ApproveURL() string {
	if o == nil {
		return ""
	}
	for _, link := range o.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

type CreateOrderParams struct {
	ReferenceID string
	Amount      Money
	RequestID   string
}

func (c *Client) CreateOrder(ctx context.Context, params CreateOrderParams) (*Order, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []PurchaseUnit{{
			ReferenceID: params.ReferenceID,
			CustomID:    params.ReferenceID,
			Amount:      &params.Amount,
		}},
	}
	var order Order
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", params.RequestID, body, &order, "create order"); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), "", nil, &order, "get order"); err != nil {
		return nil, err
	}
	return &order, nil
}

// CaptureOrder captures an approved order. A repeated capture returns
// ErrOrderAlreadyCaptured together with the current order.
func (c *Client) CaptureOrder(ctx context.Context, orderID, requestID string) (*Order, error) {
	var order Order
	err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", requestID, map[string]any{}, &order, "capture order")
	if errors.Is(err, ErrOrderAlreadyCaptured) {
		current, getErr := c.GetOrder(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrOrderAlreadyCaptured
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RefundCapture refunds a capture; a nil amount refunds the remainder.
func (c *Client) RefundCapture(ctx context.Context, captureID string, amount *Money, requestID string) (*Refund, error) {
	body := map[string]any{}
	if amount != nil {
		body["amount"] = amount
	}
	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(captureID)+"/refund", requestID, body, &refund, "refund capture"); err != nil {
		return nil, err
	}
	return &refund, nil
}

type PayoutParams struct {
	SenderBatchID string
	Receiver      string
	Amount        Money
	Note          string
}

type payoutItem struct {
	RecipientType string      `json:"recipient_type"`
	Amount        payoutMoney `json:"amount"`
	Receiver      string      `json:"receiver"`
	Note          string      `json:"note,omitempty"`
	SenderItemID  string      `json:"sender_item_id"`
}

type payoutMoney struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// CreatePayout sends funds to a PayPal account and returns the batch id.
// SenderBatchID doubles as the idempotency key.
func (c *Client) CreatePayout(ctx context.Context, params PayoutParams) (string, error) {
	body := map[string]any{
		"sender_batch_header": map[string]string{
			"sender_batch_id": params.SenderBatchID,
			"email_subject":   "You have a payout",
		},
		"items": []payoutItem{{
			RecipientType: "PAYPAL_ID",
			Amount:        payoutMoney{Value: params.Amount.Value, Currency: params.Amount.CurrencyCode},
			Receiver:      params.Receiver,
			Note:          params.Note,
			SenderItemID:  params.SenderBatchID,
		}},
	}
	var out struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/payments/payouts", params.SenderBatchID, body, &out, "create payout"); err != nil {
		return "", err
	}
	if out.BatchHeader.BatchStatus == "DENIED" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "paypal payout denied")
	}
	return out.BatchHeader.PayoutBatchID, nil
}

// VerifyWebhookSignature asks PayPal to validate the transmission headers
// against the configured webhook id.
func (c *Client) VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	if !json.Valid(body) {
		return false, nil
	}
	req := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}
	for _, key := range []string{"auth_algo", "cert_url", "transmission_id", "transmission_sig", "transmission_time"} {
		if req[key] == "" {
			return false, nil
		}
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", req, &out, "verify webhook"); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}
