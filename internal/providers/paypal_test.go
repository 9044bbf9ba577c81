package providers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/paypal"
)

type fakePayPal struct {
	orderParams paypal.CreateOrderParams
	captured    *paypal.Order
	captureErr  error
	current     *paypal.Order
	refundAmt   *paypal.Money
	payout      paypal.PayoutParams
	verified    bool
}

func (f *fakePayPal) CreateOrder(_ context.Context, params paypal.CreateOrderParams) (*paypal.Order, error) {
	f.orderParams = params
	return &paypal.Order{ID: "ORDER-1", Status: "CREATED", Links: []paypal.Link{{Rel: "approve", Href: "https://approve"}}}, nil
}

func (f *fakePayPal) GetOrder(context.Context, string) (*paypal.Order, error) {
	return f.current, nil
}

func (f *fakePayPal) CaptureOrder(context.Context, string, string) (*paypal.Order, error) {
	return f.captured, f.captureErr
}

func (f *fakePayPal) RefundCapture(_ context.Context, _ string, amount *paypal.Money, _ string) (*paypal.Refund, error) {
	f.refundAmt = amount
	return &paypal.Refund{ID: "REF-1", Status: "COMPLETED"}, nil
}

func (f *fakePayPal) CreatePayout(_ context.Context, params paypal.PayoutParams) (string, error) {
	f.payout = params
	return "BATCH-1", nil
}

func (f *fakePayPal) VerifyWebhookSignature(context.Context, http.Header, []byte) (bool, error) {
	return f.verified, nil
}

func capturedOrder(status string) *paypal.Order {
	return &paypal.Order{ID: "ORDER-1", Status: "COMPLETED", PurchaseUnits: []paypal.PurchaseUnit{{
		Payments: &paypal.Payments{Captures: []paypal.Capture{{ID: "CAP-1", Status: status}}},
	}}}
}

func newTestPayPal(t *testing.T, api *fakePayPal) *PayPalProvider {
	t.Helper()
	p, err := NewPayPalProvider(api, testCatalog(t))
	require.NoError(t, err)
	return p
}

func TestPayPalCreateIntentFormatsAmount(t *testing.T) {
	api := &fakePayPal{}
	p := newTestPayPal(t, api)

	res, err := p.CreateIntent(context.Background(), IntentRequest{PaymentID: uuid.New(), Amount: 1050, Currency: "usd", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", res.ProviderIntentID)
	assert.Equal(t, "https://approve", res.ClientSecret)
	assert.Equal(t, paypal.Money{CurrencyCode: "USD", Value: "10.50"}, api.orderParams.Amount)

	_, err = p.CreateIntent(context.Background(), IntentRequest{Amount: 500, Currency: "JPY"})
	require.NoError(t, err)
	assert.Equal(t, "500", api.orderParams.Amount.Value)

	_, err = p.CreateIntent(context.Background(), IntentRequest{Amount: 500, Currency: "XXX"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestPayPalConfirm(t *testing.T) {
	api := &fakePayPal{captured: capturedOrder("COMPLETED")}
	p := newTestPayPal(t, api)

	res, err := p.Confirm(context.Background(), ConfirmRequest{ProviderIntentID: "ORDER-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "CAP-1", res.TransactionID)

	api.captured = capturedOrder("PENDING")
	res, err = p.Confirm(context.Background(), ConfirmRequest{ProviderIntentID: "ORDER-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, res.Outcome)

	api.captured, api.captureErr = capturedOrder("COMPLETED"), paypal.ErrOrderAlreadyCaptured
	res, err = p.Confirm(context.Background(), ConfirmRequest{ProviderIntentID: "ORDER-1"})
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
	assert.Equal(t, "CAP-1", res.TransactionID)

	api.captured = nil
	api.captureErr = pkgerrors.New(pkgerrors.CodeStateConflict, "declined").WithDetails(map[string]any{"issue": "INSTRUMENT_DECLINED"})
	res, err = p.Confirm(context.Background(), ConfirmRequest{ProviderIntentID: "ORDER-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "instrument_declined", res.FailureReason)
}

func TestPayPalCancelRefundTransfer(t *testing.T) {
	api := &fakePayPal{current: &paypal.Order{ID: "ORDER-1", Status: "APPROVED"}}
	p := newTestPayPal(t, api)

	require.NoError(t, p.Cancel(context.Background(), CancelRequest{ProviderIntentID: "ORDER-1"}))
	api.current.Status = "COMPLETED"
	err := p.Cancel(context.Background(), CancelRequest{ProviderIntentID: "ORDER-1"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	res, err := p.Refund(context.Background(), RefundRequest{TransactionID: "CAP-1", Amount: 250, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "REF-1", res.RefundRef)
	assert.Equal(t, "2.50", api.refundAmt.Value)

	_, err = p.Refund(context.Background(), RefundRequest{TransactionID: "CAP-1"})
	require.NoError(t, err)
	assert.Nil(t, api.refundAmt)

	ref, err := p.Transfer(context.Background(), TransferRequest{Destination: "SELLER1", Amount: 900, Currency: "USD", IdempotencyKey: "rel-1"})
	require.NoError(t, err)
	assert.Equal(t, "BATCH-1", ref)
	assert.Equal(t, "9.00", api.payout.Amount.Value)
	assert.Equal(t, "rel-1", api.payout.SenderBatchID)
}

func TestPayPalVerifyWebhook(t *testing.T) {
	api := &fakePayPal{verified: true}
	p := newTestPayPal(t, api)

	completed := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","create_time":"2026-01-05T09:00:00Z",` +
		`"resource":{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"12.34"},` +
		`"supplementary_data":{"related_ids":{"order_id":"ORDER-1"}}}}`)
	evt, err := p.VerifyWebhook(context.Background(), completed, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, enums.CanonicalPaymentSucceeded, evt.Type)
	assert.Equal(t, "ORDER-1", evt.ProviderIntentID)
	assert.Equal(t, "CAP-1", evt.TransactionID)
	assert.Equal(t, int64(1234), evt.Amount)

	refunded := []byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.REFUNDED","resource":{"id":"REF-1","status":"COMPLETED",` +
		`"amount":{"currency_code":"USD","value":"1.00"},"links":[{"rel":"up","href":"https://api.paypal.com/v2/payments/captures/CAP-1"}]}}`)
	evt, err = p.VerifyWebhook(context.Background(), refunded, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, enums.CanonicalPaymentRefunded, evt.Type)
	assert.Equal(t, "CAP-1", evt.TransactionID)
	assert.Equal(t, "REF-1", evt.RefundRef)

	api.verified = false
	_, err = p.VerifyWebhook(context.Background(), completed, http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))
}
