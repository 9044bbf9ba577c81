package refunds

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/escrow"
	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/dbtest"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
)

type fakeRefundProvider struct {
	mu       sync.Mutex
	requests []providers.RefundRequest
	err      error
}

func (f *fakeRefundProvider) Name() enums.PaymentProvider { return enums.ProviderCard }

func (f *fakeRefundProvider) CreateIntent(context.Context, providers.IntentRequest) (providers.IntentResult, error) {
	return providers.IntentResult{}, nil
}

func (f *fakeRefundProvider) Confirm(context.Context, providers.ConfirmRequest) (providers.ConfirmResult, error) {
	return providers.ConfirmResult{}, nil
}

func (f *fakeRefundProvider) Cancel(context.Context, providers.CancelRequest) error { return nil }

func (f *fakeRefundProvider) Refund(_ context.Context, req providers.RefundRequest) (providers.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return providers.RefundResult{}, f.err
	}
	f.requests = append(f.requests, req)
	return providers.RefundResult{RefundRef: "re_" + req.IdempotencyKey[:8], ProviderStatus: "succeeded"}, nil
}

func (f *fakeRefundProvider) VerifyWebhook(context.Context, []byte, http.Header) (providers.CanonicalEvent, error) {
	return providers.CanonicalEvent{}, nil
}

type refundHarness struct {
	svc      *Service
	client   *db.Client
	payments payments.Repository
	provider *fakeRefundProvider
	customer auth.Actor
	admin    auth.Actor
}

func newRefundHarness(t *testing.T) *refundHarness {
	t.Helper()
	client := dbtest.Open(t, dbtest.All()...)
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)
	provider := &fakeRefundProvider{}
	registry, err := providers.NewRegistry(catalog, provider)
	require.NoError(t, err)
	caller := providers.NewCaller(config.PaymentsConfig{
		ProviderTimeout: time.Second,
		MaxAttempts:     1,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      time.Millisecond,
	}, nil, nil)
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), nil)
	queue, err := operator.NewService(operator.NewRepository(client.DB()), nil)
	require.NoError(t, err)
	closer, err := escrow.NewCloser(escrow.NewRepository(client.DB()), emitter, nil, nil)
	require.NoError(t, err)
	paymentRepo := payments.NewRepository(client.DB())

	svc, err := NewService(ServiceParams{
		Repo:              NewRepository(client.DB()),
		Payments:          paymentRepo,
		Registry:          registry,
		Caller:            caller,
		Escrow:            closer,
		Outbox:            emitter,
		Operator:          queue,
		TransactionRunner: client,
	})
	require.NoError(t, err)
	return &refundHarness{
		svc:      svc,
		client:   client,
		payments: paymentRepo,
		provider: provider,
		customer: auth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer},
		admin:    auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin},
	}
}

func (h *refundHarness) payment(t *testing.T, status enums.PaymentStatus) *models.Payment {
	t.Helper()
	txID := "ch_" + uuid.NewString()[:8]
	intent := "pi_" + uuid.NewString()[:8]
	payment := &models.Payment{
		ID:               uuid.New(),
		OrderID:          uuid.New(),
		CustomerID:       h.customer.UserID,
		Amount:           10000,
		Currency:         "USD",
		Provider:         enums.ProviderCard,
		ProviderIntentID: &intent,
		Status:           status,
		TransactionID:    &txID,
		Version:          1,
	}
	require.NoError(t, h.payments.Create(context.Background(), payment))
	return payment
}

func (h *refundHarness) heldEscrow(t *testing.T, payment *models.Payment) *models.Escrow {
	t.Helper()
	row := &models.Escrow{
		ID:        uuid.New(),
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Provider:  payment.Provider,
		HoldUntil: time.Now().Add(time.Hour),
		Status:    enums.EscrowStatusHeld,
		Version:   1,
	}
	require.NoError(t, h.client.DB().Create(row).Error)
	return row
}

func (h *refundHarness) reloadPayment(t *testing.T, id uuid.UUID) *models.Payment {
	t.Helper()
	payment, err := h.payments.FindByID(context.Background(), id)
	require.NoError(t, err)
	return payment
}

func (h *refundHarness) countEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.client.DB().Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func TestRequestValidation(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	pending := h.payment(t, enums.PaymentStatusPending)
	completed := h.payment(t, enums.PaymentStatusCompleted)

	_, err := h.svc.Request(ctx, h.customer, RequestInput{PaymentID: pending.ID, Amount: 100, Reason: "damaged"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	_, err = h.svc.Request(ctx, h.customer, RequestInput{PaymentID: completed.ID, Amount: 10001, Reason: "damaged"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.svc.Request(ctx, h.customer, RequestInput{PaymentID: completed.ID, Amount: 0, Reason: "damaged"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = h.svc.Request(ctx, h.customer, RequestInput{PaymentID: completed.ID, Amount: 100})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	stranger := auth.Actor{UserID: uuid.New(), Role: enums.RoleCustomer}
	_, err = h.svc.Request(ctx, stranger, RequestInput{PaymentID: completed.ID, Amount: 100, Reason: "damaged"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	refund, err := h.svc.Request(ctx, h.customer, RequestInput{PaymentID: completed.ID, Amount: 100, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusPending, refund.Status)
	assert.Equal(t, h.customer.UserID, refund.RequestedBy)
}

func TestApproveRejectAndProcessPartial(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	payment := h.payment(t, enums.PaymentStatusCompleted)

	refund, err := h.svc.Request(ctx, h.customer, RequestInput{PaymentID: payment.ID, Amount: 3000, Reason: "late"})
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, h.customer, refund.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	_, err = h.svc.Process(ctx, h.admin, refund.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), "pending refunds are not processed")

	approved, err := h.svc.Approve(ctx, h.admin, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusApproved, approved.Status)
	_, err = h.svc.Reject(ctx, h.admin, refund.ID, "too late")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	done, err := h.svc.Process(ctx, h.admin, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, done.Status)
	require.Len(t, h.provider.requests, 1)
	assert.Equal(t, refund.ID.String(), h.provider.requests[0].IdempotencyKey)
	assert.Equal(t, int64(3000), h.provider.requests[0].Amount)
	assert.Equal(t, *payment.TransactionID, h.provider.requests[0].TransactionID)

	stored := h.reloadPayment(t, payment.ID)
	assert.Equal(t, int64(3000), stored.RefundedAmount)
	assert.Equal(t, enums.PaymentStatusCompleted, stored.Status)
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventRefundCompleted))
	assert.Zero(t, h.countEvents(t, enums.EventPaymentRefunded))

	again, err := h.svc.Process(ctx, h.admin, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, again.Status)
	assert.Len(t, h.provider.requests, 1)
}

func TestRejectRequiresReason(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	payment := h.payment(t, enums.PaymentStatusCompleted)
	refund, err := h.svc.Request(ctx, h.customer, RequestInput{PaymentID: payment.ID, Amount: 100, Reason: "late"})
	require.NoError(t, err)

	_, err = h.svc.Reject(ctx, h.admin, refund.ID, " ")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	rejected, err := h.svc.Reject(ctx, h.admin, refund.ID, "outside policy")
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusRejected, rejected.Status)
	assert.Equal(t, "outside policy", *rejected.RejectionReason)
}

func TestFullRefundClosesPaymentAndEscrow(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	payment := h.payment(t, enums.PaymentStatusCompleted)
	held := h.heldEscrow(t, payment)

	require.NoError(t, h.svc.RefundEscrow(ctx, h.customer, held, 10000, "buyer cancelled"))

	stored := h.reloadPayment(t, payment.ID)
	assert.Equal(t, enums.PaymentStatusRefunded, stored.Status)
	assert.Equal(t, int64(10000), stored.RefundedAmount)

	var closed models.Escrow
	require.NoError(t, h.client.DB().First(&closed, "id = ?", held.ID).Error)
	assert.Equal(t, enums.EscrowStatusRefunded, closed.Status)
	assert.NotNil(t, closed.RefundedAt)
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventPaymentRefunded))
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventEscrowRefunded))

	var refund models.Refund
	require.NoError(t, h.client.DB().First(&refund, "payment_id = ?", payment.ID).Error)
	require.NotNil(t, refund.EscrowID)
	assert.Equal(t, held.ID, *refund.EscrowID)
}

func TestProviderFailureThenRetry(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	payment := h.payment(t, enums.PaymentStatusCompleted)
	h.provider.err = pkgerrors.New(pkgerrors.CodeDependency, "stripe down")

	_, err := h.svc.RequestAndProcess(ctx, h.admin, RequestInput{PaymentID: payment.ID, Amount: 4000, Reason: "goodwill"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	var refund models.Refund
	require.NoError(t, h.client.DB().First(&refund, "payment_id = ?", payment.ID).Error)
	assert.Equal(t, enums.RefundStatusFailed, refund.Status)
	assert.Equal(t, 1, refund.Attempts)
	assert.EqualValues(t, 1, h.countEvents(t, enums.EventRefundFailed))
	var items int64
	require.NoError(t, h.client.DB().Model(&models.OperatorQueueItem{}).
		Where("kind = ?", enums.OperatorItemRefundFailed).Count(&items).Error)
	assert.EqualValues(t, 1, items)
	assert.Zero(t, h.reloadPayment(t, payment.ID).RefundedAmount)

	h.provider.err = nil
	_, err = h.svc.Retry(ctx, h.customer, refund.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeForbidden))
	done, err := h.svc.Retry(ctx, h.admin, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, done.Status)
	assert.Equal(t, int64(4000), h.reloadPayment(t, payment.ID).RefundedAmount)
}

func TestConcurrentRefundsNeverExceedAmount(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	payment := h.payment(t, enums.PaymentStatusCompleted)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		refund, err := h.svc.Request(ctx, h.customer, RequestInput{PaymentID: payment.ID, Amount: 4000, Reason: "split"})
		require.NoError(t, err)
		_, err = h.svc.Approve(ctx, h.admin, refund.ID)
		require.NoError(t, err)
		ids = append(ids, refund.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = h.svc.Process(ctx, h.admin, id)
		}(i, id)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, int64(8000), h.reloadPayment(t, payment.ID).RefundedAmount)
	assert.Len(t, h.provider.requests, 2)
}

func (h *refundHarness) apply(t *testing.T, paymentID uuid.UUID, evt providers.CanonicalEvent) enums.ReconciliationOutcome {
	t.Helper()
	var outcome enums.ReconciliationOutcome
	require.NoError(t, h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		payment, err := h.payments.WithTx(tx).FindByID(context.Background(), paymentID)
		if err != nil {
			return err
		}
		outcome, err = h.svc.ApplyProviderRefund(context.Background(), tx, payment, evt)
		return err
	}))
	return outcome
}

func TestApplyProviderRefund(t *testing.T) {
	h := newRefundHarness(t)
	ctx := context.Background()
	payment := h.payment(t, enums.PaymentStatusCompleted)

	refund, err := h.svc.Request(ctx, h.customer, RequestInput{PaymentID: payment.ID, Amount: 2500, Reason: "late"})
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, h.admin, refund.ID)
	require.NoError(t, err)

	evt := providers.CanonicalEvent{
		Provider:      enums.ProviderCard,
		Type:          enums.CanonicalPaymentRefunded,
		TransactionID: *payment.TransactionID,
		RefundRef:     "re_dashboard",
		Amount:        2500,
	}
	assert.Equal(t, enums.ReconciliationApplied, h.apply(t, payment.ID, evt))
	matched, err := h.svc.Get(ctx, h.admin, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.RefundStatusCompleted, matched.Status)
	assert.Equal(t, "re_dashboard", *matched.ProviderRefundID)

	assert.Equal(t, enums.ReconciliationNoop, h.apply(t, payment.ID, evt))

	evt.RefundRef = "re_other"
	evt.Amount = 1000
	assert.Equal(t, enums.ReconciliationApplied, h.apply(t, payment.ID, evt))
	assert.Equal(t, int64(3500), h.reloadPayment(t, payment.ID).RefundedAmount)

	evt.RefundRef = "re_too_much"
	evt.Amount = 9000
	assert.Equal(t, enums.ReconciliationConflict, h.apply(t, payment.ID, evt))
	assert.Equal(t, int64(3500), h.reloadPayment(t, payment.ID).RefundedAmount)

	evt.RefundRef = "re_rest"
	evt.Amount = 6500
	assert.Equal(t, enums.ReconciliationApplied, h.apply(t, payment.ID, evt))
	assert.Equal(t, enums.PaymentStatusRefunded, h.reloadPayment(t, payment.ID).Status)
}
