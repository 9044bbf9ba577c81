package webhooks

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/dbtest"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
)

type verifyingAdapter struct {
	providers.Provider
	event providers.CanonicalEvent
	err   error
}

func (a *verifyingAdapter) VerifyWebhook(context.Context, []byte, http.Header) (providers.CanonicalEvent, error) {
	return a.event, a.err
}

type staticRegistry struct {
	adapter *verifyingAdapter
}

func (r staticRegistry) Get(provider enums.PaymentProvider) (providers.Provider, error) {
	if provider != enums.ProviderCard {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment provider not enabled")
	}
	return r.adapter, nil
}

type fakeApplier struct {
	calls  int
	result payments.ApplyResult
	err    error
}

func (f *fakeApplier) ApplyEvent(context.Context, *gorm.DB, providers.CanonicalEvent) (payments.ApplyResult, error) {
	f.calls++
	return f.result, f.err
}

type harness struct {
	svc     *Service
	client  *db.Client
	adapter *verifyingAdapter
	applier *fakeApplier
	reg     *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.Open(t, dbtest.All()...)
	paymentID := uuid.New()
	adapter := &verifyingAdapter{event: providers.CanonicalEvent{
		ProviderEventID:  "evt_1",
		Type:             enums.CanonicalPaymentSucceeded,
		ProviderIntentID: "pi_1",
	}}
	applier := &fakeApplier{result: payments.ApplyResult{Outcome: enums.ReconciliationApplied, PaymentID: &paymentID}}
	reg := prometheus.NewRegistry()

	svc, err := NewService(ServiceParams{
		Repo:              NewRepository(client.DB()),
		Registry:          staticRegistry{adapter: adapter},
		Payments:          applier,
		TransactionRunner: client,
		Metrics:           metrics.NewWebhookMetrics(reg),
	})
	require.NoError(t, err)
	return &harness{svc: svc, client: client, adapter: adapter, applier: applier, reg: reg}
}

func (h *harness) entries(t *testing.T) []models.ReconciliationEntry {
	t.Helper()
	var rows []models.ReconciliationEntry
	require.NoError(t, h.client.DB().Order("processed_at").Find(&rows).Error)
	return rows
}

func TestIngestAppliesOnceAndAcknowledgesDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Ingest(ctx, "CARD", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, enums.ReconciliationApplied, first.Outcome)

	second, err := h.svc.Ingest(ctx, "card", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, h.applier.calls)

	rows := h.entries(t)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.ProviderCard, rows[0].Provider)
	assert.Equal(t, "evt_1", rows[0].ProviderEventID)
	assert.Equal(t, enums.CanonicalPaymentSucceeded, rows[0].CanonicalEventType)
	assert.Equal(t, float64(1), h.counter(t, "card", "applied"))
	assert.Equal(t, float64(1), h.counter(t, "card", "duplicate"))
}

func (h *harness) counter(t *testing.T, provider, outcome string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "webhook_events_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range m.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["provider"] == provider && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestIngestSignatureFailureIsNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.adapter.err = errors.New("bad signature")

	_, err := h.svc.Ingest(context.Background(), "card", []byte(`{}`), http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature), "got %v", err)
	assert.Zero(t, h.applier.calls)
	assert.Empty(t, h.entries(t))
}

func TestIngestTransientVerifyErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.adapter.err = pkgerrors.New(pkgerrors.CodeDependency, "rpc down")

	_, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestIngestUnknownProvider(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Ingest(context.Background(), "cheque", nil, http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestIngestUnknownIntentRollsBack(t *testing.T) {
	h := newHarness(t)
	h.applier.err = pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")

	_, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Empty(t, h.entries(t))

	h.applier.err = nil
	res, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, h.applier.calls)
}

func TestIngestBusinessRejectionIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.applier.err = pkgerrors.New(pkgerrors.CodeStateConflict, "payment already refunded")

	res, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, enums.ReconciliationIgnored, res.Outcome)

	rows := h.entries(t)
	require.Len(t, rows, 1)
	assert.Equal(t, enums.ReconciliationIgnored, rows[0].Outcome)
	assert.Nil(t, rows[0].ResultingPaymentID)

	again, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, h.applier.calls)
}

func TestIngestInternalFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.applier.err = pkgerrors.New(pkgerrors.CodeInternal, "connection reset")

	_, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.Empty(t, h.entries(t))
}

func TestIngestMissingEventID(t *testing.T) {
	h := newHarness(t)
	h.adapter.event.ProviderEventID = " "

	_, err := h.svc.Ingest(context.Background(), "card", nil, http.Header{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))
}
