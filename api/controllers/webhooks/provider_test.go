package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/internal/webhooks"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

type stubIngester struct {
	provider string
	payload  string
	sig      string
	result   *webhooks.Result
	err      error
}

func (s *stubIngester) Ingest(_ context.Context, provider string, payload []byte, headers http.Header) (*webhooks.Result, error) {
	s.provider = provider
	s.payload = string(payload)
	s.sig = headers.Get("Stripe-Signature")
	return s.result, s.err
}

func serve(t *testing.T, svc Ingester) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Post("/api/v1/webhooks/{provider}", ProviderWebhook(svc, nil))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/card", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestProviderWebhookAcknowledges(t *testing.T) {
	svc := &stubIngester{result: &webhooks.Result{
		EventID:   "evt_1",
		EventType: enums.CanonicalPaymentSucceeded,
		Outcome:   enums.ReconciliationApplied,
	}}
	rec := serve(t, svc)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "card", svc.provider)
	assert.Equal(t, `{"id":"evt_1"}`, svc.payload)
	assert.Equal(t, "t=1,v1=abc", svc.sig)

	var body struct {
		Data ackResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "evt_1", body.Data.EventID)
	assert.False(t, body.Data.Duplicate)
}

func TestProviderWebhookStatusMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		result *webhooks.Result
		status int
	}{
		"duplicate": {result: &webhooks.Result{EventID: "evt_1", Duplicate: true}, status: http.StatusOK},
		"signature": {err: pkgerrors.New(pkgerrors.CodeSignature, "bad signature"), status: http.StatusBadRequest},
		"unknown intent":  {err: pkgerrors.New(pkgerrors.CodeNotFound, "payment not found"), status: http.StatusConflict},
		"provider outage": {err: pkgerrors.New(pkgerrors.CodeDependency, "rpc down"), status: http.StatusServiceUnavailable},
		"untyped": {err: assert.AnError, status: http.StatusServiceUnavailable},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(t, &stubIngester{result: tc.result, err: tc.err})
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
