package controllers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/internal/refunds"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

type stubRefundService struct {
	refund *models.Refund
	err    error
	input  refunds.RequestInput
	reason string
	calls  []string
}

func (s *stubRefundService) Request(_ context.Context, _ auth.Actor, input refunds.RequestInput) (*models.Refund, error) {
	s.input = input
	s.calls = append(s.calls, "request")
	return s.refund, s.err
}

func (s *stubRefundService) Get(context.Context, auth.Actor, uuid.UUID) (*models.Refund, error) {
	s.calls = append(s.calls, "get")
	return s.refund, s.err
}

func (s *stubRefundService) Approve(context.Context, auth.Actor, uuid.UUID) (*models.Refund, error) {
	s.calls = append(s.calls, "approve")
	return s.refund, s.err
}

func (s *stubRefundService) Reject(_ context.Context, _ auth.Actor, _ uuid.UUID, reason string) (*models.Refund, error) {
	s.reason = reason
	s.calls = append(s.calls, "reject")
	return s.refund, s.err
}

func (s *stubRefundService) Process(context.Context, auth.Actor, uuid.UUID) (*models.Refund, error) {
	s.calls = append(s.calls, "process")
	return s.refund, s.err
}

func (s *stubRefundService) Retry(context.Context, auth.Actor, uuid.UUID) (*models.Refund, error) {
	s.calls = append(s.calls, "retry")
	return s.refund, s.err
}

func sampleRefund() *models.Refund {
	return &models.Refund{
		ID:          uuid.New(),
		PaymentID:   uuid.New(),
		Amount:      1500,
		Currency:    "USD",
		Reason:      "damaged",
		Status:      enums.RefundStatusPending,
		RequestedBy: uuid.New(),
	}
}

func TestRefundRequestCreates(t *testing.T) {
	actor := customerActor()
	svc := &stubRefundService{refund: sampleRefund()}
	paymentID := uuid.New()
	body := `{"payment_id":"` + paymentID.String() + `","amount":1500,"reason":"damaged"}`

	rec := serveRoute(http.MethodPost, "/api/v1/refunds", "/api/v1/refunds", body, &actor, RefundRequest(svc, nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, paymentID, svc.input.PaymentID)
	assert.Equal(t, int64(1500), svc.input.Amount)
}

func TestRefundRequestOverRefundIsValidation(t *testing.T) {
	actor := customerActor()
	svc := &stubRefundService{err: pkgerrors.New(pkgerrors.CodeValidation, "amount exceeds refundable balance")}
	body := `{"payment_id":"` + uuid.NewString() + `","amount":99999,"reason":"damaged"}`

	rec := serveRoute(http.MethodPost, "/api/v1/refunds", "/api/v1/refunds", body, &actor, RefundRequest(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "amount exceeds refundable balance")
}

func TestAdminRefundTransitionsRoute(t *testing.T) {
	admin := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	cases := []struct {
		action  string
		body    string
		handler func(RefundService) http.HandlerFunc
	}{
		{"approve", "", func(s RefundService) http.HandlerFunc { return AdminRefundApprove(s, nil) }},
		{"reject", `{"reason":"outside window"}`, func(s RefundService) http.HandlerFunc { return AdminRefundReject(s, nil) }},
		{"process", "", func(s RefundService) http.HandlerFunc { return AdminRefundProcess(s, nil) }},
		{"retry", "", func(s RefundService) http.HandlerFunc { return AdminRefundRetry(s, nil) }},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			svc := &stubRefundService{refund: sampleRefund()}
			pattern := "/api/v1/admin/refunds/{refundId}/" + tc.action
			target := "/api/v1/admin/refunds/" + uuid.NewString() + "/" + tc.action

			rec := serveRoute(http.MethodPost, pattern, target, tc.body, &admin, tc.handler(svc))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, []string{tc.action}, svc.calls)
		})
	}
}

func TestAdminRefundProcessProviderFailure(t *testing.T) {
	admin := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	svc := &stubRefundService{err: pkgerrors.New(pkgerrors.CodeDependency, "provider refund failed")}
	target := "/api/v1/admin/refunds/" + uuid.NewString() + "/process"

	rec := serveRoute(http.MethodPost, "/api/v1/admin/refunds/{refundId}/process", target, "", &admin, AdminRefundProcess(svc, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
