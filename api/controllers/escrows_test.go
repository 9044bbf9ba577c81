package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/internal/escrow"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

type stubEscrowService struct {
	escrow  *models.Escrow
	err     error
	reason  string
	dispute escrow.DisputeInput
	winner  enums.DisputeWinner
}

func (s *stubEscrowService) Get(context.Context, auth.Actor, uuid.UUID) (*models.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) Release(context.Context, auth.Actor, uuid.UUID) (*models.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) Refund(_ context.Context, _ auth.Actor, _ uuid.UUID, reason string) (*models.Escrow, error) {
	s.reason = reason
	return s.escrow, s.err
}

func (s *stubEscrowService) Dispute(_ context.Context, _ auth.Actor, _ uuid.UUID, input escrow.DisputeInput) (*models.Escrow, error) {
	s.dispute = input
	return s.escrow, s.err
}

func (s *stubEscrowService) Resolve(_ context.Context, _ auth.Actor, _ uuid.UUID, winner enums.DisputeWinner) (*models.Escrow, error) {
	s.winner = winner
	return s.escrow, s.err
}

func sampleEscrow() *models.Escrow {
	released := time.Now().UTC()
	ref := "tr_1"
	return &models.Escrow{
		ID:         uuid.New(),
		PaymentID:  uuid.New(),
		OrderID:    uuid.New(),
		Amount:     5000,
		Currency:   "USD",
		Provider:   enums.ProviderCard,
		Status:     enums.EscrowStatusReleased,
		HoldUntil:  released,
		ReleasedAt: &released,
		Settlements: []models.EscrowSettlement{{
			RecipientID: "acct_1",
			Amount:      5000,
			Status:      enums.SettlementStatusTransferred,
			TransferRef: &ref,
		}},
	}
}

func TestEscrowReleaseRendersSettlements(t *testing.T) {
	actor := auth.Actor{UserID: uuid.New(), Role: enums.RoleService}
	held := sampleEscrow()
	target := "/api/v1/escrows/" + held.ID.String() + "/release"

	rec := serveRoute(http.MethodPost, "/api/v1/escrows/{escrowId}/release", target, "", &actor, EscrowRelease(&stubEscrowService{escrow: held}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data escrowResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, "released", envelope.Data.Status)
	require.Len(t, envelope.Data.Settlements, 1)
	assert.Equal(t, "tr_1", *envelope.Data.Settlements[0].TransferRef)
}

func TestEscrowRefundRequiresReason(t *testing.T) {
	actor := customerActor()
	svc := &stubEscrowService{escrow: sampleEscrow()}
	target := "/api/v1/escrows/" + uuid.NewString() + "/refund"

	rec := serveRoute(http.MethodPost, "/api/v1/escrows/{escrowId}/refund", target, `{}`, &actor, EscrowRefund(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveRoute(http.MethodPost, "/api/v1/escrows/{escrowId}/refund", target, `{"reason":"  never arrived\u0000 "}`, &actor, EscrowRefund(svc, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "never arrived", svc.reason)
}

func TestEscrowDisputeForwardsEvidence(t *testing.T) {
	actor := customerActor()
	svc := &stubEscrowService{escrow: sampleEscrow()}
	target := "/api/v1/escrows/" + uuid.NewString() + "/dispute"
	body := `{"reason":"damaged","evidence":{"photos":["a.jpg"]}}`

	rec := serveRoute(http.MethodPost, "/api/v1/escrows/{escrowId}/dispute", target, body, &actor, EscrowDispute(svc, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "damaged", svc.dispute.Reason)
	assert.JSONEq(t, `{"photos":["a.jpg"]}`, string(svc.dispute.Evidence))
}

func TestEscrowDisputeStateConflict(t *testing.T) {
	actor := customerActor()
	svc := &stubEscrowService{err: pkgerrors.New(pkgerrors.CodeStateConflict, "escrow is released")}
	target := "/api/v1/escrows/" + uuid.NewString() + "/dispute"

	rec := serveRoute(http.MethodPost, "/api/v1/escrows/{escrowId}/dispute", target, `{"reason":"late"}`, &actor, EscrowDispute(svc, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminEscrowResolveWinner(t *testing.T) {
	actor := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	svc := &stubEscrowService{escrow: sampleEscrow()}
	target := "/api/v1/admin/escrows/" + uuid.NewString() + "/resolve"
	pattern := "/api/v1/admin/escrows/{escrowId}/resolve"

	rec := serveRoute(http.MethodPost, pattern, target, `{"winner":"nobody"}`, &actor, AdminEscrowResolve(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveRoute(http.MethodPost, pattern, target, `{"winner":"seller"}`, &actor, AdminEscrowResolve(svc, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, enums.DisputeWinnerSeller, svc.winner)
}
