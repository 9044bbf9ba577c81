package controllers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

type stubOperatorService struct {
	items  []models.OperatorQueueItem
	status enums.OperatorItemStatus
	params pagination.Params
	note   string
}

func (s *stubOperatorService) List(_ context.Context, status enums.OperatorItemStatus, params pagination.Params) (*operator.ListResult, error) {
	s.status, s.params = status, params
	return &operator.ListResult{Items: s.items}, nil
}

func (s *stubOperatorService) Resolve(_ context.Context, id uuid.UUID, _ auth.Actor, note string) (*models.OperatorQueueItem, error) {
	s.note = note
	return &models.OperatorQueueItem{ID: id, Kind: enums.OperatorItemRefundFailed, Status: enums.OperatorItemResolved, ResolutionNote: &note}, nil
}

func TestAdminOperatorQueueListDefaultsToOpen(t *testing.T) {
	admin := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	svc := &stubOperatorService{items: []models.OperatorQueueItem{{ID: uuid.New(), Kind: enums.OperatorItemRefundFailed, Status: enums.OperatorItemOpen}}}

	rec := serveRoute(http.MethodGet, "/api/v1/admin/operator-queue", "/api/v1/admin/operator-queue", "", &admin, AdminOperatorQueueList(svc, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, enums.OperatorItemOpen, svc.status)
	assert.Equal(t, pagination.DefaultLimit, svc.params.Limit)
	assert.Contains(t, rec.Body.String(), `"kind":"refund_failed"`)
}

func TestAdminOperatorQueueResolve(t *testing.T) {
	admin := auth.Actor{UserID: uuid.New(), Role: enums.RoleAdmin}
	svc := &stubOperatorService{}
	target := "/api/v1/admin/operator-queue/" + uuid.NewString() + "/resolve"

	rec := serveRoute(http.MethodPost, "/api/v1/admin/operator-queue/{itemId}/resolve", target, `{"note":"refunded manually"}`, &admin, AdminOperatorQueueResolve(svc, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refunded manually", svc.note)
}
