package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/api/validators"
	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

type OperatorService interface {
	List(ctx context.Context, status enums.OperatorItemStatus, params pagination.Params) (*operator.ListResult, error)
	Resolve(ctx context.Context, id uuid.UUID, actor auth.Actor, note string) (*models.OperatorQueueItem, error)
}

type resolveItemRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

type operatorItemResponse struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	EntityType     string          `json:"entity_type"`
	EntityID       uuid.UUID       `json:"entity_id"`
	Details        json.RawMessage `json:"details,omitempty"`
	Status         string          `json:"status"`
	ResolvedBy     *uuid.UUID      `json:"resolved_by,omitempty"`
	ResolutionNote *string         `json:"resolution_note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

type operatorListResponse struct {
	Items      []operatorItemResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func newOperatorItemResponse(item *models.OperatorQueueItem) operatorItemResponse {
	return operatorItemResponse{
		ID:             item.ID,
		Kind:           string(item.Kind),
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Details:        item.Details,
		Status:         string(item.Status),
		ResolvedBy:     item.ResolvedBy,
		ResolutionNote: item.ResolutionNote,
		CreatedAt:      item.CreatedAt,
		ResolvedAt:     item.ResolvedAt,
	}
}

// AdminOperatorQueueList pages through operator items, open ones by default.
func AdminOperatorQueueList(svc OperatorService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status := enums.OperatorItemOpen
		if raw := r.URL.Query().Get("status"); raw != "" {
			status, err = enums.ParseOperatorItemStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
		}
		result, err := svc.List(r.Context(), status, pagination.Params{Limit: limit, Cursor: r.URL.Query().Get("cursor")})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := operatorListResponse{Items: make([]operatorItemResponse, 0, len(result.Items)), NextCursor: result.NextCursor}
		for i := range result.Items {
			resp.Items = append(resp.Items, newOperatorItemResponse(&result.Items[i]))
		}
		responses.WriteSuccess(w, resp)
	}
}

func AdminOperatorQueueResolve(svc OperatorService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r, "itemId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload resolveItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		item, err := svc.Resolve(r.Context(), id, actor, payload.Note)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOperatorItemResponse(item))
	}
}
