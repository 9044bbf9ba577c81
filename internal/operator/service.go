// Package operator keeps the queue of cases that need a human decision:
// reconciliation conflicts, failed refunds and escrows that will not release.
package operator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

// Item describes a case to open.
type Item struct {
	Kind       enums.OperatorItemKind
	EntityType string
	EntityID   uuid.UUID
	Details    map[string]any
}

// Opener is what other services need from the queue.
type Opener interface {
	Open(ctx context.Context, tx *gorm.DB, item Item) error
}

type Service struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewService(repo Repository, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "operator repository required")
	}
	return &Service{repo: repo, logg: logg, now: time.Now}, nil
}

// Open records item inside tx. An item already open for the same kind and
// entity is kept instead of duplicated.
func (s *Service) Open(ctx context.Context, tx *gorm.DB, item Item) error {
	if !item.Kind.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeInternal, "unknown operator item kind %q", item.Kind)
	}
	repo := s.repo.WithTx(tx)
	existing, err := repo.FindOpen(ctx, item.Kind, item.EntityID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check operator queue")
	}
	if existing != nil {
		return nil
	}

	details, err := json.Marshal(item.Details)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode operator item details")
	}
	row := &models.OperatorQueueItem{
		ID:         uuid.New(),
		Kind:       item.Kind,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Details:    details,
		Status:     enums.OperatorItemOpen,
	}
	if err := repo.Create(ctx, row); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open operator item")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"operator_item_id": row.ID.String(),
		"kind":             item.Kind,
		"entity_type":      item.EntityType,
		"entity_id":        item.EntityID.String(),
	})
	s.logg.Warn(logCtx, "operator item opened")
	return nil
}

type ListResult struct {
	Items      []models.OperatorQueueItem
	NextCursor string
}

func (s *Service) List(ctx context.Context, status enums.OperatorItemStatus, params pagination.Params) (*ListResult, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.List(ctx, status, cursor, params.Limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list operator items")
	}
	items, next := pagination.Page(rows, params.Limit, func(i models.OperatorQueueItem) pagination.Cursor {
		return pagination.Cursor{CreatedAt: i.CreatedAt, ID: i.ID}
	})
	return &ListResult{Items: items, NextCursor: next}, nil
}

// Resolve closes an open item.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, actor auth.Actor, note string) (*models.OperatorQueueItem, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "operator queue is admin only")
	}
	item, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "operator item not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load operator item")
	}
	if item.Status != enums.OperatorItemOpen {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "operator item already resolved")
	}

	now := s.now().UTC()
	updates := map[string]any{
		"status":      enums.OperatorItemResolved,
		"resolved_by": actor.UserID,
		"resolved_at": now,
	}
	if note = strings.TrimSpace(note); note != "" {
		updates["resolution_note"] = note
	}
	affected, err := s.repo.Update(ctx, id, updates)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve operator item")
	}
	if affected == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "operator item resolved concurrently")
	}

	item.Status = enums.OperatorItemResolved
	item.ResolvedBy = &actor.UserID
	item.ResolvedAt = &now
	if note != "" {
		item.ResolutionNote = &note
	}
	s.logg.Info(s.logg.WithField(ctx, "operator_item_id", id.String()), "operator item resolved")
	return item, nil
}
