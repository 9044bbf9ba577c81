package db

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

// UpdateVersioned applies updates only when the row still carries version and
// bumps it. A stale version yields CodeConflict.
func UpdateVersioned(tx *gorm.DB, model any, id uuid.UUID, version int64, updates map[string]any) error {
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["version"] = gorm.Expr("version + 1")

	res := tx.Model(model).
		Where("id = ? AND version = ?", id, version).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "record was modified concurrently").
			WithDetails(map[string]any{"id": id.String()})
	}
	return nil
}

// RetryConflicts reruns fn while it fails with CodeConflict, up to attempts times.
func RetryConflicts(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if pkgerrors.CodeOf(err) != pkgerrors.CodeConflict {
			return err
		}
	}
	return err
}
