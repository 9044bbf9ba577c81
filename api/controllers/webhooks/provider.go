package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/internal/webhooks"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*webhooks.Result, error)
}

type ackResponse struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// ProviderWebhook accepts a provider notification. Providers retry on any
// non-2xx answer, so only unknown intents and transient failures ask for one.
func ProviderWebhook(svc Ingester, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		result, err := svc.Ingest(ctx, chi.URLParam(r, "provider"), payload, r.Header)
		if err != nil {
			responses.WriteError(ctx, logg, w, webhookError(err))
			return
		}
		responses.WriteSuccess(w, ackResponse{
			EventID:   result.EventID,
			EventType: string(result.EventType),
			Outcome:   string(result.Outcome),
			Duplicate: result.Duplicate,
		})
	}
}

// webhookError narrows ingest failures to the three answers providers act on.
func webhookError(err error) error {
	switch pkgerrors.CodeOf(err) {
	case pkgerrors.CodeSignature, pkgerrors.CodeValidation:
		return err
	case pkgerrors.CodeNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "payment intent not yet known")
	case pkgerrors.CodeDependency:
		return err
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "webhook processing failed")
	}
}
