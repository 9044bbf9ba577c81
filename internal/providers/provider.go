package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// ErrAlreadyConfirmed is returned by Confirm when the provider reports the
// intent was captured by an earlier call. Callers treat it as success.
var ErrAlreadyConfirmed = errors.New("provider intent already confirmed")

// ConfirmOutcome is the provider-independent result of a confirm call.
type ConfirmOutcome string

const (
	OutcomeSucceeded  ConfirmOutcome = "succeeded"
	OutcomeProcessing ConfirmOutcome = "processing"
	OutcomeFailed     ConfirmOutcome = "failed"
)

type IntentRequest struct {
	PaymentID      uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type IntentResult struct {
	ProviderIntentID string
	ClientSecret     string
	ProviderStatus   string
}

// ConfirmRequest captures a payment method against an intent. Amount and
// Currency repeat the intent values for providers without an intent object.
type ConfirmRequest struct {
	PaymentID        uuid.UUID
	ProviderIntentID string
	MethodRef        string
	Amount           int64
	Currency         string
}

// CancelRequest voids an intent. TransactionID is set once the provider has
// produced a payment object.
type CancelRequest struct {
	ProviderIntentID string
	TransactionID    string
}

type ConfirmResult struct {
	TransactionID  string
	ProviderStatus string
	Outcome        ConfirmOutcome
	FailureReason  string
}

// RefundRequest refunds a captured transaction. Amount 0 means the full amount.
type RefundRequest struct {
	TransactionID    string
	ProviderIntentID string
	Amount           int64
	Currency         string
	IdempotencyKey   string
}

type RefundResult struct {
	RefundRef      string
	ProviderStatus string
}

type TransferRequest struct {
	Destination       string
	Amount            int64
	Currency          string
	SourceTransaction string
	IdempotencyKey    string
}

// CanonicalEvent is a verified webhook notification in provider-independent form.
type CanonicalEvent struct {
	Provider         enums.PaymentProvider
	ProviderEventID  string
	Type             enums.CanonicalEventType
	RawType          string
	ProviderIntentID string
	TransactionID    string
	RefundRef        string
	Amount           int64
	Currency         string
	FailureReason    string
	OccurredAt       time.Time
}

// Provider is the capability set every payment network adapter offers.
type Provider interface {
	Name() enums.PaymentProvider
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResult, error)
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
	Cancel(ctx context.Context, req CancelRequest) error
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (CanonicalEvent, error)
}

// Transferer is implemented by providers that can pay out to a connected account.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}
