// Package webhooks authenticates provider notifications and applies each one
// exactly once through the payment orchestrator.
package webhooks

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
)

const (
	outcomeDuplicate     = "duplicate"
	outcomeRejected      = "rejected"
	outcomeSignature     = "signature_invalid"
	outcomeUnknownIntent = "unknown_intent"
	outcomeError         = "error"

	applyRetries = 3
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type adapterLookup interface {
	Get(provider enums.PaymentProvider) (providers.Provider, error)
}

type eventApplier interface {
	ApplyEvent(ctx context.Context, tx *gorm.DB, evt providers.CanonicalEvent) (payments.ApplyResult, error)
}

type ServiceParams struct {
	Repo              Repository
	Registry          adapterLookup
	Payments          eventApplier
	TransactionRunner txRunner
	Metrics           *metrics.WebhookMetrics
	Logger            *logger.Logger
}

type Service struct {
	repo     Repository
	registry adapterLookup
	payments eventApplier
	tx       txRunner
	metrics  *metrics.WebhookMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Repo == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciliation repository required")
	case params.Registry == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider registry required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment service required")
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &Service{
		repo:     params.Repo,
		registry: params.Registry,
		payments: params.Payments,
		tx:       params.TransactionRunner,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// Result describes how a delivery was handled.
type Result struct {
	EventID   string
	EventType enums.CanonicalEventType
	Outcome   enums.ReconciliationOutcome
	Duplicate bool
	PaymentID *uuid.UUID
}

// Ingest verifies and applies one delivery. The returned error carries
// CodeSignature for unauthenticated payloads, CodeNotFound when the intent is
// not yet known and a retryable code for transient failures. Business
// rejections are recorded as ignored and reported without error.
func (s *Service) Ingest(ctx context.Context, providerName string, payload []byte, headers http.Header) (*Result, error) {
	provider := enums.PaymentProvider(strings.ToLower(strings.TrimSpace(providerName)))
	ctx = s.logg.WithProvider(ctx, string(provider))

	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown webhook provider")
	}
	evt, err := adapter.VerifyWebhook(ctx, payload, headers)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
			s.metrics.Inc(string(provider), outcomeError)
			return nil, err
		}
		s.metrics.Inc(string(provider), outcomeSignature)
		if pkgerrors.IsCode(err, pkgerrors.CodeSignature) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "verify webhook")
	}
	evt.Provider = provider
	if strings.TrimSpace(evt.ProviderEventID) == "" {
		s.metrics.Inc(string(provider), outcomeSignature)
		return nil, pkgerrors.New(pkgerrors.CodeSignature, "webhook event id missing")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"provider_event_id": evt.ProviderEventID,
		"event_type":        string(evt.Type),
	})

	var result *Result
	err = db.RetryConflicts(ctx, applyRetries, func() error {
		var applyErr error
		result, applyErr = s.apply(ctx, evt)
		return applyErr
	})
	if err != nil && db.IsUniqueViolation(err, "") {
		result, err = &Result{EventID: evt.ProviderEventID, EventType: evt.Type, Duplicate: true}, nil
	}

	switch {
	case err == nil && result.Duplicate:
		s.metrics.Inc(string(provider), outcomeDuplicate)
		s.logg.Info(ctx, "webhook duplicate acknowledged")
		return result, nil
	case err == nil:
		s.metrics.Inc(string(provider), string(result.Outcome))
		s.logg.Info(ctx, "webhook applied")
		return result, nil
	case isBusinessRejection(err):
		s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "webhook rejected")
		result, err = s.recordIgnored(ctx, evt)
		if err != nil {
			break
		}
		s.metrics.Inc(string(provider), outcomeRejected)
		return result, nil
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		s.metrics.Inc(string(provider), outcomeUnknownIntent)
		s.logg.Warn(ctx, "webhook for unknown intent")
		return nil, err
	}
	s.metrics.Inc(string(provider), outcomeError)
	return nil, retryable(err)
}

// apply runs the reconciliation check, the orchestrator transition and the
// log append in one transaction.
func (s *Service) apply(ctx context.Context, evt providers.CanonicalEvent) (*Result, error) {
	result := &Result{EventID: evt.ProviderEventID, EventType: evt.Type}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.Find(ctx, evt.Provider, evt.ProviderEventID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check reconciliation log")
		}
		if existing != nil {
			result.Duplicate = true
			result.Outcome = existing.Outcome
			result.PaymentID = existing.ResultingPaymentID
			return nil
		}

		applied, err := s.payments.ApplyEvent(ctx, tx, evt)
		if err != nil {
			return err
		}
		result.Outcome = applied.Outcome
		result.PaymentID = applied.PaymentID
		return repo.Append(ctx, s.entry(evt, applied.Outcome, applied.PaymentID))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recordIgnored logs a rejected event so redeliveries short-circuit.
func (s *Service) recordIgnored(ctx context.Context, evt providers.CanonicalEvent) (*Result, error) {
	result := &Result{EventID: evt.ProviderEventID, EventType: evt.Type, Outcome: enums.ReconciliationIgnored}
	err := s.repo.Append(ctx, s.entry(evt, enums.ReconciliationIgnored, nil))
	if db.IsUniqueViolation(err, "") {
		result.Duplicate = true
		return result, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record ignored webhook")
	}
	return result, nil
}

func (s *Service) entry(evt providers.CanonicalEvent, outcome enums.ReconciliationOutcome, paymentID *uuid.UUID) *models.ReconciliationEntry {
	eventType := evt.Type
	if eventType == "" {
		eventType = enums.CanonicalUnmapped
	}
	return &models.ReconciliationEntry{
		ID:                 uuid.New(),
		Provider:           evt.Provider,
		ProviderEventID:    evt.ProviderEventID,
		CanonicalEventType: eventType,
		Outcome:            outcome,
		ResultingPaymentID: paymentID,
		ProcessedAt:        s.now().UTC(),
	}
}

func isBusinessRejection(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeValidation) ||
		pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) ||
		pkgerrors.IsCode(err, pkgerrors.CodeReconciliation)
}

func retryable(err error) error {
	if pkgerrors.IsCode(err, pkgerrors.CodeDependency) {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply webhook")
}
