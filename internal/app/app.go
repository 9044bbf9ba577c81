// Package app assembles the payment orchestration services shared by the
// api, worker and cron binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/escrowpay-backend/internal/escrow"
	"github.com/angelmondragon/escrowpay-backend/internal/installments"
	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/providers"
	"github.com/angelmondragon/escrowpay-backend/internal/refunds"
	"github.com/angelmondragon/escrowpay-backend/internal/webhooks"
	"github.com/angelmondragon/escrowpay-backend/pkg/chain"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/db"
	"github.com/angelmondragon/escrowpay-backend/pkg/keylock"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/metrics"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
	"github.com/angelmondragon/escrowpay-backend/pkg/paypal"
	"github.com/angelmondragon/escrowpay-backend/pkg/square"
	pkgstripe "github.com/angelmondragon/escrowpay-backend/pkg/stripe"
)

type Params struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Registerer prometheus.Registerer
}

// Services holds one instance of every domain service, wired against the
// same database, provider registry and outbox.
type Services struct {
	Registry     *providers.Registry
	Payments     *payments.Service
	Escrow       *escrow.Service
	Refunds      *refunds.Service
	Installments *installments.Service
	Operator     *operator.Service
	Webhooks     *webhooks.Service
}

func Build(ctx context.Context, params Params) (*Services, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	cfg, logg, gdb := params.Config, params.Logger, params.DB.DB()

	catalog, err := config.LoadCatalog(cfg.Payments.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load provider catalog: %w", err)
	}
	adapters, err := enabledProviders(ctx, cfg, catalog, logg)
	if err != nil {
		return nil, err
	}
	registry, err := providers.NewRegistry(catalog, adapters...)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	if len(adapters) == 0 {
		logg.Warn(ctx, "no payment providers configured")
	}

	caller := providers.NewCaller(cfg.Payments, metrics.NewProviderMetrics(params.Registerer), logg)
	emitter := outbox.NewService(outbox.NewRepository(gdb), logg)
	paymentRepo := payments.NewRepository(gdb)

	operatorSvc, err := operator.NewService(operator.NewRepository(gdb), logg)
	if err != nil {
		return nil, err
	}

	escrowRepo := escrow.NewRepository(gdb)
	escrowMetrics := metrics.NewEscrowMetrics(params.Registerer)
	closer, err := escrow.NewCloser(escrowRepo, emitter, escrowMetrics, logg)
	if err != nil {
		return nil, err
	}

	refundSvc, err := refunds.NewService(refunds.ServiceParams{
		Repo:              refunds.NewRepository(gdb),
		Payments:          paymentRepo,
		Registry:          registry,
		Caller:            caller,
		Escrow:            closer,
		Outbox:            emitter,
		Operator:          operatorSvc,
		TransactionRunner: params.DB,
		Locks:             keylock.New(),
		Logger:            logg,
	})
	if err != nil {
		return nil, err
	}

	escrowSvc, err := escrow.NewService(escrow.ServiceParams{
		Repo:              escrowRepo,
		Payments:          paymentRepo,
		Registry:          registry,
		Caller:            caller,
		Closer:            closer,
		Refunds:           refundSvc,
		Operator:          operatorSvc,
		TransactionRunner: params.DB,
		Metrics:           escrowMetrics,
		Logger:            logg,
		Config:            cfg.Escrow,
	})
	if err != nil {
		return nil, err
	}

	planRepo := installments.NewRepository(gdb)
	tracker, err := installments.NewTracker(planRepo, emitter, logg)
	if err != nil {
		return nil, err
	}

	paymentSvc, err := payments.NewService(payments.ServiceParams{
		Repo:              paymentRepo,
		Registry:          registry,
		Caller:            caller,
		Outbox:            emitter,
		TransactionRunner: params.DB,
		Escrow:            escrowSvc,
		Refunds:           refundSvc,
		Installments:      tracker,
		Operator:          operatorSvc,
		Logger:            logg,
	})
	if err != nil {
		return nil, err
	}

	planSvc, err := installments.NewService(installments.ServiceParams{
		Repo:              planRepo,
		Payments:          paymentSvc,
		Currencies:        registry,
		Tracker:           tracker,
		TransactionRunner: params.DB,
		Logger:            logg,
		Config:            cfg.Installments,
	})
	if err != nil {
		return nil, err
	}

	webhookSvc, err := webhooks.NewService(webhooks.ServiceParams{
		Repo:              webhooks.NewRepository(gdb),
		Registry:          registry,
		Payments:          paymentSvc,
		TransactionRunner: params.DB,
		Metrics:           metrics.NewWebhookMetrics(params.Registerer),
		Logger:            logg,
	})
	if err != nil {
		return nil, err
	}

	return &Services{
		Registry:     registry,
		Payments:     paymentSvc,
		Escrow:       escrowSvc,
		Refunds:      refundSvc,
		Installments: planSvc,
		Operator:     operatorSvc,
		Webhooks:     webhookSvc,
	}, nil
}

// enabledProviders builds an adapter for every provider whose credentials
// are present. A provider without credentials stays out of the registry and
// requests for it fail validation.
func enabledProviders(ctx context.Context, cfg *config.Config, catalog *config.Catalog, logg *logger.Logger) ([]providers.Provider, error) {
	var adapters []providers.Provider

	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		client, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap stripe: %w", err)
		}
		card, err := providers.NewCardProvider(client, pkgstripe.NewPaymentsAPI(client))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, card)
	}

	if strings.TrimSpace(cfg.Square.AccessToken) != "" {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap square: %w", err)
		}
		adapter, err := providers.NewSquareProvider(client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.PayPal.ClientID) != "" {
		client, err := paypal.NewClient(ctx, cfg.PayPal, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap paypal: %w", err)
		}
		adapter, err := providers.NewPayPalProvider(client, catalog)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.Crypto.RPCURL) != "" {
		client, err := chain.NewClient(cfg.Crypto.RPCURL, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap chain rpc: %w", err)
		}
		adapter, err := providers.NewCryptoProvider(client, cfg.Crypto.ReceivingAddress, cfg.Crypto.MinConfirmations)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
}
