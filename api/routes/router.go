package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/escrowpay-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/escrowpay-backend/api/controllers/webhooks"
	"github.com/angelmondragon/escrowpay-backend/api/middleware"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies carries everything the HTTP surface is wired to.
type Dependencies struct {
	DB           Pinger
	Redis        Pinger
	Idempotency  middleware.ResponseStore
	Gatherer     prometheus.Gatherer
	Payments     controllers.PaymentService
	Escrows      controllers.EscrowService
	Refunds      controllers.RefundService
	Installments controllers.InstallmentService
	Operator     controllers.OperatorService
	Webhooks     webhookcontrollers.Ingester
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DB, deps.Redis))
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Post("/api/v1/webhooks/{provider}", webhookcontrollers.ProviderWebhook(deps.Webhooks, logg))

	idem := middleware.Idempotency(deps.Idempotency, logg)
	privileged := middleware.RequireRole(logg, enums.RoleAdmin, enums.RoleService, enums.RoleSystem)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/payments", func(r chi.Router) {
			r.With(idem).Post("/", controllers.PaymentCreate(deps.Payments, logg))
			r.Get("/", controllers.PaymentList(deps.Payments, logg))
			r.Get("/{paymentId}", controllers.PaymentGet(deps.Payments, logg))
			r.With(idem).Post("/{paymentId}/confirm", controllers.PaymentConfirm(deps.Payments, logg))
			r.Post("/{paymentId}/cancel", controllers.PaymentCancel(deps.Payments, logg))
		})

		r.Route("/escrows/{escrowId}", func(r chi.Router) {
			r.Get("/", controllers.EscrowGet(deps.Escrows, logg))
			r.With(privileged, idem).Post("/release", controllers.EscrowRelease(deps.Escrows, logg))
			r.With(idem).Post("/refund", controllers.EscrowRefund(deps.Escrows, logg))
			r.With(idem).Post("/dispute", controllers.EscrowDispute(deps.Escrows, logg))
		})

		r.Route("/refunds", func(r chi.Router) {
			r.With(idem).Post("/", controllers.RefundRequest(deps.Refunds, logg))
			r.Get("/{refundId}", controllers.RefundGet(deps.Refunds, logg))
		})

		r.Route("/installment-plans", func(r chi.Router) {
			r.With(idem).Post("/", controllers.InstallmentPlanCreate(deps.Installments, logg))
			r.Get("/{planId}", controllers.InstallmentPlanGet(deps.Installments, logg))
			r.With(idem).Post("/{planId}/charge", controllers.InstallmentPlanCharge(deps.Installments, logg))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.RoleAdmin))
			r.With(idem).Post("/escrows/{escrowId}/resolve", controllers.AdminEscrowResolve(deps.Escrows, logg))
			r.With(idem).Post("/refunds/{refundId}/approve", controllers.AdminRefundApprove(deps.Refunds, logg))
			r.With(idem).Post("/refunds/{refundId}/reject", controllers.AdminRefundReject(deps.Refunds, logg))
			r.With(idem).Post("/refunds/{refundId}/process", controllers.AdminRefundProcess(deps.Refunds, logg))
			r.With(idem).Post("/refunds/{refundId}/retry", controllers.AdminRefundRetry(deps.Refunds, logg))
			r.Get("/operator-queue", controllers.AdminOperatorQueueList(deps.Operator, logg))
			r.With(idem).Post("/operator-queue/{itemId}/resolve", controllers.AdminOperatorQueueResolve(deps.Operator, logg))
		})
	})

	return r
}
