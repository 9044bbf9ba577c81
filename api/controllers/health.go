package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

const readinessTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-EscrowPay-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when Postgres and Redis both answer a ping.
func HealthReady(cfg *config.Config, logg *logger.Logger, database pinger, cache pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-EscrowPay-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := map[string]string{"postgres": "ok", "redis": "ok"}
		var failed bool
		for name, dep := range map[string]pinger{"postgres": database, "redis": cache} {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "unavailable"
				failed = true
				logg.Warn(logg.WithField(ctx, "dependency", name), "readiness check failed")
			}
		}
		if failed {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(checks))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
