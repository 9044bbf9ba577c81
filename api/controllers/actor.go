package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/api/middleware"
	"github.com/angelmondragon/escrowpay-backend/api/validators"
	"github.com/angelmondragon/escrowpay-backend/pkg/auth"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

func requireActor(r *http.Request) (auth.Actor, error) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return auth.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	return actor, nil
}

// actorAndID resolves the caller and the UUID path parameter named param.
func actorAndID(r *http.Request, param string) (auth.Actor, uuid.UUID, error) {
	actor, err := requireActor(r)
	if err != nil {
		return auth.Actor{}, uuid.Nil, err
	}
	id, err := validators.ParseUUIDParam(chi.URLParam(r, param), param)
	if err != nil {
		return auth.Actor{}, uuid.Nil, err
	}
	return actor, id, nil
}
