package auth

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
)

// Actor is the authenticated principal behind an operation.
type Actor struct {
	UserID    uuid.UUID
	Role      enums.ActorRole
	AccountID string
}

// SystemActor attributes work done by sweeps, consumers and webhooks.
var SystemActor = Actor{Role: enums.RoleSystem}

func ActorFromClaims(claims *AccessTokenClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{UserID: claims.UserID, Role: claims.Role, AccountID: claims.AccountID}
}

func (a Actor) IsAdmin() bool {
	return a.Role == enums.RoleAdmin
}

// IsPrivileged covers roles that act on any customer's records.
func (a Actor) IsPrivileged() bool {
	switch a.Role {
	case enums.RoleAdmin, enums.RoleService, enums.RoleSystem:
		return true
	}
	return false
}

// Ref renders the actor for outbox envelopes.
func (a Actor) Ref() *outbox.ActorRef {
	if a.Role == "" {
		return nil
	}
	return &outbox.ActorRef{UserID: a.UserID, Role: string(a.Role)}
}
