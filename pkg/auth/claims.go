package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID    uuid.UUID
	Role      enums.ActorRole
	AccountID string
	JTI       string
}

// AccessTokenClaims represents the typed JWT presented by callers.
// AccountID is the payee account a seller token acts for.
type AccessTokenClaims struct {
	UserID    uuid.UUID       `json:"user_id"`
	Role      enums.ActorRole `json:"role"`
	AccountID string          `json:"account_id,omitempty"`
	jwt.RegisteredClaims
}
