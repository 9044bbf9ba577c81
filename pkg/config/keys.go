package config

const (
	EnvPrefix = "ESCROWPAY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "ESCROWPAY_APP_ENV"
	EnvPort     = "ESCROWPAY_APP_PORT"
	EnvDBDSN    = "ESCROWPAY_DB_DSN"
	EnvDBHost   = "ESCROWPAY_DB_HOST"
	EnvDBUser   = "ESCROWPAY_DB_USER"
	EnvDBName   = "ESCROWPAY_DB_NAME"
	EnvRedisURL = "ESCROWPAY_REDIS_URL"

	EnvJWTSecret = "ESCROWPAY_JWT_SECRET"
	EnvJWTIssuer = "ESCROWPAY_JWT_ISSUER"

	EnvEscrowHoldPeriod   = "ESCROWPAY_ESCROW_HOLD_PERIOD"
	EnvProviderTimeout    = "ESCROWPAY_PROVIDER_TIMEOUT"
	EnvPubSubOrdersSub    = "ESCROWPAY_PUBSUB_ORDERS_SUBSCRIPTION"
	EnvCryptoConfirmDepth = "ESCROWPAY_CRYPTO_MIN_CONFIRMATIONS"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
