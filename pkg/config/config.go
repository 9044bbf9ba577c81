package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Payments     PaymentsConfig
	Escrow       EscrowConfig
	Installments InstallmentsConfig
	Stripe       StripeConfig
	Square       SquareConfig
	PayPal       PayPalConfig
	Crypto       CryptoConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"ESCROWPAY_APP_ENV" required:"true"`
	Port         string   `envconfig:"ESCROWPAY_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"ESCROWPAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"ESCROWPAY_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"ESCROWPAY_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"ESCROWPAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"ESCROWPAY_DB_DSN"`
	Driver string `envconfig:"ESCROWPAY_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"ESCROWPAY_DB_HOST"`
	Port     int    `envconfig:"ESCROWPAY_DB_PORT" default:"5432"`
	User     string `envconfig:"ESCROWPAY_DB_USER"`
	Password string `envconfig:"ESCROWPAY_DB_PASSWORD"`
	Name     string `envconfig:"ESCROWPAY_DB_NAME"`
	SSLMode  string `envconfig:"ESCROWPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ESCROWPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ESCROWPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ESCROWPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ESCROWPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"ESCROWPAY_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ESCROWPAY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"ESCROWPAY_REDIS_ADDR"`
	Password     string        `envconfig:"ESCROWPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"ESCROWPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ESCROWPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ESCROWPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ESCROWPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ESCROWPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ESCROWPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"ESCROWPAY_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"ESCROWPAY_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"ESCROWPAY_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"ESCROWPAY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"ESCROWPAY_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"ESCROWPAY_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"ESCROWPAY_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"ESCROWPAY_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	PaymentsTopic      string `envconfig:"ESCROWPAY_PUBSUB_PAYMENTS_TOPIC" default:"escrowpay-payment-events"`
	EscrowTopic        string `envconfig:"ESCROWPAY_PUBSUB_ESCROW_TOPIC" default:"escrowpay-escrow-events"`
	OrdersSubscription string `envconfig:"ESCROWPAY_PUBSUB_ORDERS_SUBSCRIPTION" default:"escrowpay-orders-sub"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"ESCROWPAY_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"ESCROWPAY_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"ESCROWPAY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"ESCROWPAY_OUTBOX_RETENTION" default:"720h"`
}

// PaymentsConfig bounds every provider call made by the orchestrator.
type PaymentsConfig struct {
	ProviderTimeout time.Duration `envconfig:"ESCROWPAY_PROVIDER_TIMEOUT" default:"30s"`
	MaxAttempts     int           `envconfig:"ESCROWPAY_PROVIDER_MAX_ATTEMPTS" default:"3"`
	BaseBackoff     time.Duration `envconfig:"ESCROWPAY_PROVIDER_BASE_BACKOFF" default:"250ms"`
	MaxBackoff      time.Duration `envconfig:"ESCROWPAY_PROVIDER_MAX_BACKOFF" default:"5s"`
	CatalogPath     string        `envconfig:"ESCROWPAY_PROVIDER_CATALOG_PATH"`
}

type EscrowConfig struct {
	HoldPeriod              time.Duration `envconfig:"ESCROWPAY_ESCROW_HOLD_PERIOD" default:"168h"`
	SweepInterval           time.Duration `envconfig:"ESCROWPAY_ESCROW_SWEEP_INTERVAL" default:"5m"`
	SweepBatchSize          int           `envconfig:"ESCROWPAY_ESCROW_SWEEP_BATCH_SIZE" default:"100"`
	ReleaseFailureThreshold int           `envconfig:"ESCROWPAY_ESCROW_RELEASE_FAILURE_THRESHOLD" default:"3"`
}

type InstallmentsConfig struct {
	DefaultIntervalDays int           `envconfig:"ESCROWPAY_INSTALLMENT_INTERVAL_DAYS" default:"30"`
	GracePeriod         time.Duration `envconfig:"ESCROWPAY_INSTALLMENT_GRACE_PERIOD" default:"72h"`
}

type StripeConfig struct {
	APIKey string `envconfig:"ESCROWPAY_STRIPE_API_KEY"`
	Secret string `envconfig:"ESCROWPAY_STRIPE_SECRET"`
	Env    string `envconfig:"ESCROWPAY_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	return normalizeEnv(s.Env, "test")
}

type SquareConfig struct {
	AccessToken     string `envconfig:"ESCROWPAY_SQUARE_ACCESS_TOKEN"`
	LocationID      string `envconfig:"ESCROWPAY_SQUARE_LOCATION_ID"`
	WebhookSecret   string `envconfig:"ESCROWPAY_SQUARE_WEBHOOK_SECRET"`
	NotificationURL string `envconfig:"ESCROWPAY_SQUARE_NOTIFICATION_URL"`
	Env             string `envconfig:"ESCROWPAY_SQUARE_ENV" default:"sandbox"`
}

func (s SquareConfig) Environment() string {
	return normalizeEnv(s.Env, "sandbox")
}

type PayPalConfig struct {
	ClientID     string `envconfig:"ESCROWPAY_PAYPAL_CLIENT_ID"`
	ClientSecret string `envconfig:"ESCROWPAY_PAYPAL_CLIENT_SECRET"`
	WebhookID    string `envconfig:"ESCROWPAY_PAYPAL_WEBHOOK_ID"`
	Env          string `envconfig:"ESCROWPAY_PAYPAL_ENV" default:"sandbox"`
	BaseURL      string `envconfig:"ESCROWPAY_PAYPAL_BASE_URL"`
}

func (p PayPalConfig) Environment() string {
	return normalizeEnv(p.Env, "sandbox")
}

type CryptoConfig struct {
	RPCURL           string `envconfig:"ESCROWPAY_CRYPTO_RPC_URL"`
	ReceivingAddress string `envconfig:"ESCROWPAY_CRYPTO_RECEIVING_ADDRESS"`
	MinConfirmations int    `envconfig:"ESCROWPAY_CRYPTO_MIN_CONFIRMATIONS" default:"1"`
}

func normalizeEnv(value, fallback string) string {
	env := strings.TrimSpace(strings.ToLower(value))
	if env == "" {
		return fallback
	}
	return env
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
