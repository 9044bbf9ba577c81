package square

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var (
	errAccessTokenRequired   = errors.New("square access token is required")
	errWebhookSecretRequired = errors.New("square webhook secret is required")
	errInvalidSquareEnv      = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired        = errors.New("square logger is required")
	errLocationRequired      = errors.New("square location id is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

// Client wraps the Square SDK calls the card-present adapter needs. Every call
// is logged with sensitive fields redacted and its error mapped to a pkg/errors code.
type Client struct {
	sdk             *sqclient.Client
	environment     string
	locationID      string
	webhookSecret   string
	notificationURL string
	logger          *logger.Logger
}

func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	secret := strings.TrimSpace(cfg.WebhookSecret)
	location := strings.TrimSpace(cfg.LocationID)
	for _, check := range []struct {
		value string
		err   error
	}{{token, errAccessTokenRequired}, {secret, errWebhookSecretRequired}, {location, errLocationRequired}} {
		if check.value == "" {
			return nil, check.err
		}
	}

	sdk := sqclient.NewClient(sqoption.WithBaseURL(baseURLs[env]), sqoption.WithToken(token))
	logg.Info(logg.WithFields(ctx, map[string]any{"square_env": env, "location_id": location}), "square client ready")
	return &Client{
		sdk:             sdk,
		environment:     env,
		locationID:      location,
		webhookSecret:   secret,
		notificationURL: strings.TrimSpace(cfg.NotificationURL),
		logger:          logg,
	}, nil
}

func (c *Client) LocationID() string {
	if c == nil {
		return ""
	}
	return c.locationID
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// NewIdempotencyKey returns prefix-<uuid>; Square caps keys at 45 characters.
func (c *Client) NewIdempotencyKey(prefix string) string {
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "esc"
	}
	return prefix + "-" + uuid.NewString()
}

func (c *Client) ensureIdempotencyKey(prefix, provided string) string {
	if strings.TrimSpace(provided) != "" {
		return provided
	}
	return c.NewIdempotencyKey(prefix)
}

// observe logs op with fields, runs fn and maps its error.
func observe[T any](ctx context.Context, c *Client, op string, fields map[string]any, fn func() (T, error)) (T, error) {
	started := time.Now()
	out, err := fn()
	if c.logger == nil {
		return out, c.mapSquareError(err, op)
	}
	safe := map[string]any{"square_op": op, "duration_ms": time.Since(started).Milliseconds()}
	for k, v := range fields {
		safe[k] = c.redact(k, v)
	}
	logCtx := c.logger.WithFields(ctx, safe)
	if err != nil {
		c.logger.Warn(c.logger.WithField(logCtx, "error", err.Error()), "square call failed")
		return out, c.mapSquareError(err, op)
	}
	c.logger.Debug(logCtx, "square call ok")
	return out, nil
}

// CreatePayment charges SourceID; ReferenceID carries the local intent reference.
func (c *Client) CreatePayment(ctx context.Context, params PaymentCreateParams) (*sq.Payment, error) {
	if params.LocationID == "" {
		params.LocationID = c.locationID
	}
	req := params.toSquareRequest(c.ensureIdempotencyKey("pay", params.IdempotencyKey))
	fields := map[string]any{"reference_id": params.ReferenceID, "amount": params.Amount, "source_id": params.SourceID}
	return observe(ctx, c, "create payment", fields, func() (*sq.Payment, error) {
		resp, err := c.sdk.Payments.Create(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.GetPayment(), nil
	})
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error) {
	return observe(ctx, c, "get payment", map[string]any{"square_payment_id": paymentID}, func() (*sq.Payment, error) {
		resp, err := c.sdk.Payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: paymentID})
		if err != nil {
			return nil, err
		}
		return resp.GetPayment(), nil
	})
}

// CancelPayment voids an APPROVED payment; completed payments must be refunded.
func (c *Client) CancelPayment(ctx context.Context, paymentID string) (*sq.Payment, error) {
	return observe(ctx, c, "cancel payment", map[string]any{"square_payment_id": paymentID}, func() (*sq.Payment, error) {
		resp, err := c.sdk.Payments.Cancel(ctx, &sq.CancelPaymentsRequest{PaymentID: paymentID})
		if err != nil {
			return nil, err
		}
		return resp.GetPayment(), nil
	})
}

func (c *Client) RefundPayment(ctx context.Context, params RefundParams) (*sq.PaymentRefund, error) {
	req := params.toSquareRequest(c.ensureIdempotencyKey("ref", params.IdempotencyKey))
	fields := map[string]any{"square_payment_id": params.PaymentID, "amount": params.Amount}
	return observe(ctx, c, "refund payment", fields, func() (*sq.PaymentRefund, error) {
		resp, err := c.sdk.Refunds.RefundPayment(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.GetRefund(), nil
	})
}

// VerifySignature checks a webhook against the client's secret and URL.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	if c == nil {
		return false
	}
	return VerifySignature(c.webhookSecret, c.notificationURL, body, signature)
}

var sensitiveKeys = []string{"card", "nonce", "source", "token", "cvv", "cvc", "secret", "email", "phone"}

func (c *Client) redact(key string, value any) any {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeys {
		if strings.Contains(lower, marker) {
			return "[REDACTED]"
		}
	}
	return value
}

func (c *Client) mapSquareError(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *sqcore.APIError
	if errors.As(err, &apiErr) {
		code := domainCodeForStatus(apiErr.StatusCode)
		for _, sqErr := range c.extractSquareErrors(apiErr) {
			if sqErr == nil {
				continue
			}
			if sqErr.Code == sq.ErrorCodeIdempotencyKeyReused {
				code = pkgerrors.CodeIdempotency
				break
			}
			if sqErr.Category == sq.ErrorCategoryAuthenticationError {
				code = pkgerrors.CodeUnauthorized
				break
			}
		}
		return pkgerrors.Wrap(code, err, fmt.Sprintf("square %s failed", op))
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("square %s failed", op))
}

func (c *Client) extractSquareErrors(apiErr *sqcore.APIError) []*sq.Error {
	if apiErr == nil {
		return nil
	}
	inner := apiErr.Unwrap()
	if inner == nil {
		return nil
	}
	raw := strings.TrimSpace(inner.Error())
	if raw == "" {
		return nil
	}
	var payload struct {
		Errors []*sq.Error `json:"errors"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload.Errors
}

var statusCodes = map[int]pkgerrors.Code{
	http.StatusBadRequest:          pkgerrors.CodeValidation,
	http.StatusUnauthorized:        pkgerrors.CodeUnauthorized,
	http.StatusForbidden:           pkgerrors.CodeForbidden,
	http.StatusNotFound:            pkgerrors.CodeNotFound,
	http.StatusConflict:            pkgerrors.CodeConflict,
	http.StatusUnprocessableEntity: pkgerrors.CodeStateConflict,
	http.StatusTooManyRequests:     pkgerrors.CodeRateLimit,
}

// domainCodeForStatus treats unlisted 4xx as validation and everything else
// as a retryable dependency failure.
func domainCodeForStatus(status int) pkgerrors.Code {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	if status >= 400 && status < 500 {
		return pkgerrors.CodeValidation
	}
	return pkgerrors.CodeDependency
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

// RefundID reads the refund id.
func RefundID(refund *sq.PaymentRefund) string {
	if refund == nil {
		return ""
	}
	return refund.ID
}

// RefundStatus reads the refund status.
func RefundStatus(refund *sq.PaymentRefund) string {
	if refund == nil {
		return ""
	}
	return stringValue(refund.Status)
}

func normalizeEnv(raw string) (string, error) {
	env := strings.ToLower(strings.TrimSpace(raw))
	if env == "" {
		return sandboxEnv, nil
	}
	if _, ok := baseURLs[env]; !ok {
		return "", errInvalidSquareEnv
	}
	return env, nil
}
