package paypal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

const (
	sandboxEnv = "sandbox"
	liveEnv    = "live"

	requestIDHeader = "PayPal-Request-Id"
	tokenSkew       = 60 * time.Second
	requestTimeout  = 30 * time.Second
)

var (
	errClientIDRequired     = errors.New("paypal client id is required")
	errClientSecretRequired = errors.New("paypal client secret is required")
	errWebhookIDRequired    = errors.New("paypal webhook id is required")
	errInvalidPayPalEnv     = fmt.Errorf("paypal environment must be %q or %q", sandboxEnv, liveEnv)

	// ErrOrderAlreadyCaptured is returned when a capture repeats a completed one.
	ErrOrderAlreadyCaptured = errors.New("paypal order already captured")
)

var baseURLs = map[string]string{
	sandboxEnv: "https://api-m.sandbox.paypal.com",
	liveEnv:    "https://api-m.paypal.com",
}

// Client talks to the PayPal REST API with a cached client-credentials token.
type Client struct {
	http         *resty.Client
	clientID     string
	clientSecret string
	webhookID    string
	environment  string
	logger       *logger.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient validates the credentials and prepares the REST client.
func NewClient(ctx context.Context, cfg config.PayPalConfig, logg *logger.Logger) (*Client, error) {
	env := cfg.Environment()
	baseURL, ok := baseURLs[env]
	if !ok {
		return nil, errInvalidPayPalEnv
	}
	if override := strings.TrimSpace(cfg.BaseURL); override != "" {
		baseURL = strings.TrimRight(override, "/")
	}

	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, errClientIDRequired
	}
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientSecret == "" {
		return nil, errClientSecretRequired
	}
	webhookID := strings.TrimSpace(cfg.WebhookID)
	if webhookID == "" {
		return nil, errWebhookIDRequired
	}

	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    webhookID,
		environment:  env,
		logger:       logg,
		now:          time.Now,
	}

	logg.Info(ctx, fmt.Sprintf("paypal client initialized (%s)", env))
	return c, nil
}

// Environment reports the normalized PayPal environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// APIError is PayPal's error body.
type APIError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
	// OAuth failures use a different shape.
	OAuthError       string `json:"error"`
	OAuthDescription string `json:"error_description"`
}

func (e *APIError) issue() string {
	if e == nil {
		return ""
	}
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	if e.Name != "" {
		return e.Name
	}
	return e.OAuthError
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var out tokenResponse
	var apiErr APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "paypal token request failed")
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", c.mapError(resp.StatusCode(), &apiErr, "obtain access token")
	}

	c.token = out.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSkew)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do sends an authorized JSON request. requestID, when set, makes the call idempotent.
func (c *Client) do(ctx context.Context, method, path, requestID string, body, result any, op string) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var apiErr APIError
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&apiErr)
	if requestID != "" {
		req.SetHeader(requestIDHeader, requestID)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	c.log(ctx, "request", op, map[string]any{"path": path})
	resp, err := req.Execute(method, path)
	if err != nil {
		c.log(ctx, "error", op, map[string]any{"error": err.Error()})
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("paypal %s failed", op))
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnauthorized {
			c.invalidateToken()
		}
		c.log(ctx, "error", op, map[string]any{
			"status":   resp.StatusCode(),
			"issue":    apiErr.issue(),
			"debug_id": apiErr.DebugID,
		})
		return c.mapError(resp.StatusCode(), &apiErr, op)
	}
	c.log(ctx, "response", op, map[string]any{"status": resp.StatusCode()})
	return nil
}

func (c *Client) mapError(status int, apiErr *APIError, op string) error {
	issue := apiErr.issue()
	cause := fmt.Errorf("paypal %d %s: %s", status, issue, apiErr.Message)
	if issue == "ORDER_ALREADY_CAPTURED" {
		return ErrOrderAlreadyCaptured
	}
	code := codeForStatus(status)
	return pkgerrors.Wrap(code, cause, fmt.Sprintf("paypal %s failed", op)).
		WithDetails(map[string]any{"issue": issue, "debug_id": apiErr.DebugID})
}

func codeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests, status >= 500:
		return pkgerrors.CodeDependency
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	case status >= 400:
		return pkgerrors.CodeValidation
	default:
		return pkgerrors.CodeDependency
	}
}

// Issue returns the PayPal issue code attached to a mapped error.
func Issue(err error) string {
	typed := pkgerrors.As(err)
	if typed == nil {
		return ""
	}
	if details, ok := typed.Details().(map[string]any); ok {
		if issue, ok := details["issue"].(string); ok {
			return issue
		}
	}
	return ""
}

func (c *Client) log(ctx context.Context, phase, op string, fields map[string]any) {
	if c == nil || c.logger == nil {
		return
	}
	logFields := map[string]any{"operation": op, "phase": phase}
	for k, v := range fields {
		logFields[k] = v
	}
	ctx = c.logger.WithFields(ctx, logFields)
	if phase == "error" {
		c.logger.Warn(ctx, fmt.Sprintf("paypal %s", op))
		return
	}
	c.logger.Debug(ctx, fmt.Sprintf("paypal %s", phase))
}
