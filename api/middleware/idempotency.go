package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/escrowpay-backend/api/responses"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/escrowpay-backend/pkg/redis"
)

const (
	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	// A reservation outlives the slowest handler (provider timeout times retries).
	reservationTTL = 5 * time.Minute
)

// ResponseStore persists replayable responses keyed by Idempotency-Key.
type ResponseStore interface {
	pkgredis.IdempotencyStore
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type idempotencyRule struct {
	method string
	match  func(pattern string) bool
	ttl    time.Duration
}

// Money-moving creates keep their key for a week so late client retries
// still replay; state changes keep it for a day.
var idempotencyRules = []idempotencyRule{
	{http.MethodPost, exactly("/api/v1/payments"), criticalIdempotencyTTL},
	{http.MethodPost, exactly("/api/v1/payments/{paymentId}/confirm"), criticalIdempotencyTTL},
	{http.MethodPost, exactly("/api/v1/refunds"), criticalIdempotencyTTL},
	{http.MethodPost, exactly("/api/v1/installment-plans/{planId}/charge"), criticalIdempotencyTTL},
	{http.MethodPost, exactly("/api/v1/installment-plans"), defaultIdempotencyTTL},
	{http.MethodPost, under("/api/v1/escrows/"), defaultIdempotencyTTL},
	{http.MethodPost, under("/api/v1/admin/"), defaultIdempotencyTTL},
}

type recordState string

const (
	statePending  recordState = "pending"
	stateComplete recordState = "complete"
)

type storedResponse struct {
	State       recordState `json:"state"`
	RequestHash string      `json:"request_hash"`
	Status      int         `json:"status,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Body        string      `json:"body,omitempty"`
}

type replayGuard struct {
	store ResponseStore
	logg  *logger.Logger
}

// Idempotency reserves the Idempotency-Key before the handler runs, so a
// concurrent duplicate is rejected instead of moving money twice. Completed
// responses below 500 are replayed; server errors release the key.
func Idempotency(store ResponseStore, logg *logger.Logger) func(http.Handler) http.Handler {
	g := &replayGuard{store: store, logg: logg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, routePattern(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if err := g.serve(w, r, next, ttl); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
			}
		})
	}
}

func (g *replayGuard) serve(w http.ResponseWriter, r *http.Request, next http.Handler, ttl time.Duration) error {
	ctx := r.Context()
	clientKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if clientKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	hash := hashBody(body)
	key := g.store.IdempotencyKey(requestScope(r), clientKey)

	reserved, err := g.reserve(ctx, key, hash)
	if err != nil {
		return err
	}
	if !reserved {
		existing, err := g.load(ctx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key expired mid-flight; retry")
		}
		if existing.RequestHash != hash {
			return pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body")
		}
		if existing.State == statePending {
			return pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is still in progress")
		}
		existing.replay(w)
		return nil
	}

	capture := &responseCapture{ResponseWriter: w}
	next.ServeHTTP(capture, r)
	g.finish(ctx, key, hash, capture, ttl)
	return nil
}

func (g *replayGuard) reserve(ctx context.Context, key, hash string) (bool, error) {
	pending, err := json.Marshal(storedResponse{State: statePending, RequestHash: hash})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode reservation")
	}
	ok, err := g.store.SetNX(ctx, key, string(pending), reservationTTL)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key")
	}
	return ok, nil
}

func (g *replayGuard) load(ctx context.Context, key string) (*storedResponse, error) {
	raw, err := g.store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record")
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record")
	}
	return &stored, nil
}

func (g *replayGuard) finish(ctx context.Context, key, hash string, capture *responseCapture, ttl time.Duration) {
	status := capture.statusCode()
	if status >= http.StatusInternalServerError {
		if err := g.store.Del(ctx, key); err != nil {
			g.warn(ctx, "release idempotency key", err)
		}
		return
	}
	payload, err := json.Marshal(storedResponse{
		State:       stateComplete,
		RequestHash: hash,
		Status:      status,
		ContentType: capture.Header().Get("Content-Type"),
		Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
	})
	if err == nil {
		err = g.store.Set(ctx, key, string(payload), ttl)
	}
	if err != nil {
		g.warn(ctx, "persist idempotency record", err)
	}
}

func (g *replayGuard) warn(ctx context.Context, msg string, err error) {
	if g.logg == nil {
		return
	}
	g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), msg)
}

func (s *storedResponse) replay(w http.ResponseWriter) {
	if s.ContentType != "" {
		w.Header().Set("Content-Type", s.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(s.Status)
	if body, err := base64.StdEncoding.DecodeString(s.Body); err == nil {
		_, _ = w.Write(body)
	}
}

// requestScope keys a record to the caller so two users cannot collide on
// the same client-chosen key.
func requestScope(r *http.Request) string {
	actor, _ := ActorFromContext(r.Context())
	return strings.Join([]string{actor.UserID.String(), string(actor.Role), r.Method, r.URL.Path}, "|")
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func routePattern(r *http.Request) string {
	pattern := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		pattern = rc.RoutePattern()
	}
	if len(pattern) > 1 {
		pattern = strings.TrimSuffix(pattern, "/")
	}
	return pattern
}

func routeTTL(method, pattern string) (time.Duration, bool) {
	for _, rule := range idempotencyRules {
		if rule.method == method && rule.match(pattern) {
			return rule.ttl, true
		}
	}
	return 0, false
}

func exactly(path string) func(string) bool {
	return func(pattern string) bool { return pattern == path }
}

func under(prefix string) func(string) bool {
	return func(pattern string) bool { return strings.HasPrefix(pattern, prefix) }
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
