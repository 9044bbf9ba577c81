package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/escrowpay-backend/api/controllers"
	"github.com/angelmondragon/escrowpay-backend/internal/operator"
	"github.com/angelmondragon/escrowpay-backend/internal/payments"
	"github.com/angelmondragon/escrowpay-backend/internal/webhooks"
	pkgAuth "github.com/angelmondragon/escrowpay-backend/pkg/auth"
	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/pagination"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubPayments struct {
	controllers.PaymentService
	mu      sync.Mutex
	creates int
}

func (s *stubPayments) Create(_ context.Context, _ pkgAuth.Actor, input payments.CreateInput) (*payments.CreateResult, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return &payments.CreateResult{Payment: &models.Payment{
		ID:       uuid.New(),
		OrderID:  input.OrderID,
		Amount:   input.Amount,
		Currency: input.Currency,
		Provider: input.Provider,
		Status:   enums.PaymentStatusPending,
	}}, nil
}

func (s *stubPayments) List(context.Context, pkgAuth.Actor, payments.Filters, pagination.Params) (*payments.ListResult, error) {
	return &payments.ListResult{}, nil
}

type stubOperator struct {
	controllers.OperatorService
}

func (stubOperator) List(context.Context, enums.OperatorItemStatus, pagination.Params) (*operator.ListResult, error) {
	return &operator.ListResult{}, nil
}

type stubEscrows struct {
	controllers.EscrowService
	released int
}

func (s *stubEscrows) Release(_ context.Context, _ pkgAuth.Actor, id uuid.UUID) (*models.Escrow, error) {
	s.released++
	return &models.Escrow{ID: id, Status: enums.EscrowStatusReleased}, nil
}

type stubIngester struct {
	provider string
}

func (s *stubIngester) Ingest(_ context.Context, provider string, _ []byte, _ http.Header) (*webhooks.Result, error) {
	s.provider = provider
	return &webhooks.Result{EventID: "evt_1", Outcome: enums.ReconciliationApplied}, nil
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: map[string]string{}}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value.(string)
	return true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	return nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

type harness struct {
	cfg      *config.Config
	router   http.Handler
	payments *stubPayments
	escrows  *stubEscrows
	webhooks *stubIngester
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		App: config.AppConfig{Env: "test", Port: "0", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "issuer", ExpirationMinutes: 60},
	}
	h := &harness{cfg: cfg, payments: &stubPayments{}, escrows: &stubEscrows{}, webhooks: &stubIngester{}}
	logg := logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard})
	h.router = NewRouter(cfg, logg, Dependencies{
		DB:          stubPinger{},
		Redis:       stubPinger{},
		Idempotency: newMemoryStore(),
		Gatherer:    prometheus.NewRegistry(),
		Payments:    h.payments,
		Escrows:     h.escrows,
		Operator:    stubOperator{},
		Webhooks:    h.webhooks,
	})
	return h
}

func (h *harness) token(t *testing.T, role enums.ActorRole) string {
	t.Helper()
	payload := pkgAuth.AccessTokenPayload{UserID: uuid.New(), Role: role, JTI: uuid.NewString()}
	if role == enums.RoleSeller {
		payload.AccountID = "acct_1"
	}
	token, err := pkgAuth.MintAccessToken(h.cfg.JWT, time.Now(), payload)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func (h *harness) do(method, path, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/health/live", "/health/ready", "/metrics"} {
		if resp := h.do(http.MethodGet, path, "", "", nil); resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, resp.Code)
		}
	}
}

func TestWebhookRouteSkipsJWT(t *testing.T) {
	h := newHarness(t)
	resp := h.do(http.MethodPost, "/api/v1/webhooks/paypal", "", `{"id":"WH-1"}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if h.webhooks.provider != "paypal" {
		t.Fatalf("expected provider from path, got %q", h.webhooks.provider)
	}
}

func TestAPIRejectsMissingJWT(t *testing.T) {
	h := newHarness(t)
	if resp := h.do(http.MethodGet, "/api/v1/payments", "", "", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", resp.Code)
	}
	if resp := h.do(http.MethodGet, "/api/v1/payments", h.token(t, enums.RoleCustomer), "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token got %d", resp.Code)
	}
}

func TestAdminGroupRequiresAdminRole(t *testing.T) {
	h := newHarness(t)
	if resp := h.do(http.MethodGet, "/api/v1/admin/operator-queue", h.token(t, enums.RoleCustomer), "", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer got %d", resp.Code)
	}
	if resp := h.do(http.MethodGet, "/api/v1/admin/operator-queue", h.token(t, enums.RoleAdmin), "", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin got %d", resp.Code)
	}
}

func TestEscrowReleaseRequiresPrivilegedRole(t *testing.T) {
	h := newHarness(t)
	path := "/api/v1/escrows/" + uuid.NewString() + "/release"
	headers := map[string]string{"Idempotency-Key": "release-1"}

	if resp := h.do(http.MethodPost, path, h.token(t, enums.RoleSeller), "", headers); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller got %d", resp.Code)
	}
	if resp := h.do(http.MethodPost, path, h.token(t, enums.RoleService), "", headers); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for service got %d: %s", resp.Code, resp.Body.String())
	}
	if h.escrows.released != 1 {
		t.Fatalf("expected one release, got %d", h.escrows.released)
	}
}

func TestPaymentCreateRequiresAndReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	token := h.token(t, enums.RoleCustomer)
	body := `{"order_id":"` + uuid.NewString() + `","amount":2500,"currency":"USD","provider":"card"}`

	if resp := h.do(http.MethodPost, "/api/v1/payments", token, body, nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key got %d", resp.Code)
	}

	headers := map[string]string{"Idempotency-Key": "create-1"}
	first := h.do(http.MethodPost, "/api/v1/payments", token, body, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body.String())
	}
	second := h.do(http.MethodPost, "/api/v1/payments", token, body, headers)
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed response, got %d %s", second.Code, second.Body.String())
	}
	if h.payments.creates != 1 {
		t.Fatalf("expected one create, got %d", h.payments.creates)
	}
}
