package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rongwang/titleforge/internal/api"
	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/pricing"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/rongwang/titleforge/internal/worker"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

// TestContext holds all dependencies for tests
type TestContext struct {
	Router      *gin.Engine
	Repository  *repository.MemoryRepository
	Ledger      *service.Ledger
	Dispatcher  *service.Dispatcher
	Queue       *worker.InMemory
	Service     service.Service
	Metrics     *metrics.Registry
	JWTSecret   []byte
	TestUserID  string
	TestUserJWT string
}

// Option adjusts a test context before the router is built
type Option func(*options)

type options struct {
	limiter *api.UserLimiter
}

// WithLimiter enables submit rate limiting
func WithLimiter(rps float64, burst int) Option {
	return func(o *options) { o.limiter = api.NewUserLimiter(rps, burst) }
}

// SetupTestContext wires the API against an in-memory repository and an
// in-memory worker queue.
func SetupTestContext(t *testing.T, opts ...Option) *TestContext {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	repo := repository.NewMemoryRepository()
	m := metrics.NewRegistry()
	queue := worker.NewInMemory(zerolog.Nop())

	ledger := service.NewLedger(repo, zerolog.Nop(), m)
	requests := service.NewRequestLog(repo)
	dispatcher := service.NewDispatcher(ledger, requests, queue, service.WithMetrics(m))
	queue.Attach(dispatcher)

	svc := service.NewDefaultService(ledger, requests, dispatcher, pricing.DefaultPricer())

	handlerOpts := []api.HandlerOption{api.WithMetrics(m)}
	if o.limiter != nil {
		handlerOpts = append(handlerOpts, api.WithLimiter(o.limiter))
	}
	handler := api.NewHandler(svc, testSecret, handlerOpts...)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler.SetupRoutes(router)

	userID, token := NewUser(t)

	return &TestContext{
		Router:      router,
		Repository:  repo,
		Ledger:      ledger,
		Dispatcher:  dispatcher,
		Queue:       queue,
		Service:     svc,
		Metrics:     m,
		JWTSecret:   []byte(testSecret),
		TestUserID:  userID,
		TestUserJWT: token,
	}
}

// NewUser returns a fresh user id and a valid token for it
func NewUser(t *testing.T) (string, string) {
	t.Helper()

	userID := uuid.NewString()
	token, err := service.IssueToken(testSecret, userID, 24*time.Hour)
	require.NoError(t, err, "Failed to generate JWT token")
	return userID, token
}

// Fund deposits amount for userID directly through the ledger
func (tc *TestContext) Fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := tc.Ledger.Deposit(context.Background(), userID, decimal.RequireFromString(amount))
	require.NoError(t, err)
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}
