package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/rs/zerolog"
)

// DateLayout is the format of the start_date and end_date query parameters
const DateLayout = "2006-01-02"

// Handler exposes the service over HTTP
type Handler struct {
	service   service.Service
	jwtSecret []byte
	limiter   *UserLimiter
	metrics   *metrics.Registry
	health    func(ctx context.Context) error
	logger    zerolog.Logger
}

// HandlerOption customises a Handler
type HandlerOption func(*Handler)

// WithLimiter rate limits submissions per user
func WithLimiter(l *UserLimiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// WithMetrics records HTTP metrics and serves /metrics
func WithMetrics(m *metrics.Registry) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithHealthCheck makes /health report the result of check
func WithHealthCheck(check func(ctx context.Context) error) HandlerOption {
	return func(h *Handler) { h.health = check }
}

// WithLogger sets the request logger
func WithLogger(logger zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a new API handler
func NewHandler(svc service.Service, jwtSecret string, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:   svc,
		jwtSecret: []byte(jwtSecret),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes registers all routes on router
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(RequestLogger(h.logger, h.metrics))

	router.GET("/health", h.Health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := router.Group("/api")
	api.Use(AuthMiddleware(h.jwtSecret))

	balance := api.Group("/balance")
	{
		balance.GET("", h.GetBalance)
		balance.POST("/deposit", h.Deposit)
		balance.POST("/withdraw", h.Withdraw)
		balance.GET("/history", h.GetHistory)
	}

	requests := api.Group("/requests")
	{
		requests.POST("/quote", h.Quote)
		requests.POST("", RateLimit(h.limiter), h.SubmitRequest)
		requests.GET("", h.GetRequests)
		requests.GET("/stats", h.GetRequestStats)
		requests.GET("/:id", h.GetRequest)
	}
}

func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Error().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Balance handlers
func (h *Handler) GetBalance(c *gin.Context) {
	resp, err := h.service.GetBalance(c.Request.Context(), c.GetString("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Deposit(c *gin.Context) {
	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := h.service.Deposit(c.Request.Context(), c.GetString("userId"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Withdraw(c *gin.Context) {
	var req models.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := h.service.Withdraw(c.Request.Context(), c.GetString("userId"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetHistory(c *gin.Context) {
	from, to, ok := dateRange(c)
	if !ok {
		return
	}

	resp, err := h.service.GetHistory(c.Request.Context(), c.GetString("userId"), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Request handlers
func (h *Handler) Quote(c *gin.Context) {
	var req models.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := h.service.Quote(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SubmitRequest(c *gin.Context) {
	var req models.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := h.service.SubmitRequest(c.Request.Context(), c.GetString("userId"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) GetRequests(c *gin.Context) {
	from, to, ok := dateRange(c)
	if !ok {
		return
	}

	resp, err := h.service.GetRequests(c.Request.Context(), c.GetString("userId"), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetRequest(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "INVALID_REQUEST", "Invalid request id")
		return
	}

	resp, err := h.service.GetRequest(c.Request.Context(), c.GetString("userId"), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetRequestStats(c *gin.Context) {
	days := service.DefaultStatsDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "INVALID_REQUEST", "days must be a positive integer")
			return
		}
		days = n
	}

	resp, err := h.service.GetRequestStats(c.Request.Context(), c.GetString("userId"), days)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// dateRange parses the optional start_date and end_date parameters. It
// writes a 400 response and returns false when either is malformed.
func dateRange(c *gin.Context) (from, to *time.Time, ok bool) {
	parse := func(name string) (*time.Time, bool) {
		raw := c.Query(name)
		if raw == "" {
			return nil, true
		}
		t, err := time.ParseInLocation(DateLayout, raw, time.UTC)
		if err != nil {
			badRequest(c, "INVALID_REQUEST", name+" must be formatted as YYYY-MM-DD")
			return nil, false
		}
		return &t, true
	}

	if from, ok = parse("start_date"); !ok {
		return nil, nil, false
	}
	if to, ok = parse("end_date"); !ok {
		return nil, nil, false
	}
	return from, to, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAmount):
		badRequest(c, "INVALID_AMOUNT", "Amount must be positive")
	case errors.Is(err, models.ErrInvalidRequest):
		badRequest(c, "INVALID_REQUEST", err.Error())
	case errors.Is(err, models.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, models.ErrorResponse{
			Status:  "error",
			Code:    "INSUFFICIENT_FUNDS",
			Message: "Insufficient funds",
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Status:  "error",
			Code:    "NOT_FOUND",
			Message: "Not found",
		})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Status:  "error",
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		})
	}
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}
