package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HeaderRequestID carries the request id in both directions
const HeaderRequestID = "X-Request-ID"

// AuthMiddleware returns a Gin middleware for authentication. Every failure
// gets the same response so callers learn nothing about why.
func AuthMiddleware(jwtSecret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := authenticate(c.GetHeader("Authorization"), jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
				Status:  "error",
				Code:    "FORBIDDEN",
				Message: "Forbidden",
			})
			return
		}

		// Set user ID in the context
		c.Set("userId", userID)
		c.Next()
	}
}

func authenticate(authHeader string, jwtSecret []byte) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", models.ErrForbidden
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", models.ErrForbidden
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", models.ErrForbidden
	}
	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return "", models.ErrForbidden
	}
	return userID, nil
}

// RequestLogger logs each request with a request id and records its latency
func RequestLogger(logger zerolog.Logger, m *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("requestId", requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		m.RecordHTTP(c.Request.Method, route, strconv.Itoa(status), elapsed)

		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", elapsed).
			Str("user_id", c.GetString("userId")).
			Msg("request handled")
	}
}

// LimiterSweepInterval bounds how often UserLimiter drops idle buckets
const LimiterSweepInterval = time.Minute

// UserLimiter keeps one token bucket per user. Buckets that have refilled
// completely are dropped periodically, since a fresh bucket behaves the same.
type UserLimiter struct {
	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	rps       float64
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// NewUserLimiter creates a limiter allowing rps requests per second per user
// with the given burst.
func NewUserLimiter(rps float64, burst int) *UserLimiter {
	if burst < 1 {
		burst = 1
	}
	return &UserLimiter{
		limiters:  make(map[string]*rate.Limiter),
		rps:       rps,
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

func (l *UserLimiter) limiter(userID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[userID]
	l.mu.RUnlock()
	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[userID]; exists {
		return limiter
	}

	// The map only grows here, so sweeping here keeps it bounded
	if now := l.now(); now.Sub(l.lastSweep) >= LimiterSweepInterval {
		l.sweepLocked(now)
	}

	limiter = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[userID] = limiter
	return limiter
}

// Sweep drops the buckets that are full again and returns how many it dropped
func (l *UserLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *UserLimiter) sweepLocked(now time.Time) int {
	dropped := 0
	for userID, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, userID)
			dropped++
		}
	}
	l.lastSweep = now
	return dropped
}

// Len returns the number of users currently tracked
func (l *UserLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Allow reports whether userID may make another request now
func (l *UserLimiter) Allow(userID string) bool {
	return l.limiter(userID).Allow()
}

// RateLimit rejects requests over the caller's limit with 429. A nil limiter
// allows everything.
func RateLimit(l *UserLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || l.Allow(c.GetString("userId")) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
			Status:  "error",
			Code:    "RATE_LIMITED",
			Message: "Too many requests",
		})
	}
}
